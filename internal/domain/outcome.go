package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ErrorInfo is a structured broker error extracted at the network boundary.
type ErrorInfo struct {
	Code    string
	Message string
}

// Money is an amount in a specific currency.
type Money struct {
	Amount   decimal.Decimal
	Currency string
}

// PrecheckOutcome is the normalized result of the non-committing server-side
// order validation.
type PrecheckOutcome struct {
	OK                bool
	Error             *ErrorInfo
	EstimatedCost     *Money
	MarginImpact      *Money
	DisclaimerContext string
	DisclaimerTokens  []string
	HTTPStatus        int
	RequestID         string
}

// PlacementStatus classifies the three possible placement outcomes.
type PlacementStatus string

const (
	PlacementSuccess PlacementStatus = "success"
	PlacementFailure PlacementStatus = "failure"
	// PlacementUncertain covers timeouts and in-flight ambiguity. Resolved
	// by reconciliation, never by resubmission.
	PlacementUncertain PlacementStatus = "uncertain"
)

// PlacementOutcome is the classified result of one placement attempt.
type PlacementOutcome struct {
	Status                 PlacementStatus
	OrderID                string
	Error                  *ErrorInfo
	HTTPStatus             int
	RequestID              string
	RequiresReconciliation bool
}

// ReconciliationStatus resolves an uncertain placement.
type ReconciliationStatus string

const (
	ReconFoundWorking   ReconciliationStatus = "found_working"
	ReconFoundFilled    ReconciliationStatus = "found_filled"
	ReconFoundCancelled ReconciliationStatus = "found_cancelled"
	ReconNotFound       ReconciliationStatus = "not_found"
	ReconQueryFailed    ReconciliationStatus = "query_failed"
	ReconNotAttempted   ReconciliationStatus = "not_attempted"
)

// ReconciliationOutcome is the result of the single authoritative query made
// for an uncertain placement.
type ReconciliationOutcome struct {
	Status       ReconciliationStatus
	OrderID      string
	OrderStatus  string
	FillPrice    decimal.Decimal
	FilledAmount decimal.Decimal
	// DegradedConfidence marks resolutions from the external-reference scan
	// fallback, which the broker does not contractually guarantee.
	DegradedConfidence bool
	ErrorMessage       string
}

// ExecutionStatus is the terminal classification of one intent.
type ExecutionStatus string

const (
	ExecSuccess              ExecutionStatus = "success"
	ExecDryRun               ExecutionStatus = "dry_run"
	ExecFailedValidation     ExecutionStatus = "failed_validation"
	ExecFailedPrecheck       ExecutionStatus = "failed_precheck"
	ExecFailedPlacement      ExecutionStatus = "failed_placement"
	ExecBlockedByDisclaimer  ExecutionStatus = "blocked_by_disclaimer"
	ExecBlockedByPosition    ExecutionStatus = "blocked_by_position"
	ExecBlockedByMarketState ExecutionStatus = "blocked_by_market_state"
	ExecBlockedByTradeLimit  ExecutionStatus = "blocked_by_trade_limit"
	ExecNeedsReconciliation  ExecutionStatus = "reconciliation_needed"
	ExecRateLimited          ExecutionStatus = "rate_limited"
)

// ExecutionResult is the terminal record for one intent. It always carries
// the stable external reference for audit.
type ExecutionResult struct {
	Status         ExecutionStatus
	Intent         OrderIntent
	Precheck       *PrecheckOutcome
	Placement      *PlacementOutcome
	Reconciliation *ReconciliationOutcome
	Disclaimers    *DisclaimerResolution

	OrderID      string
	ErrorMessage string
	HTTPStatus   int
	Timestamp    time.Time

	NeedsReconciliation bool
}
