package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"saxobot/internal/broker"
	"saxobot/internal/domain"
	"saxobot/internal/infra"
	"saxobot/internal/metrics"
	"saxobot/internal/storage"
)

// ExecutorDeps wires the pipeline stages together. Metrics and Quotes may
// be nil; everything else is required.
type ExecutorDeps struct {
	Gate        *MarketStateGate
	Tracker     *PositionTracker
	Guards      *PositionGuards
	Validator   *InstrumentValidator
	Limiter     *infra.RateLimiter
	Retry       *infra.RetryPolicy
	Precheck    *PrecheckClient
	Disclaimers *DisclaimerResolver
	Placement   *PlacementClient
	Reconciler  *Reconciler
	Journal     *storage.Journal
	Metrics     *metrics.Metrics
	Quotes      MarketStateProvider
	Clock       infra.Clock
	Log         *slog.Logger

	DryRun         bool
	MaxDailyTrades int
}

// Executor runs one intent through the full pipeline: trade-limit gate,
// market-state gate, position guards, instrument validation, rate limiter,
// precheck, disclaimers, placement and reconciliation. It always returns a
// terminal ExecutionResult and never panics out of Execute.
type Executor struct {
	deps ExecutorDeps
}

func NewExecutor(deps ExecutorDeps) *Executor {
	if deps.Clock == nil {
		deps.Clock = infra.SystemClock
	}
	return &Executor{deps: deps}
}

// Execute takes one intent to a terminal result. The intent's external
// reference stays fixed across every attempt inside this call; request
// ids are re-stamped per attempt.
func (e *Executor) Execute(ctx context.Context, intent domain.OrderIntent) (res *domain.ExecutionResult) {
	d := &e.deps
	result := &domain.ExecutionResult{Intent: intent}

	defer func() {
		if r := recover(); r != nil {
			d.Log.Error("panic during execution",
				"panic", fmt.Sprint(r),
				"external_reference", intent.ExternalReference,
			)
			res = e.finish(result, domain.ExecFailedPlacement, fmt.Sprintf("panic: %v", r))
		}
	}()

	// Daily trade limit, persisted across restarts.
	day := d.Clock.Now().UTC().Format("2006-01-02")
	count, err := d.Journal.TradesToday(ctx, day)
	if err != nil {
		d.Metrics.RecordBlock("trade_limit")
		return e.finish(result, domain.ExecBlockedByTradeLimit,
			fmt.Sprintf("daily counter unavailable: %v", err))
	}
	if count >= d.MaxDailyTrades {
		d.Metrics.RecordBlock("trade_limit")
		return e.finish(result, domain.ExecBlockedByTradeLimit,
			fmt.Sprintf("daily trade limit reached (%d/%d)", count, d.MaxDailyTrades))
	}

	// Read-side context: positions and instrument constraints.
	positions, posErr := d.Tracker.Positions(ctx, false)
	var pos *domain.Position
	if posErr == nil {
		pos = Find(positions, intent.Instrument)
	}
	constraints, consErr := d.Validator.Constraints(ctx, intent.Instrument)

	// Market-state gate.
	gate := d.Gate.Decide(intent.Instrument, d.Quotes, pos, constraints)
	if !gate.Allowed {
		d.Metrics.RecordBlock("market_state")
		return e.finish(result, domain.ExecBlockedByMarketState,
			fmt.Sprintf("market state %s (source %s) not allowed", gate.State, gate.Source))
	}

	// Position guards. A clamped sell adjusts the amount in place.
	var verdict GuardVerdict
	if intent.Side == domain.Buy {
		verdict = d.Guards.CheckBuy(intent, pos, posErr)
	} else {
		verdict = d.Guards.CheckSell(intent, pos, posErr)
	}
	if !verdict.Allowed {
		d.Metrics.RecordBlock(verdict.Reason)
		return e.finish(result, domain.ExecBlockedByPosition, verdict.Reason)
	}
	if verdict.AdjustedAmount != nil {
		intent.Amount = *verdict.AdjustedAmount
		result.Intent = intent
	}

	// Local validation against instrument constraints. When the lookup
	// failed the server-side precheck is the only validator; proceed but
	// say so.
	if consErr != nil {
		if !errors.Is(consErr, ErrValidationIncomplete) {
			return e.finish(result, domain.ExecFailedValidation, consErr.Error())
		}
		d.Log.Warn("constraints unavailable, degrading to precheck-only validation",
			"instrument", intent.Instrument.String(), "error", consErr)
	} else if violations := d.Validator.Check(constraints, intent); len(violations) > 0 {
		d.Metrics.RecordBlock("validation")
		return e.finish(result, domain.ExecFailedValidation, strings.Join(violations, "; "))
	}

	// Mandatory server-side precheck, retried per failure class.
	pre, status := e.runPrecheck(ctx, intent, result)
	if status != "" {
		return e.finish(result, status, result.ErrorMessage)
	}
	result.Precheck = pre
	if !pre.OK {
		msg := "precheck rejected"
		if pre.Error != nil {
			msg = fmt.Sprintf("%s: %s", pre.Error.Code, pre.Error.Message)
		}
		result.HTTPStatus = pre.HTTPStatus
		return e.finish(result, domain.ExecFailedPrecheck, msg)
	}

	// Disclaimers surfaced by precheck.
	if len(pre.DisclaimerTokens) > 0 {
		resolution := d.Disclaimers.Resolve(ctx, pre.DisclaimerTokens, pre.DisclaimerContext)
		result.Disclaimers = resolution
		if !resolution.AllowTrading {
			d.Metrics.RecordBlock("disclaimer")
			return e.finish(result, domain.ExecBlockedByDisclaimer,
				fmt.Sprintf("%d blocking, %d normal disclaimers under policy %s",
					len(resolution.Blocking), len(resolution.Normal), resolution.PolicyApplied))
		}
	}

	// Dry run stops after the precheck so the full path short of money
	// movement is exercised.
	if d.DryRun {
		return e.finish(result, domain.ExecDryRun, "")
	}

	return e.place(ctx, intent, result, day)
}

// runPrecheck retries the precheck call per the failure-class policy. A
// non-empty status aborts the pipeline.
func (e *Executor) runPrecheck(ctx context.Context, intent domain.OrderIntent, result *domain.ExecutionResult) (*domain.PrecheckOutcome, domain.ExecutionStatus) {
	d := &e.deps
	for attempt := 0; ; attempt++ {
		if err := e.acquire(ctx); err != nil {
			result.ErrorMessage = err.Error()
			return nil, domain.ExecRateLimited
		}

		pre, err := d.Precheck.Precheck(ctx, intent)
		if err == nil {
			return pre, ""
		}

		class, reset := classifyCallError(err)
		d.Metrics.RecordBrokerError(class.String())
		decision := d.Retry.Decide(class, attempt, reset)
		if !decision.Retry {
			result.ErrorMessage = err.Error()
			return nil, domain.ExecFailedPrecheck
		}
		d.Log.Warn("precheck retry",
			"external_reference", intent.ExternalReference,
			"attempt", attempt, "class", class.String(), "wait", decision.Wait)
		if err := d.Retry.Sleep(ctx, decision.Wait); err != nil {
			result.ErrorMessage = err.Error()
			return nil, domain.ExecFailedPrecheck
		}
	}
}

// place runs the journaled placement loop: every attempt is recorded
// before its mutation goes out, failures are retried per class, and
// uncertain outcomes are reconciled instead of retried.
func (e *Executor) place(ctx context.Context, intent domain.OrderIntent, result *domain.ExecutionResult, day string) *domain.ExecutionResult {
	d := &e.deps
	for attempt := 0; ; attempt++ {
		if err := e.acquire(ctx); err != nil {
			return e.finish(result, domain.ExecRateLimited, err.Error())
		}

		intent = intent.WithFreshRequestID()
		result.Intent = intent
		attemptID, err := d.Journal.BeginAttempt(ctx, intent)
		if errors.Is(err, storage.ErrAttemptInFlight) {
			result.NeedsReconciliation = true
			return e.finish(result, domain.ExecNeedsReconciliation,
				"an earlier attempt for this trade is unresolved")
		}
		if err != nil {
			// No journal entry, no mutation.
			return e.finish(result, domain.ExecFailedPlacement,
				fmt.Sprintf("journal write failed: %v", err))
		}

		outcome := d.Placement.Place(ctx, intent)
		result.Placement = outcome
		result.HTTPStatus = outcome.HTTPStatus

		switch outcome.Status {
		case domain.PlacementSuccess:
			e.resolveAttempt(ctx, attemptID, storage.AttemptSucceeded, outcome.OrderID, outcome.HTTPStatus, "")
			e.bumpDailyCounter(ctx, day)
			d.Metrics.RecordPlacement("success")
			result.OrderID = outcome.OrderID
			e.refreshPositions(ctx)
			return e.finish(result, domain.ExecSuccess, "")

		case domain.PlacementUncertain:
			errCode := ""
			if outcome.Error != nil {
				errCode = outcome.Error.Code
			}
			e.resolveAttempt(ctx, attemptID, storage.AttemptUncertain, outcome.OrderID, outcome.HTTPStatus, errCode)
			// The order may exist; it counts against the daily limit.
			e.bumpDailyCounter(ctx, day)
			d.Metrics.RecordPlacement("uncertain")
			return e.reconcile(ctx, intent, result, attemptID, outcome)

		default:
			errCode := ""
			if outcome.Error != nil {
				errCode = outcome.Error.Code
			}
			e.resolveAttempt(ctx, attemptID, storage.AttemptFailed, "", outcome.HTTPStatus, errCode)
			d.Metrics.RecordPlacement("failure")

			class := infra.ClassifyHTTP(outcome.HTTPStatus)
			d.Metrics.RecordBrokerError(class.String())
			decision := d.Retry.Decide(class, attempt, 0)
			if !decision.Retry {
				msg := "placement failed"
				if outcome.Error != nil {
					msg = fmt.Sprintf("%s: %s", outcome.Error.Code, outcome.Error.Message)
				}
				return e.finish(result, domain.ExecFailedPlacement, msg)
			}
			d.Log.Warn("placement retry",
				"external_reference", intent.ExternalReference,
				"attempt", attempt, "class", class.String(), "wait", decision.Wait)
			if err := d.Retry.Sleep(ctx, decision.Wait); err != nil {
				return e.finish(result, domain.ExecFailedPlacement, err.Error())
			}
		}
	}
}

// reconcile resolves an uncertain placement with the single authoritative
// query and maps the answer to a terminal status. The journal entry stays
// uncertain unless the query produced a definite answer.
func (e *Executor) reconcile(ctx context.Context, intent domain.OrderIntent, result *domain.ExecutionResult, attemptID int64, placement *domain.PlacementOutcome) *domain.ExecutionResult {
	d := &e.deps

	rec := d.Reconciler.Reconcile(ctx, intent, placement.OrderID)
	result.Reconciliation = rec
	d.Metrics.RecordReconciliation(string(rec.Status))

	switch rec.Status {
	case domain.ReconFoundWorking, domain.ReconFoundFilled:
		e.resolveAttempt(ctx, attemptID, storage.AttemptReconciled, rec.OrderID, 0, "")
		result.OrderID = rec.OrderID
		e.refreshPositions(ctx)
		return e.finish(result, domain.ExecSuccess, "")

	case domain.ReconFoundCancelled:
		e.resolveAttempt(ctx, attemptID, storage.AttemptReconciled, rec.OrderID, 0, rec.OrderStatus)
		return e.finish(result, domain.ExecFailedPlacement,
			fmt.Sprintf("order found %s after uncertain placement", rec.OrderStatus))

	case domain.ReconNotFound:
		if rec.DegradedConfidence {
			// The scan is best effort; keep the attempt open.
			result.NeedsReconciliation = true
			return e.finish(result, domain.ExecNeedsReconciliation,
				"order not found by external reference scan, confidence degraded")
		}
		errCode := ""
		if placement.Error != nil {
			errCode = placement.Error.Code
		}
		e.resolveAttempt(ctx, attemptID, storage.AttemptFailed, "", placement.HTTPStatus, errCode)
		return e.finish(result, domain.ExecFailedPlacement,
			"no order registered after uncertain placement")

	default:
		result.NeedsReconciliation = true
		return e.finish(result, domain.ExecNeedsReconciliation, rec.ErrorMessage)
	}
}

// acquire takes a mutation token, counting the wait when it blocks.
func (e *Executor) acquire(ctx context.Context) error {
	d := &e.deps
	if d.Limiter.TryAcquire() {
		return nil
	}
	d.Metrics.RecordRateLimitWait()
	if err := d.Limiter.Acquire(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

func (e *Executor) resolveAttempt(ctx context.Context, id int64, status storage.AttemptStatus, orderID string, httpStatus int, errCode string) {
	if err := e.deps.Journal.ResolveAttempt(ctx, id, status, orderID, httpStatus, errCode); err != nil {
		e.deps.Log.Error("journal resolve failed", "attempt_id", id, "error", err)
	}
}

func (e *Executor) bumpDailyCounter(ctx context.Context, day string) {
	if err := e.deps.Journal.IncrementTradesToday(ctx, day); err != nil {
		e.deps.Log.Error("daily counter increment failed", "day", day, "error", err)
	}
}

// refreshPositions forces the tracker cache so the next intent's guards
// see the new exposure.
func (e *Executor) refreshPositions(ctx context.Context) {
	if _, err := e.deps.Tracker.Positions(ctx, true); err != nil {
		e.deps.Log.Warn("position refresh after placement failed", "error", err)
	}
}

func (e *Executor) finish(result *domain.ExecutionResult, status domain.ExecutionStatus, msg string) *domain.ExecutionResult {
	result.Status = status
	if msg != "" {
		result.ErrorMessage = msg
	}
	result.Timestamp = e.deps.Clock.Now()

	attrs := []any{
		"status", string(status),
		"instrument", result.Intent.Instrument.String(),
		"side", string(result.Intent.Side),
		"amount", result.Intent.Amount.String(),
		"external_reference", result.Intent.ExternalReference,
	}
	if result.Intent.RequestID != "" {
		attrs = append(attrs, "request_id", result.Intent.RequestID)
	}
	if result.OrderID != "" {
		attrs = append(attrs, "order_id", result.OrderID)
	}
	if result.ErrorMessage != "" {
		attrs = append(attrs, "error", result.ErrorMessage)
	}

	switch status {
	case domain.ExecSuccess, domain.ExecDryRun:
		e.deps.Log.Info("execution finished", attrs...)
	case domain.ExecNeedsReconciliation:
		e.deps.Log.Error("execution left unresolved", attrs...)
	default:
		e.deps.Log.Warn("execution blocked or failed", attrs...)
	}
	return result
}

// classifyCallError maps a transport error to a retry class plus any
// server-advised reset delay.
func classifyCallError(err error) (infra.FailureClass, time.Duration) {
	if apiErr, ok := broker.AsAPIError(err); ok {
		return infra.ClassifyHTTP(apiErr.StatusCode), apiErr.Reset
	}
	return infra.ClassTransient, 0
}
