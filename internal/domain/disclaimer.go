package domain

import "time"

// DisclaimerPolicy controls how surfaced compliance disclaimers are handled.
type DisclaimerPolicy string

const (
	// PolicyBlockAll halts the trade on any disclaimer. Safe default.
	PolicyBlockAll DisclaimerPolicy = "block_all"
	// PolicyAutoAcceptNormal accepts non-blocking disclaimers automatically;
	// blocking disclaimers always halt.
	PolicyAutoAcceptNormal DisclaimerPolicy = "auto_accept_normal"
	// PolicyManualReview always halts and logs, never resolves.
	PolicyManualReview DisclaimerPolicy = "manual_review"
)

// DisclaimerDetails is the authoritative disclaimer record from the
// compliance service. IsBlocking comes only from here, never from the
// precheck payload.
type DisclaimerDetails struct {
	Token           string
	IsBlocking      bool
	Title           string
	Body            string
	ResponseOptions []string
	RetrievedAt     time.Time
}

// DisclaimerResolution is the resolver's verdict for one intent.
type DisclaimerResolution struct {
	AllowTrading  bool
	Blocking      []DisclaimerDetails
	Normal        []DisclaimerDetails
	AutoAccepted  []string
	Errors        []string
	PolicyApplied DisclaimerPolicy
}
