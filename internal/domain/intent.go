package domain

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AssetType identifies the broker asset class of an instrument.
type AssetType string

const (
	AssetStock    AssetType = "Stock"
	AssetFxSpot   AssetType = "FxSpot"
	AssetFxCrypto AssetType = "FxCrypto"
)

// BuySell is the order direction.
type BuySell string

const (
	Buy  BuySell = "Buy"
	Sell BuySell = "Sell"
)

// OrderType enumerates broker order types. Only Market is executable in
// this system; Limit and Stop exist for constraint validation.
type OrderType string

const (
	OrderMarket OrderType = "Market"
	OrderLimit  OrderType = "Limit"
	OrderStop   OrderType = "Stop"
)

// DurationType enumerates order duration modes.
type DurationType string

const (
	DurationDayOrder          DurationType = "DayOrder"
	DurationGoodTillCancel    DurationType = "GoodTillCancel"
	DurationGoodTillDate      DurationType = "GoodTillDate"
	DurationFillOrKill        DurationType = "FillOrKill"
	DurationImmediateOrCancel DurationType = "ImmediateOrCancel"
)

// InstrumentKey is the composite identifier for a tradable instrument:
// asset class plus the broker's numeric universal instrument code.
type InstrumentKey struct {
	AssetType AssetType `json:"asset_type"`
	Uic       int       `json:"uic"`
}

func (k InstrumentKey) String() string {
	return fmt.Sprintf("%s/%d", k.AssetType, k.Uic)
}

// MaxExternalReferenceLen is the broker's hard limit on the correlation string.
const MaxExternalReferenceLen = 50

// OrderIntent describes one desired trade. It is created once per logical
// trade and not mutated afterwards; only RequestID is re-stamped per attempt
// via WithFreshRequestID.
type OrderIntent struct {
	ClientKey   string
	AccountKey  string
	Instrument  InstrumentKey
	Side        BuySell
	Amount      decimal.Decimal
	OrderType   OrderType
	Duration    DurationType
	ManualOrder bool

	// ExternalReference correlates every attempt of this logical trade.
	// Stable for the lifetime of the intent, max 50 chars.
	ExternalReference string

	// RequestID is the per-attempt idempotency token. Regenerated for every
	// distinct network mutation.
	RequestID string

	// Metadata for logging only.
	Symbol     string
	StrategyID string
}

// NewOrderIntent builds a validated intent with Market/DayOrder defaults.
func NewOrderIntent(clientKey, accountKey string, key InstrumentKey, side BuySell, amount decimal.Decimal, externalRef string) (OrderIntent, error) {
	if len(externalRef) > MaxExternalReferenceLen {
		return OrderIntent{}, fmt.Errorf("external reference must be <= %d chars, got %d", MaxExternalReferenceLen, len(externalRef))
	}
	if externalRef == "" {
		return OrderIntent{}, fmt.Errorf("external reference is required")
	}
	if !amount.IsPositive() {
		return OrderIntent{}, fmt.Errorf("amount must be positive, got %s", amount)
	}

	return OrderIntent{
		ClientKey:         clientKey,
		AccountKey:        accountKey,
		Instrument:        key,
		Side:              side,
		Amount:            amount,
		OrderType:         OrderMarket,
		Duration:          DurationDayOrder,
		ExternalReference: externalRef,
	}, nil
}

// WithFreshRequestID returns a copy of the intent stamped with a new
// idempotency token. The original is left untouched.
func (i OrderIntent) WithFreshRequestID() OrderIntent {
	i.RequestID = uuid.NewString()
	return i
}
