package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// InstrumentConstraints is a snapshot of the per-instrument trading rules
// fetched from the broker's reference data endpoint. Cached with a TTL by
// the validator; never invalidated by writes.
type InstrumentConstraints struct {
	Key               InstrumentKey
	Symbol            string
	Description       string
	IsTradable        bool
	NonTradableReason string

	// SessionState is the venue trading phase reported with the reference
	// data, the gate's lowest-priority state source. Empty when unreported.
	SessionState MarketState

	AmountDecimals   int
	IncrementSize    decimal.Decimal
	MinimumTradeSize decimal.Decimal
	TickSize         decimal.Decimal

	// SupportedDurations maps order type to the duration types the venue
	// accepts for it. Empty means the venue did not report the group and
	// precheck is the authority.
	SupportedOrderTypes []OrderType
	SupportedDurations  map[OrderType][]DurationType
}

// ValidateOrderType checks the order type against venue support. An empty
// support list defers to precheck.
func (c *InstrumentConstraints) ValidateOrderType(ot OrderType) error {
	if len(c.SupportedOrderTypes) == 0 {
		return nil
	}
	for _, s := range c.SupportedOrderTypes {
		if s == ot {
			return nil
		}
	}
	return fmt.Errorf("order type %q not supported, venue supports %v", ot, c.SupportedOrderTypes)
}

// ValidateDuration checks the duration type for a given order type.
func (c *InstrumentConstraints) ValidateDuration(ot OrderType, dt DurationType) error {
	if len(c.SupportedDurations) == 0 {
		return nil
	}
	allowed, ok := c.SupportedDurations[ot]
	if !ok {
		return nil
	}
	for _, d := range allowed {
		if d == dt {
			return nil
		}
	}
	return fmt.Errorf("duration %q not supported for %s orders, venue supports %v", dt, ot, allowed)
}

// ValidateAmount checks decimal precision, increment alignment and the
// venue minimum.
func (c *InstrumentConstraints) ValidateAmount(amount decimal.Decimal) error {
	if int(-amount.Exponent()) > c.AmountDecimals {
		return fmt.Errorf("amount %s has more than %d decimals", amount, c.AmountDecimals)
	}
	if c.IncrementSize.IsPositive() {
		if !amount.Mod(c.IncrementSize).IsZero() {
			return fmt.Errorf("amount %s not aligned with increment %s", amount, c.IncrementSize)
		}
	}
	if c.MinimumTradeSize.IsPositive() && amount.LessThan(c.MinimumTradeSize) {
		return fmt.Errorf("amount %s below minimum trade size %s", amount, c.MinimumTradeSize)
	}
	return nil
}
