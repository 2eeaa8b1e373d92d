package domain

import "github.com/shopspring/decimal"

// Position is the broker's consolidated net exposure for one instrument.
type Position struct {
	Key           InstrumentKey
	AccountKey    string
	PositionID    string
	NetQuantity   decimal.Decimal // positive long, negative short
	AveragePrice  decimal.Decimal
	MarketValue   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Currency      string
	Symbol        string
	MarketState   MarketState // venue state reported with the position, if any
	CanBeClosed   bool
}

// IsLong reports whether the position is net long.
func (p *Position) IsLong() bool {
	return p.NetQuantity.IsPositive()
}

// IsShort reports whether the position is net short.
func (p *Position) IsShort() bool {
	return p.NetQuantity.IsNegative()
}
