package domain

// MarketState is the broker-reported trading phase of a venue/instrument.
type MarketState string

const (
	StateOpen            MarketState = "Open"
	StateClosed          MarketState = "Closed"
	StateOpeningAuction  MarketState = "OpeningAuction"
	StateClosingAuction  MarketState = "ClosingAuction"
	StateIntraDayAuction MarketState = "IntraDayAuction"
	StateTradingAtLast   MarketState = "TradingAtLast"
	StatePreTrading      MarketState = "PreTrading"
	StatePostTrading     MarketState = "PostTrading"
	StatePreMarket       MarketState = "PreMarket"
	StatePostMarket      MarketState = "PostMarket"
	StateUnknown         MarketState = "Unknown"
)

// knownStates is the exhaustive enumeration. Anything outside it parses to
// Unknown, which the gate blocks by default.
var knownStates = map[MarketState]bool{
	StateOpen:            true,
	StateClosed:          true,
	StateOpeningAuction:  true,
	StateClosingAuction:  true,
	StateIntraDayAuction: true,
	StateTradingAtLast:   true,
	StatePreTrading:      true,
	StatePostTrading:     true,
	StatePreMarket:       true,
	StatePostMarket:      true,
	StateUnknown:         true,
}

// ParseMarketState maps a raw broker string to a MarketState. New or
// unclassified values fall back to Unknown, never to an allowed state.
func ParseMarketState(raw string) MarketState {
	s := MarketState(raw)
	if knownStates[s] {
		return s
	}
	return StateUnknown
}

// StateSource records which signal the gate derived its decision from,
// in priority order.
type StateSource string

const (
	SourceQuote      StateSource = "quote"
	SourcePosition   StateSource = "position"
	SourceInstrument StateSource = "instrument"
	SourceNone       StateSource = "none"
)
