package domain

// SignalAction is the decision a strategy emits for one instrument.
type SignalAction string

const (
	SignalBuy  SignalAction = "BUY"
	SignalSell SignalAction = "SELL"
	SignalHold SignalAction = "HOLD"
)

// Signal is the tuple emitted by the strategy layer. Signal generation
// itself lives outside this core.
type Signal struct {
	Instrument InstrumentKey
	Action     SignalAction
	Symbol     string
	StrategyID string
	Reason     string
}
