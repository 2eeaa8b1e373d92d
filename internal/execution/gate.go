package execution

import (
	"log/slog"

	"saxobot/internal/domain"
)

// MarketStateProvider supplies the most recent quote-level market state
// for an instrument, typically backed by the streaming feed. ok is false
// when no state has been observed.
type MarketStateProvider interface {
	LatestState(key domain.InstrumentKey) (state domain.MarketState, ok bool)
}

// GateDecision records what the gate decided and on which evidence, for
// the audit log.
type GateDecision struct {
	Allowed bool
	State   domain.MarketState
	Source  domain.StateSource
}

// MarketStateGate blocks orders outside allowed trading phases. Default
// policy allows only Open; per-asset-type overrides widen it. Unknown or
// missing state blocks unless explicitly configured otherwise.
type MarketStateGate struct {
	defaultAllowed map[domain.MarketState]bool
	perAsset       map[domain.AssetType]map[domain.MarketState]bool
	allowUnknown   bool
	log            *slog.Logger
}

// NewMarketStateGate builds the gate from the per-asset override table,
// e.g. {"FxSpot": ["Open", "TradingAtLast"]}. Raw state strings outside
// the known enum are dropped so a typo can never widen the policy.
func NewMarketStateGate(overrides map[string][]string, allowUnknown bool, log *slog.Logger) *MarketStateGate {
	g := &MarketStateGate{
		defaultAllowed: map[domain.MarketState]bool{domain.StateOpen: true},
		perAsset:       make(map[domain.AssetType]map[domain.MarketState]bool),
		allowUnknown:   allowUnknown,
		log:            log,
	}
	for asset, states := range overrides {
		allowed := make(map[domain.MarketState]bool)
		for _, raw := range states {
			s := domain.ParseMarketState(raw)
			if s == domain.StateUnknown {
				log.Warn("ignoring unrecognized market state in gate override",
					"asset_type", asset, "state", raw)
				continue
			}
			allowed[s] = true
		}
		if len(allowed) > 0 {
			g.perAsset[domain.AssetType(asset)] = allowed
		}
	}
	return g
}

// Decide resolves the effective market state from the three sources in
// priority order (live quote, position snapshot, instrument reference
// data) and applies the allow policy for the instrument's asset type.
func (g *MarketStateGate) Decide(key domain.InstrumentKey, quotes MarketStateProvider, pos *domain.Position, constraints *domain.InstrumentConstraints) GateDecision {
	state, source := g.resolveState(key, quotes, pos, constraints)

	d := GateDecision{State: state, Source: source}
	switch {
	case source == domain.SourceNone || state == domain.StateUnknown:
		d.Allowed = g.allowUnknown
	default:
		allowed := g.defaultAllowed
		if override, ok := g.perAsset[key.AssetType]; ok {
			allowed = override
		}
		d.Allowed = allowed[state]
	}

	g.log.Debug("market state gate decision",
		"instrument", key.String(),
		"state", string(d.State),
		"source", string(d.Source),
		"allowed", d.Allowed,
	)
	return d
}

func (g *MarketStateGate) resolveState(key domain.InstrumentKey, quotes MarketStateProvider, pos *domain.Position, constraints *domain.InstrumentConstraints) (domain.MarketState, domain.StateSource) {
	if quotes != nil {
		if state, ok := quotes.LatestState(key); ok {
			return state, domain.SourceQuote
		}
	}
	if pos != nil && pos.MarketState != "" && pos.MarketState != domain.StateUnknown {
		return pos.MarketState, domain.SourcePosition
	}
	if constraints != nil && constraints.SessionState != "" {
		return constraints.SessionState, domain.SourceInstrument
	}
	return domain.StateUnknown, domain.SourceNone
}
