package execution

import (
	"context"
	"crypto/md5"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"saxobot/internal/domain"
	"saxobot/internal/infra"
)

// extRefPrefix tags every order this system places, so its orders are
// recognizable in the broker's blotter.
const extRefPrefix = "E005"

// GenerateExternalReference builds the stable correlation string for one
// logical trade: E005:{strategy}:{uic}:{hash}, always within the broker's
// 50 character limit. The hash folds in side and day so the same strategy
// re-trading an instrument later gets a distinct reference.
func GenerateExternalReference(strategyID string, key domain.InstrumentKey, side domain.BuySell, day time.Time) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s|%s|%s|%s",
		strategyID, key.String(), side, day.UTC().Format("2006-01-02"))))
	hash := fmt.Sprintf("%x", sum)[:8]

	// Fixed parts: prefix, three separators, uic digits, 8 hash chars.
	budget := domain.MaxExternalReferenceLen - len(extRefPrefix) - 3 - len(fmt.Sprint(key.Uic)) - len(hash)
	strategy := strategyID
	if len(strategy) > budget {
		strategy = strategy[:budget]
	}
	return fmt.Sprintf("%s:%s:%d:%s", extRefPrefix, strategy, key.Uic, hash)
}

// IntentMapper turns strategy signals into validated order intents. Buys
// use the configured trade size; sells are sized from the tracked
// position so the whole holding is closed.
type IntentMapper struct {
	clientKey  string
	accountKey string
	tracker    *PositionTracker
	clock      infra.Clock
	log        *slog.Logger
}

func NewIntentMapper(clientKey, accountKey string, tracker *PositionTracker, log *slog.Logger) *IntentMapper {
	return &IntentMapper{
		clientKey:  clientKey,
		accountKey: accountKey,
		tracker:    tracker,
		clock:      infra.SystemClock,
		log:        log,
	}
}

// Map builds an OrderIntent for the signal. buyAmount sizes buy orders;
// it is ignored for sells. HOLD signals map to nothing.
func (m *IntentMapper) Map(ctx context.Context, sig domain.Signal, buyAmount decimal.Decimal) (domain.OrderIntent, error) {
	var side domain.BuySell
	var amount decimal.Decimal

	switch sig.Action {
	case domain.SignalBuy:
		side = domain.Buy
		amount = buyAmount
	case domain.SignalSell:
		side = domain.Sell
		positions, err := m.tracker.Positions(ctx, false)
		if err != nil {
			return domain.OrderIntent{}, fmt.Errorf("size sell from position: %w", err)
		}
		pos := Find(positions, sig.Instrument)
		if pos == nil || !pos.IsLong() {
			return domain.OrderIntent{}, fmt.Errorf("no long position in %s to sell", sig.Instrument)
		}
		amount = pos.NetQuantity
	default:
		return domain.OrderIntent{}, fmt.Errorf("signal action %q maps to no order", sig.Action)
	}

	extRef := GenerateExternalReference(sig.StrategyID, sig.Instrument, side, m.clock.Now())
	intent, err := domain.NewOrderIntent(m.clientKey, m.accountKey, sig.Instrument, side, amount, extRef)
	if err != nil {
		return domain.OrderIntent{}, fmt.Errorf("build intent: %w", err)
	}
	intent.Symbol = sig.Symbol
	intent.StrategyID = sig.StrategyID

	m.log.Info("signal mapped to intent",
		"strategy", sig.StrategyID,
		"instrument", sig.Instrument.String(),
		"side", string(side),
		"amount", amount.String(),
		"external_reference", extRef,
	)
	return intent, nil
}
