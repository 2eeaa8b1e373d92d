package execution

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"saxobot/internal/broker"
	"saxobot/internal/domain"
	"saxobot/internal/infra"
)

// PositionTracker caches the account's net positions with a short TTL.
// On query failure it serves the stale cache and logs; callers see an
// error only when no cache exists at all.
type PositionTracker struct {
	client     *broker.Client
	breaker    *infra.CircuitBreaker
	clock      infra.Clock
	ttl        time.Duration
	clientKey  string
	accountKey string
	log        *slog.Logger

	mu        sync.Mutex
	cached    []domain.Position
	fetchedAt time.Time
}

func NewPositionTracker(client *broker.Client, breaker *infra.CircuitBreaker, clientKey, accountKey string, ttl time.Duration, log *slog.Logger) *PositionTracker {
	return &PositionTracker{
		client:     client,
		breaker:    breaker,
		clock:      infra.SystemClock,
		ttl:        ttl,
		clientKey:  clientKey,
		accountKey: accountKey,
		log:        log,
	}
}

type netPositionsResponse struct {
	Data []struct {
		NetPositionID string `json:"NetPositionId"`
		NetPositionBase struct {
			AssetType   string          `json:"AssetType"`
			Uic         int             `json:"Uic"`
			Amount      decimal.Decimal `json:"Amount"`
			AccountKey  string          `json:"AccountKey"`
			CanBeClosed bool            `json:"CanBeClosed"`
		} `json:"NetPositionBase"`
		NetPositionView struct {
			AverageOpenPrice decimal.Decimal `json:"AverageOpenPrice"`
			MarketValue      decimal.Decimal `json:"MarketValue"`
			ProfitLossOnTrade decimal.Decimal `json:"ProfitLossOnTrade"`
			ExposureCurrency string          `json:"ExposureCurrency"`
			MarketState      string          `json:"MarketState"`
		} `json:"NetPositionView"`
		DisplayAndFormat struct {
			Symbol string `json:"Symbol"`
		} `json:"DisplayAndFormat"`
	} `json:"Data"`
}

// Positions returns the account's net positions. forceRefresh bypasses the
// TTL, used right after a placement so guards see the new exposure.
func (t *PositionTracker) Positions(ctx context.Context, forceRefresh bool) ([]domain.Position, error) {
	t.mu.Lock()
	fresh := !t.fetchedAt.IsZero() && t.clock.Now().Sub(t.fetchedAt) < t.ttl
	cached := t.cached
	haveCache := !t.fetchedAt.IsZero()
	t.mu.Unlock()

	if fresh && !forceRefresh {
		return cached, nil
	}

	positions, err := t.fetch(ctx)
	if err != nil {
		if haveCache {
			t.log.Warn("position query failed, serving stale cache", "error", err)
			return cached, nil
		}
		return nil, err
	}

	t.mu.Lock()
	t.cached = positions
	t.fetchedAt = t.clock.Now()
	t.mu.Unlock()
	return positions, nil
}

func (t *PositionTracker) fetch(ctx context.Context) ([]domain.Position, error) {
	if !t.breaker.Allow() {
		return nil, fmt.Errorf("position query skipped: circuit breaker open")
	}

	query := url.Values{}
	query.Set("ClientKey", t.clientKey)
	query.Set("AccountKey", t.accountKey)
	query.Set("FieldGroups", "NetPositionBase,NetPositionView,DisplayAndFormat")

	var resp netPositionsResponse
	if err := t.client.Get(ctx, "/port/v1/netpositions", query, &resp); err != nil {
		t.breaker.RecordFailure()
		return nil, fmt.Errorf("query net positions: %w", err)
	}
	t.breaker.RecordSuccess()

	positions := make([]domain.Position, 0, len(resp.Data))
	for _, d := range resp.Data {
		positions = append(positions, domain.Position{
			Key: domain.InstrumentKey{
				AssetType: domain.AssetType(d.NetPositionBase.AssetType),
				Uic:       d.NetPositionBase.Uic,
			},
			AccountKey:    d.NetPositionBase.AccountKey,
			PositionID:    d.NetPositionID,
			NetQuantity:   d.NetPositionBase.Amount,
			AveragePrice:  d.NetPositionView.AverageOpenPrice,
			MarketValue:   d.NetPositionView.MarketValue,
			UnrealizedPnL: d.NetPositionView.ProfitLossOnTrade,
			Currency:      d.NetPositionView.ExposureCurrency,
			Symbol:        d.DisplayAndFormat.Symbol,
			MarketState:   domain.ParseMarketState(d.NetPositionView.MarketState),
			CanBeClosed:   d.NetPositionBase.CanBeClosed,
		})
	}
	return positions, nil
}

// Find returns the position for the instrument, or nil.
func Find(positions []domain.Position, key domain.InstrumentKey) *domain.Position {
	for i := range positions {
		if positions[i].Key == key {
			return &positions[i]
		}
	}
	return nil
}

// GuardVerdict is the outcome of a position guard check. A nil
// AdjustedAmount means the requested amount stands.
type GuardVerdict struct {
	Allowed        bool
	Reason         string
	AdjustedAmount *decimal.Decimal
}

// PositionGuards applies exposure rules before any order is prechecked.
// The failure policy is asymmetric: a buy with no position data proceeds
// (worst case a duplicate), a sell with no position data is blocked
// (worst case an unintended short).
type PositionGuards struct {
	duplicateBuyPolicy string
	allowShortCovering bool
	log                *slog.Logger
}

func NewPositionGuards(duplicateBuyPolicy string, allowShortCovering bool, log *slog.Logger) *PositionGuards {
	return &PositionGuards{
		duplicateBuyPolicy: duplicateBuyPolicy,
		allowShortCovering: allowShortCovering,
		log:                log,
	}
}

// CheckBuy evaluates a buy intent against the current position. lookupErr
// is the position query failure, if any; buys fail open.
func (g *PositionGuards) CheckBuy(intent domain.OrderIntent, pos *domain.Position, lookupErr error) GuardVerdict {
	if lookupErr != nil {
		g.log.Warn("position lookup failed, buy proceeds fail-open",
			"instrument", intent.Instrument.String(), "error", lookupErr)
		return GuardVerdict{Allowed: true, Reason: "position_lookup_failed_fail_open"}
	}
	if pos == nil || pos.NetQuantity.IsZero() {
		return GuardVerdict{Allowed: true}
	}
	if pos.IsLong() {
		if g.duplicateBuyPolicy == "warn" {
			g.log.Warn("buying into an existing long position",
				"instrument", intent.Instrument.String(), "net_quantity", pos.NetQuantity.String())
			return GuardVerdict{Allowed: true, Reason: "duplicate_buy_warned"}
		}
		return GuardVerdict{Reason: "duplicate_buy_prevented"}
	}
	// Net short: buying would cover.
	if g.allowShortCovering {
		return GuardVerdict{Allowed: true, Reason: "short_covering"}
	}
	return GuardVerdict{Reason: "short_covering_disabled"}
}

// CheckSell evaluates a sell intent. lookupErr is the position query
// failure, if any; sells fail closed. Oversized sells are clamped to the
// available quantity rather than rejected.
func (g *PositionGuards) CheckSell(intent domain.OrderIntent, pos *domain.Position, lookupErr error) GuardVerdict {
	if lookupErr != nil {
		g.log.Warn("position lookup failed, sell blocked fail-closed",
			"instrument", intent.Instrument.String(), "error", lookupErr)
		return GuardVerdict{Reason: "position_lookup_failed_fail_closed"}
	}
	if pos == nil || pos.NetQuantity.IsZero() {
		return GuardVerdict{Reason: "no_position_to_sell"}
	}
	if pos.IsShort() {
		return GuardVerdict{Reason: "already_short"}
	}
	if !pos.CanBeClosed {
		return GuardVerdict{Reason: "position_not_closable"}
	}
	if intent.Amount.GreaterThan(pos.NetQuantity) {
		clamped := pos.NetQuantity
		g.log.Warn("sell amount clamped to available position",
			"instrument", intent.Instrument.String(),
			"requested", intent.Amount.String(), "available", clamped.String())
		return GuardVerdict{Allowed: true, Reason: "amount_clamped", AdjustedAmount: &clamped}
	}
	return GuardVerdict{Allowed: true}
}
