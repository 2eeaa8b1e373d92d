package execution

import (
	"context"
	"errors"
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

// ErrValidationIncomplete marks a constraints lookup that could not be
// completed. Callers fall back to precheck-only validation and log the
// degraded path; they never skip validation silently.
var ErrValidationIncomplete = errors.New("execution: instrument constraints unavailable")

type cachedConstraints struct {
	constraints *domain.InstrumentConstraints
	fetchedAt   time.Time
}

// InstrumentValidator fetches and caches per-instrument trading rules and
// checks intents against them before any money moves.
type InstrumentValidator struct {
	client  *broker.Client
	breaker *infra.CircuitBreaker
	clock   infra.Clock
	ttl     time.Duration
	log     *slog.Logger

	mu    sync.Mutex
	cache map[domain.InstrumentKey]cachedConstraints
}

func NewInstrumentValidator(client *broker.Client, breaker *infra.CircuitBreaker, ttl time.Duration, log *slog.Logger) *InstrumentValidator {
	return &InstrumentValidator{
		client:  client,
		breaker: breaker,
		clock:   infra.SystemClock,
		ttl:     ttl,
		log:     log,
		cache:   make(map[domain.InstrumentKey]cachedConstraints),
	}
}

type instrumentDetailsResponse struct {
	Symbol            string          `json:"Symbol"`
	Description       string          `json:"Description"`
	IsTradable        *bool           `json:"IsTradable"`
	NonTradableReason string          `json:"NonTradableReason"`
	AmountDecimals    int             `json:"AmountDecimals"`
	MinimumTradeSize  decimal.Decimal `json:"MinimumTradeSize"`
	IncrementSize     decimal.Decimal `json:"IncrementSize"`
	TickSize          decimal.Decimal `json:"TickSize"`
	MarketState       string          `json:"MarketState"`

	SupportedOrderTypes        []string `json:"SupportedOrderTypes"`
	SupportedOrderTypeSettings []struct {
		OrderType     string   `json:"OrderType"`
		DurationTypes []string `json:"DurationTypes"`
	} `json:"SupportedOrderTypeSettings"`
}

// Constraints returns the cached constraints for the instrument, fetching
// from reference data when the cache entry is missing or expired. Lookup
// failures and an open breaker both surface as ErrValidationIncomplete.
func (v *InstrumentValidator) Constraints(ctx context.Context, key domain.InstrumentKey) (*domain.InstrumentConstraints, error) {
	v.mu.Lock()
	entry, ok := v.cache[key]
	v.mu.Unlock()
	if ok && v.clock.Now().Sub(entry.fetchedAt) < v.ttl {
		return entry.constraints, nil
	}

	if !v.breaker.Allow() {
		v.log.Warn("instrument lookup skipped, breaker open", "instrument", key.String())
		return nil, fmt.Errorf("%w: circuit breaker open", ErrValidationIncomplete)
	}

	var resp instrumentDetailsResponse
	path := fmt.Sprintf("/ref/v1/instruments/details/%d/%s", key.Uic, key.AssetType)
	if err := v.client.Get(ctx, path, url.Values{}, &resp); err != nil {
		v.breaker.RecordFailure()
		v.log.Warn("instrument lookup failed", "instrument", key.String(), "error", err)
		return nil, fmt.Errorf("%w: %v", ErrValidationIncomplete, err)
	}
	v.breaker.RecordSuccess()

	c := mapConstraints(key, resp)
	v.mu.Lock()
	v.cache[key] = cachedConstraints{constraints: c, fetchedAt: v.clock.Now()}
	v.mu.Unlock()
	return c, nil
}

func mapConstraints(key domain.InstrumentKey, resp instrumentDetailsResponse) *domain.InstrumentConstraints {
	c := &domain.InstrumentConstraints{
		Key:               key,
		Symbol:            resp.Symbol,
		Description:       resp.Description,
		IsTradable:        resp.IsTradable == nil || *resp.IsTradable,
		NonTradableReason: resp.NonTradableReason,
		AmountDecimals:    resp.AmountDecimals,
		IncrementSize:     resp.IncrementSize,
		MinimumTradeSize:  resp.MinimumTradeSize,
		TickSize:          resp.TickSize,
	}
	if resp.MarketState != "" {
		c.SessionState = domain.ParseMarketState(resp.MarketState)
	}
	for _, ot := range resp.SupportedOrderTypes {
		c.SupportedOrderTypes = append(c.SupportedOrderTypes, domain.OrderType(ot))
	}
	if len(resp.SupportedOrderTypeSettings) > 0 {
		c.SupportedDurations = make(map[domain.OrderType][]domain.DurationType)
		for _, s := range resp.SupportedOrderTypeSettings {
			var durations []domain.DurationType
			for _, d := range s.DurationTypes {
				durations = append(durations, domain.DurationType(d))
			}
			c.SupportedDurations[domain.OrderType(s.OrderType)] = durations
		}
	}
	return c
}

// Check runs every local validation against the constraints and returns
// the full list of violations, not just the first.
func (v *InstrumentValidator) Check(c *domain.InstrumentConstraints, intent domain.OrderIntent) []string {
	var violations []string

	if !c.IsTradable {
		reason := c.NonTradableReason
		if reason == "" {
			reason = "instrument not tradable"
		}
		violations = append(violations, reason)
	}
	if err := c.ValidateOrderType(intent.OrderType); err != nil {
		violations = append(violations, err.Error())
	}
	if err := c.ValidateDuration(intent.OrderType, intent.Duration); err != nil {
		violations = append(violations, err.Error())
	}
	if err := c.ValidateAmount(intent.Amount); err != nil {
		violations = append(violations, err.Error())
	}
	return violations
}
