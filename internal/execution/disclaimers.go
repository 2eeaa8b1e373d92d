package execution

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"saxobot/internal/broker"
	"saxobot/internal/domain"
	"saxobot/internal/infra"
)

type cachedDisclaimer struct {
	details   domain.DisclaimerDetails
	fetchedAt time.Time
}

// DisclaimerResolver decides whether surfaced compliance disclaimers
// allow the trade to proceed. The details endpoint is the only authority
// on IsBlocking; the precheck payload is never trusted for it.
type DisclaimerResolver struct {
	client *broker.Client
	policy domain.DisclaimerPolicy
	ttl    time.Duration
	clock  infra.Clock
	log    *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedDisclaimer
}

func NewDisclaimerResolver(client *broker.Client, policy domain.DisclaimerPolicy, ttl time.Duration, log *slog.Logger) *DisclaimerResolver {
	return &DisclaimerResolver{
		client: client,
		policy: policy,
		ttl:    ttl,
		clock:  infra.SystemClock,
		log:    log,
		cache:  make(map[string]cachedDisclaimer),
	}
}

type disclaimerListResponse struct {
	Data []struct {
		DisclaimerToken string   `json:"DisclaimerToken"`
		IsBlocking      bool     `json:"IsBlocking"`
		Title           string   `json:"Title"`
		Body            string   `json:"Body"`
		ResponseOptions []string `json:"ResponseOptions"`
	} `json:"Data"`
}

// Resolve fetches details for the surfaced tokens and applies the
// configured policy. Fetch failures are conservative: the affected token
// is treated as blocking.
func (r *DisclaimerResolver) Resolve(ctx context.Context, tokens []string, disclaimerContext string) *domain.DisclaimerResolution {
	res := &domain.DisclaimerResolution{PolicyApplied: r.policy}
	if len(tokens) == 0 {
		res.AllowTrading = true
		return res
	}

	details, errs := r.fetchDetails(ctx, tokens)
	res.Errors = errs

	for _, token := range tokens {
		d, ok := details[token]
		if !ok {
			// Unfetchable details: assume the worst.
			res.Blocking = append(res.Blocking, domain.DisclaimerDetails{
				Token:      token,
				IsBlocking: true,
				Title:      "details unavailable",
			})
			continue
		}
		if d.IsBlocking {
			res.Blocking = append(res.Blocking, d)
		} else {
			res.Normal = append(res.Normal, d)
		}
	}

	for _, d := range res.Blocking {
		r.log.Warn("blocking disclaimer halts trade",
			"token", d.Token, "title", d.Title, "body", d.Body, "context", disclaimerContext)
	}

	switch r.policy {
	case domain.PolicyAutoAcceptNormal:
		if len(res.Blocking) > 0 {
			return res
		}
		for _, d := range res.Normal {
			if err := r.accept(ctx, d); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("accept %s: %v", d.Token, err))
				return res
			}
			res.AutoAccepted = append(res.AutoAccepted, d.Token)
		}
		res.AllowTrading = true
	case domain.PolicyManualReview:
		r.logHalted(res.Normal, "disclaimer pending manual review, trade halted", disclaimerContext)
	case domain.PolicyBlockAll:
		// Any disclaimer halts the trade; the operator needs its text.
		r.logHalted(res.Normal, "disclaimer halts trade under block_all policy", disclaimerContext)
	}
	return res
}

// logHalted records full detail for every non-blocking disclaimer that
// stopped the trade, so the operator can review without another lookup.
func (r *DisclaimerResolver) logHalted(details []domain.DisclaimerDetails, msg, disclaimerContext string) {
	for _, d := range details {
		r.log.Warn(msg,
			"token", d.Token, "title", d.Title, "body", d.Body, "context", disclaimerContext)
	}
}

func (r *DisclaimerResolver) fetchDetails(ctx context.Context, tokens []string) (map[string]domain.DisclaimerDetails, []string) {
	out := make(map[string]domain.DisclaimerDetails, len(tokens))

	var missing []string
	r.mu.Lock()
	for _, token := range tokens {
		if entry, ok := r.cache[token]; ok && r.clock.Now().Sub(entry.fetchedAt) < r.ttl {
			out[token] = entry.details
		} else {
			missing = append(missing, token)
		}
	}
	r.mu.Unlock()

	if len(missing) == 0 {
		return out, nil
	}

	query := url.Values{}
	query.Set("DisclaimerTokens", strings.Join(missing, ","))

	var resp disclaimerListResponse
	if err := r.client.Get(ctx, "/dm/v2/disclaimers", query, &resp); err != nil {
		r.log.Error("disclaimer details fetch failed, treating as blocking", "error", err)
		return out, []string{fmt.Sprintf("fetch details: %v", err)}
	}

	now := r.clock.Now()
	r.mu.Lock()
	for _, d := range resp.Data {
		details := domain.DisclaimerDetails{
			Token:           d.DisclaimerToken,
			IsBlocking:      d.IsBlocking,
			Title:           d.Title,
			Body:            d.Body,
			ResponseOptions: d.ResponseOptions,
			RetrievedAt:     now,
		}
		r.cache[d.DisclaimerToken] = cachedDisclaimer{details: details, fetchedAt: now}
		out[d.DisclaimerToken] = details
	}
	r.mu.Unlock()
	return out, nil
}

// accept submits an acceptance response for a non-blocking disclaimer.
// The IsBlocking check here is deliberately redundant with the caller's
// partitioning; a blocking disclaimer must never be accepted by software.
func (r *DisclaimerResolver) accept(ctx context.Context, d domain.DisclaimerDetails) error {
	if d.IsBlocking {
		r.log.Error("refusing to accept a blocking disclaimer", "token", d.Token, "title", d.Title)
		return fmt.Errorf("disclaimer %s is blocking", d.Token)
	}

	path := fmt.Sprintf("/dm/v2/disclaimers/%s/response", url.PathEscape(d.Token))
	body := map[string]string{"ResponseType": "Accepted"}
	if err := r.client.Put(ctx, path, uuid.NewString(), body); err != nil {
		return fmt.Errorf("submit acceptance: %w", err)
	}
	r.log.Info("disclaimer auto-accepted", "token", d.Token, "title", d.Title)
	return nil
}
