package broker

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RateWindow is one rate-limit dimension reported by the broker, e.g.
// "sessionorders". Reset is seconds-until-reset, not an epoch.
// HasRemaining distinguishes an exhausted window from a response that
// carried only a reset countdown.
type RateWindow struct {
	Remaining    int
	HasRemaining bool
	Reset        time.Duration
}

// RateLimitInfo holds everything parsed from the X-RateLimit-* and
// Retry-After headers of one response. Parsed on every response, success
// or failure.
type RateLimitInfo struct {
	Windows    map[string]RateWindow
	RetryAfter time.Duration
}

// ParseRateLimitHeaders extracts all rate-limit dimensions from a response.
// Headers look like X-RateLimit-SessionOrders-Remaining and
// X-RateLimit-SessionOrders-Reset, case-insensitive.
func ParseRateLimitHeaders(h http.Header) RateLimitInfo {
	info := RateLimitInfo{Windows: make(map[string]RateWindow)}

	for name, values := range h {
		if len(values) == 0 {
			continue
		}
		lower := strings.ToLower(name)
		if !strings.HasPrefix(lower, "x-ratelimit-") {
			continue
		}
		rest := strings.TrimPrefix(lower, "x-ratelimit-")
		idx := strings.LastIndex(rest, "-")
		if idx <= 0 {
			continue
		}
		dimension, field := rest[:idx], rest[idx+1:]
		n, err := strconv.Atoi(strings.TrimSpace(values[0]))
		if err != nil {
			continue
		}

		w := info.Windows[dimension]
		switch field {
		case "remaining":
			w.Remaining = n
			w.HasRemaining = true
		case "reset":
			w.Reset = time.Duration(n) * time.Second
		default:
			continue
		}
		info.Windows[dimension] = w
	}

	if ra := h.Get("Retry-After"); ra != "" {
		if secs, err := strconv.ParseFloat(strings.TrimSpace(ra), 64); err == nil && secs > 0 {
			info.RetryAfter = time.Duration(secs * float64(time.Second))
		}
	}

	return info
}

// BestResetDelay is the server-advised wait before the next mutation.
// Retry-After wins; otherwise the smallest positive reset across dimensions
// plus a one second buffer. Zero means the server advised nothing.
func (i RateLimitInfo) BestResetDelay() time.Duration {
	if i.RetryAfter > 0 {
		return i.RetryAfter
	}

	var min time.Duration
	for _, w := range i.Windows {
		if w.Reset <= 0 {
			continue
		}
		if min == 0 || w.Reset < min {
			min = w.Reset
		}
	}
	if min > 0 {
		return min + time.Second
	}
	return 0
}

// ResetFeeder is the limiter-side hook for server-advised waits.
type ResetFeeder interface {
	NoteReset(after time.Duration)
}

// ResetAdapter turns parsed rate headers into limiter resets. Only an
// explicit Retry-After or an exhausted window feeds the limiter; the
// routine reset countdowns on healthy responses do not.
type ResetAdapter struct {
	Limiter ResetFeeder
}

func (a ResetAdapter) ObserveRateHeaders(info RateLimitInfo) {
	if a.Limiter == nil {
		return
	}
	if info.RetryAfter > 0 {
		a.Limiter.NoteReset(info.RetryAfter)
		return
	}
	if info.MinRemaining() == 0 {
		if d := info.BestResetDelay(); d > 0 {
			a.Limiter.NoteReset(d)
		}
	}
}

// MinRemaining returns the tightest remaining count across dimensions, or
// -1 when the response carried none. Windows that only reported a reset
// countdown do not count as remaining zero.
func (i RateLimitInfo) MinRemaining() int {
	min := -1
	for _, w := range i.Windows {
		if !w.HasRemaining {
			continue
		}
		if min == -1 || w.Remaining < min {
			min = w.Remaining
		}
	}
	return min
}
