package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RateObserver receives the rate-limit telemetry parsed from every
// response. The executor wires this to the mutation limiter so server
// resets take effect immediately.
type RateObserver interface {
	ObserveRateHeaders(info RateLimitInfo)
}

// Session carries the credentials and endpoints for one API session.
// Token is a func so a refreshing auth layer can rotate it underneath.
type Session struct {
	BaseURL string
	Token   func() string
}

// APIError is a non-2xx response decoded into the broker's error shape.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	// OrderID is set when the error body still carries an order id, as it
	// does on ambiguous in-flight failures. Reconciliation uses it to query
	// the authoritative by-id endpoint instead of scanning.
	OrderID string
	// Reset is the server-advised wait parsed from the response headers,
	// zero when the server advised nothing.
	Reset time.Duration
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("broker: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("broker: status %d", e.StatusCode)
}

// AsAPIError unwraps err into an *APIError when possible.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsTimeout reports whether err is a deadline or network timeout. Callers
// treat timeouts on mutations as uncertain, never as definite failure.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Client is a thin JSON transport over the brokerage REST gateway. It
// owns header discipline (bearer token, request id on mutations) and
// rate-limit header observation; retry and classification live above it.
type Client struct {
	httpc    *http.Client
	session  Session
	observer RateObserver
	log      *slog.Logger
}

func NewClient(session Session, observer RateObserver, log *slog.Logger) *Client {
	return &Client{
		httpc:    &http.Client{Timeout: 60 * time.Second},
		session:  session,
		observer: observer,
		log:      log,
	}
}

// Get issues a GET and decodes the 2xx body into out (which may be nil).
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.session.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, "", out)
}

// Post issues a POST with a JSON body. requestID is mandatory for
// mutations and must be fresh per attempt; pass "" only for read-style
// POSTs such as precheck batches.
func (c *Client) Post(ctx context.Context, path, requestID string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.session.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, requestID, out)
}

// Put issues a PUT with a JSON body, used for disclaimer acceptance.
func (c *Client) Put(ctx context.Context, path, requestID string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.session.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, requestID, nil)
}

func (c *Client) do(req *http.Request, requestID string, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.session.Token())
	req.Header.Set("Accept", "application/json")
	if requestID != "" {
		req.Header.Set("x-request-id", requestID)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	info := ParseRateLimitHeaders(resp.Header)
	if c.observer != nil {
		c.observer.ObserveRateHeaders(info)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", req.Method, req.URL.Path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := decodeAPIError(resp.StatusCode, raw)
		apiErr.Reset = info.BestResetDelay()
		c.log.Warn("broker request failed",
			"method", req.Method,
			"path", req.URL.Path,
			"status", resp.StatusCode,
			"error_code", apiErr.Code,
			"request_id", requestID,
		)
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

// decodeAPIError handles both error body shapes the gateway uses:
// a top-level {ErrorCode, Message} and a nested {ErrorInfo: {...}}.
func decodeAPIError(status int, raw []byte) *APIError {
	var body struct {
		ErrorCode string `json:"ErrorCode"`
		Message   string `json:"Message"`
		OrderID   string `json:"OrderId"`
		ErrorInfo *struct {
			ErrorCode string `json:"ErrorCode"`
			Message   string `json:"Message"`
		} `json:"ErrorInfo"`
	}
	apiErr := &APIError{StatusCode: status}
	if err := json.Unmarshal(raw, &body); err != nil {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		apiErr.Message = msg
		return apiErr
	}
	apiErr.OrderID = body.OrderID
	if body.ErrorInfo != nil && body.ErrorInfo.ErrorCode != "" {
		apiErr.Code = body.ErrorInfo.ErrorCode
		apiErr.Message = body.ErrorInfo.Message
		return apiErr
	}
	apiErr.Code = body.ErrorCode
	apiErr.Message = body.Message
	return apiErr
}
