package execution

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"saxobot/internal/broker"
	"saxobot/internal/domain"
	"saxobot/internal/infra"
	"saxobot/internal/storage"
)

// fakeBroker is a scriptable brokerage API for orchestrator tests. Every
// endpoint has a sensible default; tests override the knobs they need.
type fakeBroker struct {
	t *testing.T

	mu            sync.Mutex
	placeRequests []string // x-request-id per placement call

	detailsBody   string
	positionsBody string
	precheckFn    http.HandlerFunc
	placeFn       func(call int, w http.ResponseWriter, r *http.Request)
	ordersFn      http.HandlerFunc
}

func newFakeBroker(t *testing.T) *fakeBroker {
	return &fakeBroker{
		t:             t,
		detailsBody:   detailsJSON,
		positionsBody: `{"Data": []}`,
	}
}

func (f *fakeBroker) placements() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.placeRequests...)
}

func (f *fakeBroker) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ref/v1/instruments/details/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(f.detailsBody))
	})
	mux.HandleFunc("/port/v1/netpositions", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(f.positionsBody))
	})
	mux.HandleFunc("/trade/v2/orders/precheck", func(w http.ResponseWriter, r *http.Request) {
		if f.precheckFn != nil {
			f.precheckFn(w, r)
			return
		}
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/trade/v2/orders", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		f.mu.Lock()
		call := len(f.placeRequests)
		f.placeRequests = append(f.placeRequests, r.Header.Get("x-request-id"))
		f.mu.Unlock()

		if f.placeFn != nil {
			f.placeFn(call, w, r)
			return
		}
		w.Write([]byte(`{"OrderId": "5001"}`))
	})
	orders := func(w http.ResponseWriter, r *http.Request) {
		if f.ordersFn != nil {
			f.ordersFn(w, r)
			return
		}
		w.Write([]byte(`{"Data": []}`))
	}
	mux.HandleFunc("/port/v1/orders", orders)
	mux.HandleFunc("/port/v1/orders/", orders)
	mux.HandleFunc("/dm/v2/disclaimers", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(disclaimerListJSON))
	})
	return mux
}

type harness struct {
	executor *Executor
	journal  *storage.Journal
	clock    *fakeClock
	deps     ExecutorDeps
}

func newHarness(t *testing.T, fb *fakeBroker, mutate func(*ExecutorDeps)) *harness {
	t.Helper()
	srv := httptest.NewServer(fb.handler())
	t.Cleanup(srv.Close)

	client := broker.NewClient(broker.Session{
		BaseURL: srv.URL,
		Token:   func() string { return "tok" },
	}, nil, discard())

	journal, err := storage.OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { journal.Close() })

	clock := newFakeClock()
	breaker := newReadBreaker()
	deps := ExecutorDeps{
		Gate:           NewMarketStateGate(nil, false, discard()),
		Tracker:        NewPositionTracker(client, breaker, "ck", "ak", 30*time.Second, discard()),
		Guards:         NewPositionGuards("block", false, discard()),
		Validator:      NewInstrumentValidator(client, breaker, 10*time.Minute, discard()),
		Limiter:        infra.NewRateLimiter(100, 1000),
		Retry:          infra.NewRetryPolicyWithClock(clock, func() float64 { return 0.5 }),
		Precheck:       NewPrecheckClient(client, discard()),
		Disclaimers:    NewDisclaimerResolver(client, domain.PolicyBlockAll, 5*time.Minute, discard()),
		Placement:      NewPlacementClient(client, 30*time.Second, discard()),
		Reconciler:     NewReconciler(client, 10*time.Second, discard()),
		Journal:        journal,
		Quotes:         stubQuotes{stock211: domain.StateOpen},
		Clock:          clock,
		Log:            discard(),
		MaxDailyTrades: 10,
	}
	if mutate != nil {
		mutate(&deps)
	}
	return &harness{executor: NewExecutor(deps), journal: journal, clock: clock, deps: deps}
}

func (h *harness) day() string {
	return h.clock.Now().UTC().Format("2006-01-02")
}

func TestExecutor_HappyPath(t *testing.T) {
	fb := newFakeBroker(t)
	h := newHarness(t, fb, nil)

	result := h.executor.Execute(context.Background(), buyIntent(t, "10"))
	if result.Status != domain.ExecSuccess {
		t.Fatalf("status = %s (%s)", result.Status, result.ErrorMessage)
	}
	if result.OrderID != "5001" {
		t.Errorf("order id = %q", result.OrderID)
	}
	if result.Precheck == nil || !result.Precheck.OK {
		t.Error("precheck outcome missing from result")
	}

	placements := fb.placements()
	if len(placements) != 1 || placements[0] == "" {
		t.Errorf("placements = %v, want one with a request id", placements)
	}

	if n, _ := h.journal.TradesToday(context.Background(), h.day()); n != 1 {
		t.Errorf("daily counter = %d, want 1", n)
	}
	unresolved, _ := h.journal.UnresolvedAttempts(context.Background())
	if len(unresolved) != 0 {
		t.Errorf("unresolved attempts = %+v", unresolved)
	}
}

func TestExecutor_MarketStateBlocks(t *testing.T) {
	fb := newFakeBroker(t)
	h := newHarness(t, fb, func(d *ExecutorDeps) {
		d.Quotes = stubQuotes{stock211: domain.StateClosed}
	})

	result := h.executor.Execute(context.Background(), buyIntent(t, "10"))
	if result.Status != domain.ExecBlockedByMarketState {
		t.Fatalf("status = %s", result.Status)
	}
	if len(fb.placements()) != 0 {
		t.Error("no placement may happen when the market is closed")
	}
}

func TestExecutor_DuplicateBuyBlocks(t *testing.T) {
	fb := newFakeBroker(t)
	fb.positionsBody = `{"Data":[{"NetPositionId":"np-1","NetPositionBase":{"AssetType":"Stock","Uic":211,"Amount":10,"AccountKey":"ak","CanBeClosed":true},"NetPositionView":{"MarketState":"Open"},"DisplayAndFormat":{}}]}`
	h := newHarness(t, fb, nil)

	result := h.executor.Execute(context.Background(), buyIntent(t, "10"))
	if result.Status != domain.ExecBlockedByPosition {
		t.Fatalf("status = %s", result.Status)
	}
	if result.ErrorMessage != "duplicate_buy_prevented" {
		t.Errorf("reason = %q", result.ErrorMessage)
	}
	if len(fb.placements()) != 0 {
		t.Error("duplicate buy must not reach placement")
	}
}

func TestExecutor_ValidationFailureStopsBeforePrecheck(t *testing.T) {
	fb := newFakeBroker(t)
	fb.precheckFn = func(w http.ResponseWriter, r *http.Request) {
		t.Error("precheck must not run for a locally invalid intent")
	}
	h := newHarness(t, fb, nil)

	// Whole-share instrument, fractional amount.
	result := h.executor.Execute(context.Background(), buyIntent(t, "1.5"))
	if result.Status != domain.ExecFailedValidation {
		t.Fatalf("status = %s", result.Status)
	}
}

func TestExecutor_PrecheckRejectionStopsPlacement(t *testing.T) {
	fb := newFakeBroker(t)
	fb.precheckFn = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(400)
		w.Write([]byte(`{"ErrorCode": "InsufficientCash", "Message": "no buying power"}`))
	}
	h := newHarness(t, fb, nil)

	result := h.executor.Execute(context.Background(), buyIntent(t, "10"))
	if result.Status != domain.ExecFailedPrecheck {
		t.Fatalf("status = %s", result.Status)
	}
	if len(fb.placements()) != 0 {
		t.Error("failed precheck must stop the pipeline")
	}
}

func TestExecutor_DisclaimerBlocksUnderBlockAll(t *testing.T) {
	fb := newFakeBroker(t)
	fb.precheckFn = func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"PreTradeDisclaimers": {"DisclaimerContext": "c", "DisclaimerTokens": ["tok-normal"]}}`))
	}
	h := newHarness(t, fb, nil)

	result := h.executor.Execute(context.Background(), buyIntent(t, "10"))
	if result.Status != domain.ExecBlockedByDisclaimer {
		t.Fatalf("status = %s", result.Status)
	}
	if result.Disclaimers == nil || result.Disclaimers.PolicyApplied != domain.PolicyBlockAll {
		t.Errorf("disclaimers = %+v", result.Disclaimers)
	}
	if len(fb.placements()) != 0 {
		t.Error("disclaimer block must stop the pipeline")
	}
}

func TestExecutor_DryRunStopsAfterPrecheck(t *testing.T) {
	fb := newFakeBroker(t)
	var precheckCalled bool
	fb.precheckFn = func(w http.ResponseWriter, r *http.Request) {
		precheckCalled = true
		w.Write([]byte(`{}`))
	}
	h := newHarness(t, fb, func(d *ExecutorDeps) { d.DryRun = true })

	result := h.executor.Execute(context.Background(), buyIntent(t, "10"))
	if result.Status != domain.ExecDryRun {
		t.Fatalf("status = %s", result.Status)
	}
	if !precheckCalled {
		t.Error("dry run must still exercise the precheck")
	}
	if len(fb.placements()) != 0 {
		t.Error("dry run must not place")
	}
	if n, _ := h.journal.TradesToday(context.Background(), h.day()); n != 0 {
		t.Errorf("dry run counted as a trade: %d", n)
	}
}

func TestExecutor_TransientFailureRetriesWithFreshRequestID(t *testing.T) {
	fb := newFakeBroker(t)
	fb.placeFn = func(call int, w http.ResponseWriter, r *http.Request) {
		if call == 0 {
			w.WriteHeader(503)
			return
		}
		w.Write([]byte(`{"OrderId": "5002"}`))
	}
	h := newHarness(t, fb, nil)

	result := h.executor.Execute(context.Background(), buyIntent(t, "10"))
	if result.Status != domain.ExecSuccess || result.OrderID != "5002" {
		t.Fatalf("result = %s / %s", result.Status, result.OrderID)
	}

	placements := fb.placements()
	if len(placements) != 2 {
		t.Fatalf("placement calls = %d, want 2", len(placements))
	}
	if placements[0] == placements[1] {
		t.Error("each attempt must carry a fresh request id")
	}
	if n, _ := h.journal.TradesToday(context.Background(), h.day()); n != 1 {
		t.Errorf("daily counter = %d, want 1", n)
	}
}

func TestExecutor_ConflictIsTerminal(t *testing.T) {
	fb := newFakeBroker(t)
	fb.placeFn = func(call int, w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(409)
		w.Write([]byte(`{"ErrorCode": "RepeatTradeNotAllowed", "Message": "duplicate window"}`))
	}
	h := newHarness(t, fb, nil)

	result := h.executor.Execute(context.Background(), buyIntent(t, "10"))
	if result.Status != domain.ExecFailedPlacement {
		t.Fatalf("status = %s", result.Status)
	}
	if len(fb.placements()) != 1 {
		t.Errorf("409 must never be retried, got %d calls", len(fb.placements()))
	}
}

func TestExecutor_UncertainReconciledToSuccess(t *testing.T) {
	fb := newFakeBroker(t)
	fb.placeFn = func(call int, w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(400)
		w.Write([]byte(`{"ErrorInfo": {"ErrorCode": "TradeNotCompleted", "Message": "pending"}}`))
	}
	fb.ordersFn = func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"Data": [{"OrderId": "5003", "Status": "Working", "ExternalReference": %q}]}`,
			"E005:test:211:aaaa")
	}
	h := newHarness(t, fb, nil)

	result := h.executor.Execute(context.Background(), buyIntent(t, "10"))
	if result.Status != domain.ExecSuccess || result.OrderID != "5003" {
		t.Fatalf("result = %s / %s (%s)", result.Status, result.OrderID, result.ErrorMessage)
	}
	if len(fb.placements()) != 1 {
		t.Errorf("uncertain outcome must not be re-placed, got %d calls", len(fb.placements()))
	}
	if result.Reconciliation == nil || !result.Reconciliation.DegradedConfidence {
		t.Errorf("reconciliation = %+v, want degraded scan result", result.Reconciliation)
	}
	// The order exists, so it counts against the daily limit.
	if n, _ := h.journal.TradesToday(context.Background(), h.day()); n != 1 {
		t.Errorf("daily counter = %d, want 1", n)
	}
}

func TestExecutor_UncertainWithOrderIDReconcilesByID(t *testing.T) {
	fb := newFakeBroker(t)
	fb.placeFn = func(call int, w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(400)
		w.Write([]byte(`{"ErrorInfo": {"ErrorCode": "TradeNotCompleted", "Message": "pending"}, "OrderId": "5009"}`))
	}
	fb.ordersFn = func(w http.ResponseWriter, r *http.Request) {
		// Only the authoritative by-id endpoint knows the order; the list
		// view has nothing.
		if r.URL.Path == "/port/v1/orders/ck/5009" {
			w.Write([]byte(`{"OrderId": "5009", "Status": "Filled"}`))
			return
		}
		w.Write([]byte(`{"Data": []}`))
	}
	h := newHarness(t, fb, nil)

	result := h.executor.Execute(context.Background(), buyIntent(t, "10"))
	if result.Status != domain.ExecSuccess || result.OrderID != "5009" {
		t.Fatalf("result = %s / %s (%s)", result.Status, result.OrderID, result.ErrorMessage)
	}
	if result.Reconciliation == nil || result.Reconciliation.DegradedConfidence {
		t.Errorf("reconciliation = %+v, want authoritative by-id result", result.Reconciliation)
	}
	if len(fb.placements()) != 1 {
		t.Errorf("uncertain outcome must not be re-placed, got %d calls", len(fb.placements()))
	}
}

func TestExecutor_UnresolvedUncertaintyBlocksReissue(t *testing.T) {
	fb := newFakeBroker(t)
	fb.placeFn = func(call int, w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(400)
		w.Write([]byte(`{"ErrorInfo": {"ErrorCode": "TradeNotCompleted", "Message": "pending"}}`))
	}
	fb.ordersFn = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}
	h := newHarness(t, fb, nil)

	first := h.executor.Execute(context.Background(), buyIntent(t, "10"))
	if first.Status != domain.ExecNeedsReconciliation || !first.NeedsReconciliation {
		t.Fatalf("first = %s", first.Status)
	}

	// Same logical trade again: the journal must refuse a second mutation.
	second := h.executor.Execute(context.Background(), buyIntent(t, "10"))
	if second.Status != domain.ExecNeedsReconciliation {
		t.Fatalf("second = %s", second.Status)
	}
	if len(fb.placements()) != 1 {
		t.Errorf("placement calls = %d, want 1 (no blind re-issue)", len(fb.placements()))
	}
}

func TestExecutor_DailyTradeLimit(t *testing.T) {
	fb := newFakeBroker(t)
	h := newHarness(t, fb, func(d *ExecutorDeps) { d.MaxDailyTrades = 1 })

	if err := h.journal.IncrementTradesToday(context.Background(), h.day()); err != nil {
		t.Fatal(err)
	}

	result := h.executor.Execute(context.Background(), buyIntent(t, "10"))
	if result.Status != domain.ExecBlockedByTradeLimit {
		t.Fatalf("status = %s", result.Status)
	}
	if len(fb.placements()) != 0 {
		t.Error("limit block must stop before any broker mutation")
	}
}

func TestExecutor_SellClampedToPosition(t *testing.T) {
	fb := newFakeBroker(t)
	fb.positionsBody = `{"Data":[{"NetPositionId":"np-1","NetPositionBase":{"AssetType":"Stock","Uic":211,"Amount":4,"AccountKey":"ak","CanBeClosed":true},"NetPositionView":{"MarketState":"Open"},"DisplayAndFormat":{}}]}`
	h := newHarness(t, fb, nil)

	result := h.executor.Execute(context.Background(), sellIntent(t, "9"))
	if result.Status != domain.ExecSuccess {
		t.Fatalf("status = %s (%s)", result.Status, result.ErrorMessage)
	}
	if !result.Intent.Amount.Equal(dec("4")) {
		t.Errorf("amount = %s, want clamped 4", result.Intent.Amount)
	}
}

func TestExecutor_DegradedValidationFallsBackToPrecheck(t *testing.T) {
	fb := newFakeBroker(t)
	fb.detailsBody = `not json`
	h := newHarness(t, fb, func(d *ExecutorDeps) {
		// Without reference data the gate needs another state source.
		d.Quotes = stubQuotes{stock211: domain.StateOpen}
	})

	result := h.executor.Execute(context.Background(), buyIntent(t, "10"))
	if result.Status != domain.ExecSuccess {
		t.Fatalf("status = %s (%s): degraded validation should defer to precheck", result.Status, result.ErrorMessage)
	}
}
