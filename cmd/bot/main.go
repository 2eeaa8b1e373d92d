package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"saxobot/internal/broker"
	"saxobot/internal/domain"
	"saxobot/internal/execution"
	"saxobot/internal/feed"
	"saxobot/internal/infra"
	"saxobot/internal/metrics"
	"saxobot/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := infra.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := infra.NewLogger(cfg)
	slog.SetDefault(log)
	log.Info("starting",
		"app", cfg.App.Name,
		"version", cfg.App.Version,
		"env", cfg.Broker.Env,
		"dry_run", cfg.Trading.DryRun,
	)

	journal, err := storage.OpenJournal(cfg.Storage.Path)
	if err != nil {
		log.Error("open journal", "error", err)
		os.Exit(1)
	}
	defer journal.Close()

	m := metrics.New()
	go m.Serve(cfg.App.MetricsAddr, log)

	limiter := infra.NewRateLimiter(cfg.Trading.MutationBurst, cfg.Trading.MutationsPerSecond)
	session := broker.Session{
		BaseURL: cfg.Broker.BaseURL,
		Token:   func() string { return cfg.Broker.Token },
	}
	client := broker.NewClient(session, broker.ResetAdapter{Limiter: limiter}, log)

	readBreaker := infra.NewCircuitBreaker("broker-reads", 5, 2, 30*time.Second)
	validator := execution.NewInstrumentValidator(client, readBreaker,
		time.Duration(cfg.Cache.InstrumentTTLSeconds)*time.Second, log)
	tracker := execution.NewPositionTracker(client, readBreaker,
		cfg.Broker.ClientKey, cfg.Broker.AccountKey,
		time.Duration(cfg.Cache.PositionTTLSeconds)*time.Second, log)
	guards := execution.NewPositionGuards(cfg.Trading.DuplicateBuyPolicy, cfg.Trading.AllowShortCovering, log)
	gate := execution.NewMarketStateGate(cfg.Trading.MarketStateAllowed, cfg.Trading.AllowUnknownState, log)
	precheck := execution.NewPrecheckClient(client, log)
	disclaimers := execution.NewDisclaimerResolver(client,
		domain.DisclaimerPolicy(cfg.Trading.DisclaimerPolicy),
		time.Duration(cfg.Cache.DisclaimerTTLSeconds)*time.Second, log)
	placement := execution.NewPlacementClient(client,
		time.Duration(cfg.Timeouts.PlacementSeconds)*time.Second, log)
	reconciler := execution.NewReconciler(client,
		time.Duration(cfg.Timeouts.ReconciliationSeconds)*time.Second, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var quotes execution.MarketStateProvider
	instruments := configInstruments(cfg)
	if cfg.Broker.StreamURL != "" && len(instruments) > 0 {
		stateFeed := feed.New(cfg.Broker.StreamURL, session.Token, instruments, log)
		stateFeed.Start(ctx)
		defer stateFeed.Stop()
		quotes = stateFeed
	}

	executor := execution.NewExecutor(execution.ExecutorDeps{
		Gate:           gate,
		Tracker:        tracker,
		Guards:         guards,
		Validator:      validator,
		Limiter:        limiter,
		Retry:          infra.NewRetryPolicy(),
		Precheck:       precheck,
		Disclaimers:    disclaimers,
		Placement:      placement,
		Reconciler:     reconciler,
		Journal:        journal,
		Metrics:        m,
		Quotes:         quotes,
		Log:            log,
		DryRun:         cfg.Trading.DryRun,
		MaxDailyTrades: cfg.Trading.MaxDailyTrades,
	})
	mapper := execution.NewIntentMapper(cfg.Broker.ClientKey, cfg.Broker.AccountKey, tracker, log)

	// Attempts left open by a previous run must be resolved before any
	// new mutation goes out for the same trades.
	reconcileStartup(ctx, journal, reconciler, cfg.Broker.ClientKey, log)

	runLoop(ctx, cfg, mapper, executor, log)
	log.Info("shutdown complete")
}

func configInstruments(cfg *infra.Config) []domain.InstrumentKey {
	keys := make([]domain.InstrumentKey, 0, len(cfg.Trading.Instruments))
	for _, ref := range cfg.Trading.Instruments {
		keys = append(keys, domain.InstrumentKey{
			AssetType: domain.AssetType(ref.AssetType),
			Uic:       ref.Uic,
		})
	}
	return keys
}

// reconcileStartup queries the broker once for every unresolved journal
// attempt and records the answer. Attempts that still cannot be resolved
// stay open and keep blocking their external reference.
func reconcileStartup(ctx context.Context, journal *storage.Journal, reconciler *execution.Reconciler, clientKey string, log *slog.Logger) {
	attempts, err := journal.UnresolvedAttempts(ctx)
	if err != nil {
		log.Error("startup reconciliation: read journal", "error", err)
		return
	}
	for _, a := range attempts {
		log.Warn("reconciling attempt left over from previous run",
			"external_reference", a.ExternalReference,
			"request_id", a.RequestID,
			"instrument", a.Instrument.String(),
		)
		intent := domain.OrderIntent{
			ClientKey:         clientKey,
			Instrument:        a.Instrument,
			Side:              a.Side,
			ExternalReference: a.ExternalReference,
		}
		rec := reconciler.Reconcile(ctx, intent, a.OrderID)
		switch rec.Status {
		case domain.ReconFoundWorking, domain.ReconFoundFilled, domain.ReconFoundCancelled:
			if err := journal.ResolveAttempt(ctx, a.ID, storage.AttemptReconciled, rec.OrderID, 0, rec.OrderStatus); err != nil {
				log.Error("startup reconciliation: resolve", "attempt_id", a.ID, "error", err)
			}
		case domain.ReconNotFound:
			if rec.DegradedConfidence {
				continue
			}
			if err := journal.ResolveAttempt(ctx, a.ID, storage.AttemptFailed, "", a.HTTPStatus, a.ErrorCode); err != nil {
				log.Error("startup reconciliation: resolve", "attempt_id", a.ID, "error", err)
			}
		default:
			// Query failed; leave the attempt open for the next run.
		}
	}
}

// runLoop polls the signal directory every cycle and executes whatever it
// finds. Each signal file holds one JSON-encoded strategy signal and is
// removed once processed; the journal, not the file, carries any
// unresolved state forward.
func runLoop(ctx context.Context, cfg *infra.Config, mapper *execution.IntentMapper, executor *execution.Executor, log *slog.Logger) {
	buyAmount := decimal.NewFromFloat(cfg.Trading.DefaultBuyAmount)
	ticker := time.NewTicker(time.Duration(cfg.App.CycleSeconds) * time.Second)
	defer ticker.Stop()

	for {
		runCycle(ctx, cfg.App.SignalDir, mapper, executor, buyAmount, log)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runCycle(ctx context.Context, signalDir string, mapper *execution.IntentMapper, executor *execution.Executor, buyAmount decimal.Decimal, log *slog.Logger) {
	entries, err := os.ReadDir(signalDir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("read signal dir", "dir", signalDir, "error", err)
		}
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(signalDir, entry.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn("read signal file", "path", path, "error", err)
			continue
		}
		var sig domain.Signal
		if err := json.Unmarshal(data, &sig); err != nil {
			log.Warn("bad signal file, removing", "path", path, "error", err)
			os.Remove(path)
			continue
		}

		intent, err := mapper.Map(ctx, sig, buyAmount)
		if err != nil {
			log.Warn("signal not executable", "path", path, "error", err)
			os.Remove(path)
			continue
		}

		result := executor.Execute(ctx, intent)
		log.Info("cycle result",
			"path", path,
			"status", string(result.Status),
			"order_id", result.OrderID,
		)
		os.Remove(path)

		if ctx.Err() != nil {
			return
		}
	}
}
