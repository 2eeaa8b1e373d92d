package execution

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"saxobot/internal/domain"
)

func TestGenerateExternalReference(t *testing.T) {
	day := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)

	t.Run("format and determinism", func(t *testing.T) {
		a := GenerateExternalReference("momentum", stock211, domain.Buy, day)
		b := GenerateExternalReference("momentum", stock211, domain.Buy, day)
		if a != b {
			t.Errorf("same inputs produced %q and %q", a, b)
		}
		if !strings.HasPrefix(a, "E005:momentum:211:") {
			t.Errorf("reference = %q", a)
		}
	})

	t.Run("distinct per side and day", func(t *testing.T) {
		buy := GenerateExternalReference("momentum", stock211, domain.Buy, day)
		sell := GenerateExternalReference("momentum", stock211, domain.Sell, day)
		nextDay := GenerateExternalReference("momentum", stock211, domain.Buy, day.Add(24*time.Hour))
		if buy == sell || buy == nextDay {
			t.Error("side and day must change the reference")
		}
	})

	t.Run("never exceeds the broker limit", func(t *testing.T) {
		long := strings.Repeat("verylongstrategyname", 5)
		ref := GenerateExternalReference(long, domain.InstrumentKey{AssetType: domain.AssetStock, Uic: 1234567}, domain.Buy, day)
		if len(ref) > domain.MaxExternalReferenceLen {
			t.Errorf("reference %q is %d chars", ref, len(ref))
		}
		if !strings.HasPrefix(ref, "E005:") {
			t.Errorf("prefix lost: %q", ref)
		}
	})
}

func TestIntentMapper_Map(t *testing.T) {
	client := newTestBrokerClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Data":[{"NetPositionId":"np-1","NetPositionBase":{"AssetType":"Stock","Uic":211,"Amount":7,"AccountKey":"ak","CanBeClosed":true},"NetPositionView":{},"DisplayAndFormat":{"Symbol":"AAPL:xnas"}}]}`))
	}))
	tracker := NewPositionTracker(client, newReadBreaker(), "ck", "ak", 30*time.Second, discard())
	m := NewIntentMapper("ck", "ak", tracker, discard())

	t.Run("buy uses the configured amount", func(t *testing.T) {
		sig := domain.Signal{Instrument: stock211, Action: domain.SignalBuy, StrategyID: "mom", Symbol: "AAPL:xnas"}
		intent, err := m.Map(context.Background(), sig, dec("3"))
		if err != nil {
			t.Fatalf("Map: %v", err)
		}
		if intent.Side != domain.Buy || !intent.Amount.Equal(dec("3")) {
			t.Errorf("intent = %+v", intent)
		}
		if intent.OrderType != domain.OrderMarket || intent.Duration != domain.DurationDayOrder {
			t.Errorf("defaults = %s/%s", intent.OrderType, intent.Duration)
		}
		if intent.ExternalReference == "" || len(intent.ExternalReference) > domain.MaxExternalReferenceLen {
			t.Errorf("external reference = %q", intent.ExternalReference)
		}
		if intent.RequestID != "" {
			t.Error("request id is stamped per attempt, not at mapping time")
		}
	})

	t.Run("sell is sized from the position", func(t *testing.T) {
		sig := domain.Signal{Instrument: stock211, Action: domain.SignalSell, StrategyID: "mom"}
		intent, err := m.Map(context.Background(), sig, dec("999"))
		if err != nil {
			t.Fatalf("Map: %v", err)
		}
		if intent.Side != domain.Sell || !intent.Amount.Equal(dec("7")) {
			t.Errorf("intent = %+v", intent)
		}
	})

	t.Run("sell without a position fails", func(t *testing.T) {
		sig := domain.Signal{Instrument: domain.InstrumentKey{AssetType: domain.AssetStock, Uic: 999}, Action: domain.SignalSell, StrategyID: "mom"}
		if _, err := m.Map(context.Background(), sig, dec("1")); err == nil {
			t.Error("expected error for sell with no long position")
		}
	})

	t.Run("hold maps to nothing", func(t *testing.T) {
		sig := domain.Signal{Instrument: stock211, Action: domain.SignalHold, StrategyID: "mom"}
		if _, err := m.Map(context.Background(), sig, dec("1")); err == nil {
			t.Error("expected error for HOLD")
		}
	})
}
