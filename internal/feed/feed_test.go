package feed

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"saxobot/internal/domain"
)

var upgrader = websocket.Upgrader{}

func fakeStream(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer feed-token" {
			t.Errorf("Authorization = %q", got)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitForState(t *testing.T, f *StateFeed, key domain.InstrumentKey, want domain.MarketState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if state, ok := f.LatestState(key); ok && state == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	state, ok := f.LatestState(key)
	t.Fatalf("state for %s = %v (ok=%v), want %v", key, state, ok, want)
}

func TestStateFeed_SubscribesAndTracksStates(t *testing.T) {
	key := domain.InstrumentKey{AssetType: domain.AssetStock, Uic: 211}
	url := fakeStream(t, func(conn *websocket.Conn) {
		// Expect one subscribe message per instrument.
		var sub subscribeRequest
		if err := conn.ReadJSON(&sub); err != nil {
			t.Errorf("read subscribe: %v", err)
			return
		}
		if sub.Op != "subscribe" || sub.Uic != 211 {
			t.Errorf("subscribe = %+v", sub)
		}

		send := func(state string) {
			data, _ := json.Marshal(stateMessage{Uic: 211, AssetType: "Stock", MarketState: state})
			conn.WriteMessage(websocket.TextMessage, data)
		}
		send("Open")
		send("Closed")

		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	f := New(url, func() string { return "feed-token" }, []domain.InstrumentKey{key}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.Start(context.Background())
	defer f.Stop()

	waitForState(t, f, key, domain.StateClosed)

	// Unseen instruments report no state so the gate falls through.
	if _, ok := f.LatestState(domain.InstrumentKey{AssetType: domain.AssetFxSpot, Uic: 9}); ok {
		t.Error("unknown instrument should have no state")
	}
}

func TestStateFeed_UnknownStateParsesToUnknown(t *testing.T) {
	key := domain.InstrumentKey{AssetType: domain.AssetStock, Uic: 211}
	url := fakeStream(t, func(conn *websocket.Conn) {
		var sub subscribeRequest
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		data, _ := json.Marshal(stateMessage{Uic: 211, AssetType: "Stock", MarketState: "HalfDayWeirdPhase"})
		conn.WriteMessage(websocket.TextMessage, data)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	f := New(url, func() string { return "feed-token" }, []domain.InstrumentKey{key}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.Start(context.Background())
	defer f.Stop()

	waitForState(t, f, key, domain.StateUnknown)
}
