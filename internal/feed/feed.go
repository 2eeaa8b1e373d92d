package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"saxobot/internal/domain"
	"saxobot/internal/infra"
)

// StateFeed is the streaming market-state subscriber. It maintains one
// websocket to the broker's streaming gateway, resubscribes after every
// reconnect and serves the latest state per instrument to the gate as its
// highest-priority source. The feed is optional: when it is down the gate
// falls through to the position and instrument sources.
type StateFeed struct {
	url         string
	token       func() string
	instruments []domain.InstrumentKey
	log         *slog.Logger
	backoff     *infra.RetryPolicy

	mu     sync.RWMutex
	states map[domain.InstrumentKey]domain.MarketState
	conn   *websocket.Conn

	writeMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	ReadTimeout  time.Duration
	PingInterval time.Duration
}

func New(url string, token func() string, instruments []domain.InstrumentKey, log *slog.Logger) *StateFeed {
	return &StateFeed{
		url:          url,
		token:        token,
		instruments:  instruments,
		log:          log,
		backoff:      infra.NewRetryPolicy(),
		states:       make(map[domain.InstrumentKey]domain.MarketState),
		ReadTimeout:  60 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// LatestState implements the gate's quote-level source.
func (f *StateFeed) LatestState(key domain.InstrumentKey) (domain.MarketState, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	state, ok := f.states[key]
	return state, ok
}

// Start launches the connection loop.
func (f *StateFeed) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	f.wg.Add(1)
	go f.runLoop(ctx)
}

// Stop terminates the feed and waits for the loop to exit.
func (f *StateFeed) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.close()
	f.wg.Wait()
}

func (f *StateFeed) runLoop(ctx context.Context) {
	defer f.wg.Done()
	retry := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := f.connect(ctx); err != nil {
			f.log.Warn("state feed connect failed", "err", err, "retry", retry)
			delay := f.backoff.Backoff(retry)
			retry++

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		retry = 0
		f.process(ctx)

		// Connection dropped; clear cached states rather than let the
		// gate trust a stale Open.
		f.mu.Lock()
		f.states = make(map[domain.InstrumentKey]domain.MarketState)
		f.mu.Unlock()
	}
}

func (f *StateFeed) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := make(http.Header)
	header.Set("Authorization", "Bearer "+f.token())

	conn, _, err := dialer.DialContext(ctx, f.url, header)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	if err := f.subscribe(); err != nil {
		f.close()
		return fmt.Errorf("subscribe failed: %w", err)
	}

	if f.PingInterval > 0 {
		go f.pingLoop(ctx)
	}

	f.log.Info("state feed connected", "instruments", len(f.instruments))
	return nil
}

type subscribeRequest struct {
	Op        string `json:"Op"`
	Uic       int    `json:"Uic"`
	AssetType string `json:"AssetType"`
}

func (f *StateFeed) subscribe() error {
	for _, key := range f.instruments {
		req := subscribeRequest{Op: "subscribe", Uic: key.Uic, AssetType: string(key.AssetType)}
		data, err := json.Marshal(req)
		if err != nil {
			return err
		}
		if err := f.write(websocket.TextMessage, data); err != nil {
			return err
		}
	}
	return nil
}

type stateMessage struct {
	Uic         int    `json:"Uic"`
	AssetType   string `json:"AssetType"`
	MarketState string `json:"MarketState"`
}

func (f *StateFeed) process(ctx context.Context) {
	for {
		f.mu.RLock()
		c := f.conn
		f.mu.RUnlock()
		if c == nil {
			return
		}

		c.SetReadDeadline(time.Now().Add(f.ReadTimeout))
		_, msg, err := c.ReadMessage()
		if err != nil {
			f.log.Warn("state feed read error", "err", err)
			f.close()
			return
		}

		f.onMessage(ctx, msg)
	}
}

func (f *StateFeed) onMessage(_ context.Context, msg []byte) {
	var m stateMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		f.log.Debug("state feed message ignored", "err", err)
		return
	}
	if m.Uic == 0 || m.MarketState == "" {
		return
	}

	key := domain.InstrumentKey{AssetType: domain.AssetType(m.AssetType), Uic: m.Uic}
	state := domain.ParseMarketState(m.MarketState)

	f.mu.Lock()
	prev, had := f.states[key]
	f.states[key] = state
	f.mu.Unlock()

	if !had || prev != state {
		f.log.Info("market state changed",
			"instrument", key.String(),
			"from", string(prev),
			"to", string(state),
		)
	}
}

func (f *StateFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(f.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.mu.RLock()
			c := f.conn
			f.mu.RUnlock()
			if c == nil {
				return
			}
			deadline := time.Now().Add(10 * time.Second)
			if err := c.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				f.log.Warn("state feed ping error", "err", err)
				f.close()
				return
			}
		}
	}
}

func (f *StateFeed) write(msgType int, data []byte) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	f.mu.RLock()
	c := f.conn
	f.mu.RUnlock()

	if c == nil {
		return fmt.Errorf("state feed not connected")
	}
	return c.WriteMessage(msgType, data)
}

func (f *StateFeed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
}
