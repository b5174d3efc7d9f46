package manifold

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"manifold-trader/internal/config"
	"manifold-trader/pkg/types"
)

func TestParseBetTopic(t *testing.T) {
	t.Parallel()
	cases := []struct {
		topic  string
		wantID string
		wantOK bool
	}{
		{"contract/abc123/new-bet", "abc123", true},
		{"global/new-contract", "", false},
		{"contract//new-bet", "", false},
		{"contract/a/b/new-bet", "", false},
		{"contract/abc123", "", false},
		{"abc123/new-bet", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		id, ok := ParseBetTopic(tc.topic)
		if id != tc.wantID || ok != tc.wantOK {
			t.Errorf("ParseBetTopic(%q) = (%q, %v), want (%q, %v)",
				tc.topic, id, ok, tc.wantID, tc.wantOK)
		}
	}
}

// wsHarness is a fake push-feed server. It records every frame the client
// sends and hands each accepted connection to the test.
type wsHarness struct {
	srv      *httptest.Server
	frames   chan outFrame
	conns    chan *websocket.Conn
	ackPings bool
	writeMu  sync.Mutex
}

func newWSHarness(t *testing.T, ackPings bool) *wsHarness {
	t.Helper()
	h := &wsHarness{
		frames:   make(chan outFrame, 64),
		conns:    make(chan *websocket.Conn, 4),
		ackPings: ackPings,
	}
	upgrader := websocket.Upgrader{}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.conns <- conn
		for {
			var fr outFrame
			if err := conn.ReadJSON(&fr); err != nil {
				return
			}
			h.frames <- fr
			if fr.Type == "ping" && h.ackPings {
				h.send(conn, map[string]any{"type": "ack", "txid": fr.TxID})
			}
		}
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *wsHarness) url() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http")
}

func (h *wsHarness) send(conn *websocket.Conn, v any) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	conn.WriteJSON(v)
}

// nextFrameOfType waits for the next non-ping frame of the given type.
func (h *wsHarness) nextFrameOfType(t *testing.T, frameType string) outFrame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case fr := <-h.frames:
			if fr.Type == frameType {
				return fr
			}
		case <-deadline:
			t.Fatalf("no %s frame within deadline", frameType)
		}
	}
}

// expectNoFrameOfType asserts no frame of the given type arrives in the window.
func (h *wsHarness) expectNoFrameOfType(t *testing.T, frameType string, window time.Duration) {
	t.Helper()
	deadline := time.After(window)
	for {
		select {
		case fr := <-h.frames:
			if fr.Type == frameType {
				t.Fatalf("unexpected %s frame: %+v", frameType, fr)
			}
		case <-deadline:
			return
		}
	}
}

func testFeedCfg() config.FeedConfig {
	return config.FeedConfig{
		PingInterval:         50 * time.Millisecond,
		AckTimeout:           time.Second,
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMaxDelay:    5 * time.Millisecond,
		MaxReconnectAttempts: 10,
		ResubscribeBatch:     100,
	}
}

func startFeed(t *testing.T, url string, cfg config.FeedConfig) (*Feed, <-chan error) {
	t.Helper()
	f := NewFeed(url, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		f.Close()
		select {
		case <-errCh:
		case <-time.After(2 * time.Second):
		}
	})
	return f, errCh
}

func waitOpen(t *testing.T, f *Feed) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for f.State() != StateOpen {
		select {
		case <-deadline:
			t.Fatal("feed never reached open state")
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestSubscribeSendsOnlyNewTopics(t *testing.T) {
	t.Parallel()
	h := newWSHarness(t, true)
	f, _ := startFeed(t, h.url(), testFeedCfg())
	waitOpen(t, f)

	if err := f.Subscribe([]string{"t1", "t2"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	fr := h.nextFrameOfType(t, "subscribe")
	if len(fr.Topics) != 2 {
		t.Fatalf("first subscribe topics = %v, want [t1 t2]", fr.Topics)
	}
	firstTxID := fr.TxID

	// Overlapping request only transmits the genuinely new topic.
	if err := f.Subscribe([]string{"t2", "t3"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	fr = h.nextFrameOfType(t, "subscribe")
	if len(fr.Topics) != 1 || fr.Topics[0] != "t3" {
		t.Fatalf("overlapping subscribe topics = %v, want [t3]", fr.Topics)
	}
	if fr.TxID <= firstTxID {
		t.Errorf("txid %d not greater than %d", fr.TxID, firstTxID)
	}

	// Fully redundant request produces no wire message.
	if err := f.Subscribe([]string{"t1", "t3"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	h.expectNoFrameOfType(t, "subscribe", 100*time.Millisecond)
}

func TestUnsubscribeSendsOnlyDesiredTopics(t *testing.T) {
	t.Parallel()
	h := newWSHarness(t, true)
	f, _ := startFeed(t, h.url(), testFeedCfg())
	waitOpen(t, f)

	f.Subscribe([]string{"t1"})
	h.nextFrameOfType(t, "subscribe")

	// Not desired: no frame.
	if err := f.Unsubscribe([]string{"t9"}); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	h.expectNoFrameOfType(t, "unsubscribe", 100*time.Millisecond)

	if err := f.Unsubscribe([]string{"t1"}); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	fr := h.nextFrameOfType(t, "unsubscribe")
	if len(fr.Topics) != 1 || fr.Topics[0] != "t1" {
		t.Fatalf("unsubscribe topics = %v, want [t1]", fr.Topics)
	}
	if len(f.DesiredTopics()) != 0 {
		t.Errorf("desired set = %v, want empty", f.DesiredTopics())
	}
}

func TestReplayAfterReconnect(t *testing.T) {
	t.Parallel()
	h := newWSHarness(t, true)
	f, _ := startFeed(t, h.url(), testFeedCfg())
	waitOpen(t, f)

	serverConn := <-h.conns
	f.Subscribe([]string{"t1", "t2"})
	h.nextFrameOfType(t, "subscribe")

	// Server drops the connection; the desired set must be replayed on the
	// next session.
	serverConn.Close()

	select {
	case <-h.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("client never reconnected")
	}

	fr := h.nextFrameOfType(t, "subscribe")
	got := append([]string(nil), fr.Topics...)
	sort.Strings(got)
	if len(got) != 2 || got[0] != "t1" || got[1] != "t2" {
		t.Fatalf("replayed topics = %v, want [t1 t2]", got)
	}
}

func TestStaleAckClosesForReconnect(t *testing.T) {
	t.Parallel()
	// Server swallows pings; the liveness check must give up and reconnect.
	h := newWSHarness(t, false)
	cfg := testFeedCfg()
	cfg.PingInterval = 20 * time.Millisecond
	cfg.AckTimeout = 50 * time.Millisecond

	f, _ := startFeed(t, h.url(), cfg)
	waitOpen(t, f)
	<-h.conns

	select {
	case <-h.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("client never reconnected after missing acks")
	}
}

func TestReconnectBudgetExhausted(t *testing.T) {
	t.Parallel()
	cfg := testFeedCfg()
	cfg.MaxReconnectAttempts = 3

	// Nothing listens here; every dial fails.
	f := NewFeed("ws://127.0.0.1:1", cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	errCh := make(chan error, 1)
	go func() { errCh <- f.Run(context.Background()) }()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("Run returned nil, want terminal error")
		}
		if !strings.Contains(err.Error(), "permanently failed") {
			t.Errorf("error = %v, want permanent failure", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not give up after exhausting reconnect attempts")
	}
	if f.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", f.State())
	}
}

func TestBroadcastDecoding(t *testing.T) {
	t.Parallel()
	h := newWSHarness(t, true)
	f, _ := startFeed(t, h.url(), testFeedCfg())
	waitOpen(t, f)
	serverConn := <-h.conns

	nextEvent := func() types.Event {
		t.Helper()
		select {
		case evt := <-f.Events():
			return evt
		case <-time.After(2 * time.Second):
			t.Fatal("no event delivered")
			return types.Event{}
		}
	}

	h.send(serverConn, map[string]any{
		"type":  "broadcast",
		"topic": TopicNewContract,
		"data":  map[string]any{"contract": map[string]any{"id": "mkt1"}},
	})
	if evt := nextEvent(); evt.Kind != types.EventNewMarket || evt.MarketID != "mkt1" {
		t.Errorf("event = %+v, want new-market mkt1", evt)
	}

	h.send(serverConn, map[string]any{
		"type":  "broadcast",
		"topic": BetTopic("mkt1"),
		"data":  map[string]any{"amount": 10},
	})
	if evt := nextEvent(); evt.Kind != types.EventNewBet || evt.MarketID != "mkt1" {
		t.Errorf("event = %+v, want new-bet mkt1", evt)
	}

	// Unknown frame types and malformed broadcasts are dropped without
	// disturbing the session.
	h.send(serverConn, map[string]any{"type": "confetti"})
	h.send(serverConn, map[string]any{
		"type":  "broadcast",
		"topic": TopicNewContract,
		"data":  map[string]any{},
	})
	h.send(serverConn, map[string]any{
		"type":  "broadcast",
		"topic": BetTopic("mkt2"),
	})
	if evt := nextEvent(); evt.Kind != types.EventNewBet || evt.MarketID != "mkt2" {
		t.Errorf("event = %+v, want new-bet mkt2 after junk frames", evt)
	}
}

func TestTeardownIgnoresStaleGeneration(t *testing.T) {
	t.Parallel()
	h := newWSHarness(t, true)
	f, _ := startFeed(t, h.url(), testFeedCfg())
	waitOpen(t, f)
	<-h.conns

	// A leftover closer from a previous session must not touch the current
	// connection.
	f.teardown(f.gen.Load() - 1)

	if err := f.Subscribe([]string{"t1"}); err != nil {
		t.Fatalf("subscribe after stale teardown: %v", err)
	}
	h.nextFrameOfType(t, "subscribe")
	if f.State() != StateOpen {
		t.Fatalf("state = %v, want open after stale teardown", f.State())
	}
	select {
	case <-h.conns:
		t.Fatal("stale teardown caused a spurious reconnect")
	default:
	}

	// The current generation still closes it.
	f.teardown(f.gen.Load())
	select {
	case <-h.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("current-generation teardown did not trigger a reconnect")
	}
}

func TestSubscribeBeforeConnectSeedsDesiredSet(t *testing.T) {
	t.Parallel()
	h := newWSHarness(t, true)
	f := NewFeed(h.url(), testFeedCfg(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	// No connection yet: Subscribe only records intent.
	if err := f.Subscribe([]string{"t1", "t2"}); err != nil {
		t.Fatalf("subscribe before connect: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		f.Close()
		<-errCh
	})

	// The seeded set is replayed as part of connecting.
	fr := h.nextFrameOfType(t, "subscribe")
	got := append([]string(nil), fr.Topics...)
	sort.Strings(got)
	if len(got) != 2 || got[0] != "t1" || got[1] != "t2" {
		t.Fatalf("seeded topics = %v, want [t1 t2]", got)
	}
}
