// ws.go implements the Manifold push-feed session.
//
// The feed is a JSON message socket. Outbound frames are subscribe,
// unsubscribe, and ping control messages, each carrying a monotonically
// increasing txid. Inbound frames are acks (liveness) and broadcasts:
//
//   - global/new-contract       — a market was created
//   - contract/{id}/new-bet     — trading activity on a subscribed market
//
// The session hides reconnection churn from its consumer: the desired
// subscription set lives client-side and is replayed after every reconnect
// (the server forgets subscriptions on disconnect). A keepalive ping runs
// every ping_interval; if no ack arrives within ack_timeout the connection
// is deliberately closed so silent half-open sockets surface as ordinary
// reconnects. Reconnects back off exponentially with jitter and are bounded:
// after max_reconnect_attempts consecutive failures Run returns an error and
// the session is permanently failed.
package manifold

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"manifold-trader/internal/config"
	"manifold-trader/pkg/types"
)

// TopicNewContract is the global channel announcing market creation.
const TopicNewContract = "global/new-contract"

const (
	writeTimeout    = 10 * time.Second
	eventBufferSize = 256
)

// BetTopic returns the per-market channel announcing new bets.
func BetTopic(marketID string) string {
	return "contract/" + marketID + "/new-bet"
}

// ParseBetTopic recovers the market id from a contract/{id}/new-bet topic.
func ParseBetTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, "contract/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/new-bet")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// ConnState is the connection lifecycle state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

// outFrame is the shape of every control message we send.
type outFrame struct {
	Type   string   `json:"type"`
	TxID   int64    `json:"txid"`
	Topics []string `json:"topics,omitempty"`
}

// Feed manages exactly one logical push-feed session and delivers decoded
// events to a single consumer via Events(). All reconnection handling lives
// inside Run; the one Run loop is the only code path that dials, which keeps
// reconnect sequences serialized by construction.
type Feed struct {
	url string
	cfg config.FeedConfig

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	state   atomic.Int32 // ConnState
	gen     atomic.Int64 // bumped per successful connect; stale teardowns compare against it
	txid    atomic.Int64
	lastAck atomic.Int64 // unix nanos of the most recent ack

	// desired is the set of topics the application wants, independent of
	// connection state. Replayed on every successful (re)connect.
	desiredMu sync.Mutex
	desired   map[string]bool

	events chan types.Event
	logger *slog.Logger
}

// NewFeed creates a push-feed session for the given websocket URL.
// Zero-valued timing fields fall back to the documented defaults.
func NewFeed(wsURL string, cfg config.FeedConfig, logger *slog.Logger) *Feed {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 120 * time.Second
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = 10 * time.Second
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = 300 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}
	if cfg.ResubscribeBatch <= 0 {
		cfg.ResubscribeBatch = 100
	}

	return &Feed{
		url:     wsURL,
		cfg:     cfg,
		desired: make(map[string]bool),
		events:  make(chan types.Event, eventBufferSize),
		logger:  logger.With("component", "feed"),
	}
}

// Events returns the channel decoded broadcasts are delivered on.
func (f *Feed) Events() <-chan types.Event { return f.events }

// State reports the current connection state.
func (f *Feed) State() ConnState { return ConnState(f.state.Load()) }

// DesiredTopics returns a snapshot of the desired subscription set.
func (f *Feed) DesiredTopics() []string {
	f.desiredMu.Lock()
	defer f.desiredMu.Unlock()
	topics := make([]string, 0, len(f.desired))
	for t := range f.desired {
		topics = append(topics, t)
	}
	return topics
}

// Run connects and maintains the session until ctx is cancelled or the
// reconnect budget is exhausted. A successful connection resets the attempt
// counter; after max_reconnect_attempts consecutive failures it returns a
// terminal error and never retries again.
func (f *Feed) Run(ctx context.Context) error {
	attempts := 0

	for {
		opened, err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if opened {
			attempts = 0
		}

		if attempts >= f.cfg.MaxReconnectAttempts {
			f.state.Store(int32(StateDisconnected))
			return fmt.Errorf("push feed permanently failed after %d reconnect attempts: %w", attempts, err)
		}
		attempts++

		delay := f.reconnectDelay(attempts)
		f.logger.Warn("push feed disconnected, reconnecting",
			"error", err,
			"attempt", attempts,
			"max_attempts", f.cfg.MaxReconnectAttempts,
			"delay", delay,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// reconnectDelay doubles per attempt from the base delay, capped at the max,
// plus 10%–30% uniform jitter to avoid synchronized retry storms.
func (f *Feed) reconnectDelay(attempt int) time.Duration {
	delay := f.cfg.ReconnectBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= f.cfg.ReconnectMaxDelay {
			delay = f.cfg.ReconnectMaxDelay
			break
		}
	}
	jitter := time.Duration((0.1 + 0.2*rand.Float64()) * float64(delay))
	return delay + jitter
}

// Subscribe adds topics to the desired set and, while the connection is open,
// sends a subscribe frame for the ones that were not already desired.
// Redundant topics produce no wire message.
func (f *Feed) Subscribe(topics []string) error {
	f.desiredMu.Lock()
	added := make([]string, 0, len(topics))
	for _, t := range topics {
		if !f.desired[t] {
			f.desired[t] = true
			added = append(added, t)
		}
	}
	f.desiredMu.Unlock()

	if len(added) == 0 || f.State() != StateOpen {
		return nil
	}
	generation := f.gen.Load()
	if err := f.sendControl("subscribe", added); err != nil {
		// A failed send means the socket is bad; close it so Run reconnects
		// and replays the desired set.
		f.logger.Warn("subscribe send failed, closing for reconnect", "error", err)
		f.teardown(generation)
		return err
	}
	return nil
}

// Unsubscribe removes topics from the desired set and, while open, sends an
// unsubscribe frame for the ones that were actually desired.
func (f *Feed) Unsubscribe(topics []string) error {
	f.desiredMu.Lock()
	removed := make([]string, 0, len(topics))
	for _, t := range topics {
		if f.desired[t] {
			delete(f.desired, t)
			removed = append(removed, t)
		}
	}
	f.desiredMu.Unlock()

	if len(removed) == 0 || f.State() != StateOpen {
		return nil
	}
	generation := f.gen.Load()
	if err := f.sendControl("unsubscribe", removed); err != nil {
		f.logger.Warn("unsubscribe send failed, closing for reconnect", "error", err)
		f.teardown(generation)
		return err
	}
	return nil
}

// Close tears the session down for good. Callers cancel Run's context first;
// Close just unblocks the read loop.
func (f *Feed) Close() error {
	f.state.Store(int32(StateClosing))
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context) (opened bool, err error) {
	f.state.Store(int32(StateConnecting))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		f.state.Store(int32(StateDisconnected))
		return false, fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	generation := f.gen.Add(1)
	f.connMu.Unlock()
	f.lastAck.Store(time.Now().UnixNano())
	f.state.Store(int32(StateOpen))

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
		f.state.Store(int32(StateDisconnected))
	}()

	f.logger.Info("push feed connected", "url", f.url)

	// The server holds no subscription state across connections: replay the
	// full desired set before reading anything.
	if err := f.replaySubscriptions(ctx); err != nil {
		return true, fmt.Errorf("resubscribe: %w", err)
	}

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx, generation)

	for {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		f.handleMessage(msg)
	}
}

// replaySubscriptions re-issues subscribe frames for every desired topic in
// batches, pausing between batches so a large position book does not slam
// the server right after reconnecting.
func (f *Feed) replaySubscriptions(ctx context.Context) error {
	topics := f.DesiredTopics()
	if len(topics) == 0 {
		return nil
	}

	for start := 0; start < len(topics); start += f.cfg.ResubscribeBatch {
		end := min(start+f.cfg.ResubscribeBatch, len(topics))
		if err := f.sendControl("subscribe", topics[start:end]); err != nil {
			return err
		}
		if end < len(topics) && f.cfg.ResubscribePause > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.cfg.ResubscribePause):
			}
		}
	}

	f.logger.Info("subscriptions replayed", "topics", len(topics))
	return nil
}

// pingLoop sends keepalive pings while the connection is open and converts
// a stale ack into a deliberate close, which the read loop observes as an
// ordinary disconnect.
func (f *Feed) pingLoop(ctx context.Context, generation int64) {
	ticker := time.NewTicker(f.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sinceAck := time.Since(time.Unix(0, f.lastAck.Load()))
			if sinceAck > f.cfg.AckTimeout {
				f.logger.Warn("no ack within liveness window, closing for reconnect",
					"since_ack", sinceAck,
				)
				f.teardown(generation)
				return
			}
			if err := f.sendControl("ping", nil); err != nil {
				f.logger.Warn("ping failed", "error", err)
				f.teardown(generation)
				return
			}
		}
	}
}

// teardown deliberately closes the connection of the given generation so the
// read loop exits and Run reconnects. A caller holding a stale generation — a
// ping loop that raced past its ctx check while the session already rotated —
// finds the counter advanced and touches nothing.
func (f *Feed) teardown(generation int64) {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.gen.Load() != generation || f.conn == nil {
		return
	}
	f.conn.Close()
}

func (f *Feed) handleMessage(data []byte) {
	var frame struct {
		Type  string          `json:"type"`
		TxID  int64           `json:"txid"`
		Topic string          `json:"topic"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		f.logger.Debug("ignoring non-json frame", "data", string(data))
		return
	}

	switch frame.Type {
	case "ack":
		f.lastAck.Store(time.Now().UnixNano())

	case "broadcast":
		f.handleBroadcast(frame.Topic, frame.Data)

	default:
		f.logger.Debug("unknown frame type", "type", frame.Type)
	}
}

func (f *Feed) handleBroadcast(topic string, data json.RawMessage) {
	switch {
	case topic == TopicNewContract:
		var payload struct {
			Contract struct {
				ID string `json:"id"`
			} `json:"contract"`
		}
		if err := json.Unmarshal(data, &payload); err != nil || payload.Contract.ID == "" {
			f.logger.Warn("new-contract broadcast without market id", "data", string(data))
			return
		}
		f.deliver(types.Event{Kind: types.EventNewMarket, MarketID: payload.Contract.ID})

	default:
		marketID, ok := ParseBetTopic(topic)
		if !ok {
			f.logger.Debug("ignoring broadcast", "topic", topic)
			return
		}
		f.deliver(types.Event{Kind: types.EventNewBet, MarketID: marketID})
	}
}

func (f *Feed) deliver(evt types.Event) {
	select {
	case f.events <- evt:
	default:
		f.logger.Warn("event buffer full, dropping event", "market", evt.MarketID)
	}
}

// sendControl writes one control frame with the next txid.
func (f *Feed) sendControl(msgType string, topics []string) error {
	frame := outFrame{
		Type:   msgType,
		TxID:   f.txid.Add(1) - 1,
		Topics: topics,
	}

	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("push feed not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(frame)
}
