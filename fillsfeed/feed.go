// Package fillsfeed implements the client side of the venue's fills
// websocket: a reconnecting transport with heartbeat liveness detection and,
// on top of it, a typed subscriber for fill and head-pointer events.
package fillsfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// UnlimitedReconnects disables the reconnect attempt cap.
const UnlimitedReconnects = -1

const (
	defaultReconnectInterval    = 500 * time.Millisecond
	defaultReconnectMaxAttempts = 10

	// The feed server pings every 30 seconds. A connection that has not seen
	// a ping for the interval plus one second of grace is considered dead and
	// is terminated exactly like a network-initiated close.
	defaultHeartbeatTimeout = 30*time.Second + time.Second
)

var (
	ErrFeedClosed   = errors.New("fillsfeed: feed is closed")
	ErrNotConnected = errors.New("fillsfeed: not connected")
)

// StatusMessage is the venue's acknowledgement envelope for subscription
// commands.
type StatusMessage struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// FeedConfig configures the transport. Zero values fall back to the venue's
// documented defaults.
type FeedConfig struct {
	URL string

	ReconnectInterval time.Duration
	// ReconnectMaxAttempts bounds automatic reconnection after an unexpected
	// close. UnlimitedReconnects removes the cap.
	ReconnectMaxAttempts int

	// HeartbeatTimeout overrides the ping deadline. Tests shrink this.
	HeartbeatTimeout time.Duration

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

func (c FeedConfig) withDefaults() FeedConfig {
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = defaultReconnectInterval
	}
	if c.ReconnectMaxAttempts == 0 {
		c.ReconnectMaxAttempts = defaultReconnectMaxAttempts
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Feed maintains one live websocket connection to the fills endpoint,
// transparently reconnecting on failure. Messages pass through unmodified;
// lifecycle is reported via single-slot callbacks where the last
// registration wins.
type Feed struct {
	url         string
	interval    time.Duration
	maxAttempts int
	heartbeat   time.Duration
	dialer      *websocket.Dialer
	logger      *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	dialing   bool
	closed    bool
	attempts  int

	onConnect    func()
	onDisconnect func(exhausted bool)
	onStatus     func(StatusMessage)
	onMessage    func([]byte)
}

func NewFeed(cfg FeedConfig) *Feed {
	cfg = cfg.withDefaults()
	return &Feed{
		url:         cfg.URL,
		interval:    cfg.ReconnectInterval,
		maxAttempts: cfg.ReconnectMaxAttempts,
		heartbeat:   cfg.HeartbeatTimeout,
		dialer:      cfg.Dialer,
		logger:      cfg.Logger.WithGroup("fillsfeed"),
	}
}

func (f *Feed) OnConnect(cb func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConnect = cb
}

// OnDisconnect registers the close observer. exhausted is true exactly once,
// when the reconnect budget has been spent and no further automatic attempts
// will be made.
func (f *Feed) OnDisconnect(cb func(exhausted bool)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDisconnect = cb
}

func (f *Feed) OnStatus(cb func(StatusMessage)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onStatus = cb
}

func (f *Feed) OnMessage(cb func(raw []byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMessage = cb
}

func (f *Feed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Closed reports whether the feed was deliberately disconnected or gave up
// reconnecting.
func (f *Feed) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Connect opens the connection. It is idempotent while already connected or
// connecting. A dial failure is returned to the caller but also treated like
// an ordinary disconnect: the reconnect loop takes over while attempts
// remain, and only exhaustion is final.
func (f *Feed) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrFeedClosed
	}
	if f.connected || f.dialing {
		f.mu.Unlock()
		return nil
	}
	f.dialing = true
	f.mu.Unlock()

	conn, _, err := f.dialer.DialContext(ctx, f.url, nil)

	f.mu.Lock()
	f.dialing = false
	if err != nil {
		closed := f.closed
		f.mu.Unlock()
		if !closed {
			f.scheduleReconnect()
		}
		return fmt.Errorf("fillsfeed: dial %s: %w", f.url, err)
	}
	if f.closed {
		f.mu.Unlock()
		conn.Close()
		return ErrFeedClosed
	}
	if f.connected {
		// A background reconnect won the race.
		f.mu.Unlock()
		conn.Close()
		return nil
	}
	f.adoptLocked(conn)
	onConnect := f.onConnect
	f.mu.Unlock()

	f.logger.Info("connected", slog.String("url", f.url))
	if onConnect != nil {
		onConnect()
	}
	return nil
}

// Disconnect closes deliberately. No automatic reconnection happens after an
// explicit disconnect.
func (f *Feed) Disconnect() {
	f.mu.Lock()
	f.closed = true
	conn := f.conn
	f.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Send marshals v as JSON and writes it to the current connection.
func (f *Feed) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrFeedClosed
	}
	if f.conn == nil {
		return ErrNotConnected
	}
	return f.conn.WriteMessage(websocket.TextMessage, payload)
}

// adoptLocked installs a freshly dialed connection and resets the reconnect
// budget. Callers hold f.mu.
func (f *Feed) adoptLocked(conn *websocket.Conn) {
	f.conn = conn
	f.connected = true
	f.attempts = 0
	go f.readLoop(conn)
}

func (f *Feed) readLoop(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(f.heartbeat))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(f.heartbeat))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			f.logger.Debug("read loop ended", slog.String("error", err.Error()))
			break
		}
		f.dispatch(raw)
	}

	conn.Close()
	f.handleClose(conn)
}

func (f *Feed) dispatch(raw []byte) {
	var peek struct {
		Success *bool  `json:"success"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		f.logger.Warn("dropping malformed stream message", slog.String("error", err.Error()))
		return
	}

	f.mu.Lock()
	onStatus := f.onStatus
	onMessage := f.onMessage
	f.mu.Unlock()

	if peek.Success != nil {
		if onStatus != nil {
			onStatus(StatusMessage{Success: *peek.Success, Message: peek.Message})
		}
		return
	}
	if onMessage != nil {
		onMessage(raw)
	}
}

func (f *Feed) handleClose(conn *websocket.Conn) {
	f.mu.Lock()
	if f.conn != conn {
		// A newer connection already replaced this one.
		f.mu.Unlock()
		return
	}
	f.conn = nil
	f.connected = false
	deliberate := f.closed
	onDisconnect := f.onDisconnect
	f.mu.Unlock()

	f.logger.Info("disconnected", slog.Bool("deliberate", deliberate))
	if onDisconnect != nil {
		onDisconnect(false)
	}
	if deliberate {
		return
	}
	f.scheduleReconnect()
}

func (f *Feed) scheduleReconnect() {
	time.AfterFunc(f.interval, f.tryReconnect)
}

func (f *Feed) tryReconnect() {
	f.mu.Lock()
	if f.closed || f.connected {
		f.mu.Unlock()
		return
	}
	f.attempts++
	attempt := f.attempts
	f.mu.Unlock()

	f.logger.Info("reconnecting", slog.Int("attempt", attempt))
	conn, _, err := f.dialer.Dial(f.url, nil)
	if err != nil {
		f.logger.Warn("reconnect failed", slog.Int("attempt", attempt), slog.String("error", err.Error()))

		f.mu.Lock()
		exhausted := f.maxAttempts != UnlimitedReconnects && f.attempts >= f.maxAttempts
		var onDisconnect func(bool)
		if exhausted {
			// Spent the budget; permanent failure, reported exactly once.
			f.closed = true
			onDisconnect = f.onDisconnect
		}
		f.mu.Unlock()

		if exhausted {
			f.logger.Error("reconnect attempts exhausted", slog.Int("attempts", attempt))
			if onDisconnect != nil {
				onDisconnect(true)
			}
			return
		}
		f.scheduleReconnect()
		return
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		conn.Close()
		return
	}
	f.adoptLocked(conn)
	onConnect := f.onConnect
	f.mu.Unlock()

	f.logger.Info("reconnected", slog.Int("attempt", attempt))
	if onConnect != nil {
		onConnect()
	}
}
