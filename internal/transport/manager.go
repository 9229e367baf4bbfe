// Package transport keeps the gateway's WebSocket connection to the chat backend
// open, reconnecting with a linear backoff and handing decoded frames to a callback.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/bus"
	"chatrelay/internal/domain"
	"chatrelay/internal/metrics"

	"github.com/gorilla/websocket"
)

const (
	maxFrameSize = 1 << 20
	writeWait    = 10 * time.Second
)

// ErrNotConnected is wrapped in the ConnectionError returned by WriteFrame.
var ErrNotConnected = errors.New("transport not connected")

// State of the backend connection.
type State int

const (
	Idle State = iota
	Connecting
	Connected
	Reconnecting
	Disconnected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Disconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// FrameHandler receives every well-formed inbound frame, on the read goroutine.
type FrameHandler func(ctx context.Context, f domain.Frame)

// Config configures a Manager.
type Config struct {
	BaseURL          string
	MaxAttempts      int           // consecutive failed reconnects before giving up (default: 5)
	RetryDelay       time.Duration // delay before reconnect k is k * RetryDelay (default: 3s)
	HandshakeTimeout time.Duration
	PingInterval     time.Duration // 0 disables keepalive pings
	PongWait         time.Duration
	Dialer           Dialer
	Bus              *bus.EventBus
	OnFrame          FrameHandler
	Logger           *slog.Logger
}

// Manager owns the connection state machine. One goroutine per connect cycle
// dials, reads and waits out backoff; a generation counter keeps a cycle that
// was superseded by Disconnect from touching state.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	bus    *bus.EventBus
	dialer Dialer
	wait   func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	state   State
	gen     uint64
	attempt int
	url     string
	conn    Conn
	cancel  context.CancelFunc
	done    chan struct{}

	writeMu sync.Mutex
}

func NewManager(cfg Config) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 3 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = NewWebSocketDialer(cfg.HandshakeTimeout)
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.NewEventBus(cfg.Logger, 0)
	}
	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger,
		bus:    cfg.Bus,
		dialer: cfg.Dialer,
		wait:   sleepCtx,
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// URL returns the endpoint of the current or last connect cycle.
func (m *Manager) URL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.url
}

// Connect starts a connect cycle for userID. It is a no-op while a cycle is
// already connecting, connected or waiting to reconnect.
func (m *Manager) Connect(userID string) {
	m.mu.Lock()
	switch m.state {
	case Connecting, Connected, Reconnecting:
		m.mu.Unlock()
		m.logger.Debug("connect ignored", "state", m.state)
		return
	}

	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.state = Connecting
	m.attempt = 0
	m.url = endpoint(m.cfg.BaseURL, userID)
	done := make(chan struct{})
	m.done = done
	target := m.url
	m.mu.Unlock()

	m.logger.Info("transport connecting", "url", target)
	go m.run(ctx, gen, target, done)
}

// Disconnect closes the transport and cancels any pending reconnect. The
// manager returns to Idle; Connect may be called again.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	prev := m.state
	m.gen++
	cancel, conn := m.cancel, m.conn
	m.cancel, m.conn = nil, nil
	m.state = Idle
	m.attempt = 0
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "disconnect")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
	}
	if prev == Idle || prev == Disconnected {
		return
	}

	metrics.Connected.Set(0)
	m.logger.Info("transport disconnected", "state", prev)
	m.bus.Emit(bus.ConnectionStatus{Connected: false})
}

// Close disconnects and waits for the connect cycle to exit.
// It must not be called from a bus handler.
func (m *Manager) Close() {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()

	m.Disconnect()
	if done != nil {
		<-done
	}
}

// WriteFrame sends f on the live connection.
func (m *Manager) WriteFrame(ctx context.Context, f domain.Frame) error {
	m.mu.Lock()
	conn, state, target := m.conn, m.state, m.url
	m.mu.Unlock()

	if state != Connected || conn == nil {
		return &domain.ConnectionError{URL: target, Err: ErrNotConnected}
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &domain.ConnectionError{URL: target, Err: err}
	}
	return nil
}

func (m *Manager) run(ctx context.Context, gen uint64, target string, done chan struct{}) {
	defer close(done)

	for {
		err := m.cycle(ctx, gen, target)
		if ctx.Err() != nil {
			return
		}

		attempt, retry := m.failed(gen, target, err)
		if !retry {
			return
		}

		delay := m.cfg.RetryDelay * time.Duration(attempt)
		m.logger.Warn("transport reconnecting",
			"attempt", attempt,
			"max_attempts", m.cfg.MaxAttempts,
			"delay", delay,
			"err", err,
		)
		if err := m.wait(ctx, delay); err != nil {
			return
		}
		if !m.redial(gen) {
			return
		}
		metrics.Reconnects.Inc()
	}
}

// redial moves a cycle that finished its backoff back to Connecting. It
// reports false when Disconnect or a newer Connect superseded the cycle.
func (m *Manager) redial(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return false
	}
	m.state = Connecting
	return true
}

// cycle dials once and, if that succeeds, reads until the connection drops.
func (m *Manager) cycle(ctx context.Context, gen uint64, target string) error {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	conn, err := m.dialer.DialContext(dialCtx, target)
	cancel()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	if !m.opened(gen, conn) {
		conn.Close()
		return context.Canceled
	}
	err = m.readLoop(ctx, conn)

	m.mu.Lock()
	if m.gen == gen && m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	conn.Close()
	return err
}

func (m *Manager) opened(gen uint64, conn Conn) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	m.conn = conn
	m.state = Connected
	m.attempt = 0
	target := m.url
	m.mu.Unlock()

	metrics.Connected.Set(1)
	m.logger.Info("transport connected", "url", target)
	m.bus.Emit(bus.ConnectionStatus{Connected: true})
	return true
}

// failed records a dropped or refused connection. It reports the reconnect
// attempt number and whether another attempt should be made.
func (m *Manager) failed(gen uint64, target string, cause error) (int, bool) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return 0, false
	}
	m.attempt++
	attempt := m.attempt

	if attempt > m.cfg.MaxAttempts {
		m.state = Disconnected
		cancel := m.cancel
		m.cancel = nil
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}

		connErr := &domain.ConnectionError{URL: target, Attempt: m.cfg.MaxAttempts, Err: cause}
		m.logger.Error("transport gave up", "attempts", m.cfg.MaxAttempts, "err", cause)
		m.bus.Emit(bus.ConnectionError{Err: connErr})
		return 0, false
	}

	m.state = Reconnecting
	m.mu.Unlock()

	// Only the first failure of a run of retries is a status change.
	if attempt == 1 {
		metrics.Connected.Set(0)
		m.bus.Emit(bus.ConnectionStatus{Connected: false})
	}
	return attempt, true
}

func (m *Manager) readLoop(ctx context.Context, conn Conn) error {
	pongWait := m.cfg.PongWait
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go m.keepalive(ctx, conn, stop)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		f, err := decodeFrame(data)
		if err != nil {
			metrics.ParseErrors.With(string(f.Platform)).Inc()
			m.logger.Warn("dropping malformed frame", "err", err, "bytes", len(data))
			continue
		}
		if m.cfg.OnFrame != nil {
			m.cfg.OnFrame(ctx, f)
		}
	}
}

// keepalive pings until stop is closed and closes conn when ctx is cancelled,
// which unblocks the reader.
func (m *Manager) keepalive(ctx context.Context, conn Conn, stop <-chan struct{}) {
	var tick <-chan time.Time
	if m.cfg.PingInterval > 0 {
		ticker := time.NewTicker(m.cfg.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			conn.Close()
			return
		case <-tick:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				m.logger.Debug("ping failed", "err", err)
				conn.Close()
				return
			}
		}
	}
}

func decodeFrame(data []byte) (domain.Frame, error) {
	var f domain.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return f, &domain.ParseError{Err: err}
	}
	if f.Type == "" {
		return f, &domain.ParseError{Platform: f.Platform, Err: errors.New("frame has no type")}
	}
	return f, nil
}

func endpoint(base, userID string) string {
	return strings.TrimRight(base, "/") + "/chat/" + url.PathEscape(userID)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
