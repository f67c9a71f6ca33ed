package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	marketdata "github.com/colefreeman/cole-ws/internal/domain/entity/marketdata"
	"github.com/colefreeman/cole-ws/internal/domain/exception"
	"github.com/colefreeman/cole-ws/internal/domain/interfaces"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var _ interfaces.FrameSource = (*Manager)(nil)

// Config controls where the manager connects and how it waits between attempts.
type Config struct {
	Endpoint string
	Backoff  Backoff
}

// Option customizes a Manager.
type Option func(*Manager)

// WithDialer replaces the gorilla/websocket dialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		if d != nil {
			m.dialer = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger.WithField("component", "stream")
		}
	}
}

// WithStateObserver registers a callback for every state transition. It runs on the
// goroutine that caused the transition and must not block.
func WithStateObserver(fn func(from, to ConnectionState)) Option {
	return func(m *Manager) {
		m.onStateChange = fn
	}
}

// WithTransportErrorHook registers a callback for every contained transport error.
func WithTransportErrorHook(fn func(err error)) Option {
	return func(m *Manager) {
		m.onTransportError = fn
	}
}

// Manager owns one logical subscription over a combined stream. A single goroutine
// calls Receive; State and Close are safe from any goroutine.
type Manager struct {
	url     string
	symbols []string
	backoff Backoff
	dialer  Dialer
	logger  *logrus.Entry

	onStateChange    func(from, to ConnectionState)
	onTransportError func(err error)

	state   atomic.Int32
	attempt int

	lifetime context.Context
	stop     context.CancelFunc

	mu     sync.Mutex
	conn   Conn
	closed bool
}

// Open prepares the subscription for symbols on the channelSuffix stream. It does not
// dial; the first Receive connects. An empty symbol set is a configuration error.
func Open(symbols []string, channelSuffix string, cfg Config, opts ...Option) (*Manager, error) {
	url, err := SubscriptionURL(cfg.Endpoint, symbols, channelSuffix)
	if err != nil {
		return nil, err
	}
	backoff := cfg.Backoff
	if backoff.Delay <= 0 {
		backoff.Delay = defaultBackoffDelay
	}

	lifetime, stop := context.WithCancel(context.Background())
	m := &Manager{
		url:      url,
		symbols:  append([]string(nil), symbols...),
		backoff:  backoff,
		dialer:   NewWebsocketDialer(0, 0),
		logger:   logrus.StandardLogger().WithField("component", "stream"),
		lifetime: lifetime,
		stop:     stop,
	}
	m.state.Store(int32(StateDisconnected))
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// URL returns the combined subscription URL.
func (m *Manager) URL() string {
	return m.url
}

// State reports the current connection state.
func (m *Manager) State() ConnectionState {
	return ConnectionState(m.state.Load())
}

// Receive blocks until the next data frame arrives. Transport failures are logged and
// followed by a reconnect after the backoff delay; frames sent during the outage are
// lost. It returns an error only when ctx is cancelled (ctx.Err()) or the manager was
// closed (exception.ErrClosed); both leave the manager shut down.
func (m *Manager) Receive(ctx context.Context) (marketdata.Frame, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	// A cancelled caller must not stay parked inside a blocking read.
	release := context.AfterFunc(ctx, m.dropConn)
	defer release()

	for {
		if err := m.terminalErr(ctx); err != nil {
			m.shutdown()
			return marketdata.Frame{}, err
		}

		switch m.State() {
		case StateDisconnected, StateConnecting:
			m.connect(ctx)
		case StateBackoff:
			m.wait(ctx)
		case StateConnected:
			if frame, ok := m.read(ctx); ok {
				return frame, nil
			}
		case StateShutdown:
			return marketdata.Frame{}, exception.ErrClosed
		}
	}
}

// Close shuts the manager down, releasing the socket. It is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stop()
	m.shutdown()
	return nil
}

func (m *Manager) connect(ctx context.Context) {
	m.setState(StateConnecting)

	dialCtx, cancel := context.WithCancel(ctx)
	release := context.AfterFunc(m.lifetime, cancel)
	conn, err := m.dialer.Dial(dialCtx, m.url)
	release()
	cancel()

	if err != nil {
		if m.terminalErr(ctx) != nil {
			return
		}
		m.transportFailure(fmt.Errorf("%w: %v", exception.ErrTransport, err))
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.mu.Unlock()

	m.attempt = 0
	m.setState(StateConnected)
	m.logger.WithField("symbols", len(m.symbols)).Info("stream connected")
}

func (m *Manager) read(ctx context.Context) (marketdata.Frame, bool) {
	conn := m.currentConn()
	if conn == nil {
		m.setState(StateConnecting)
		return marketdata.Frame{}, false
	}

	msgType, data, err := conn.ReadMessage()
	if err != nil {
		m.dropConn()
		if m.terminalErr(ctx) != nil {
			return marketdata.Frame{}, false
		}
		m.transportFailure(describeReadError(err))
		return marketdata.Frame{}, false
	}
	if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
		return marketdata.Frame{}, false
	}
	return marketdata.Frame{Data: data, ReceivedAt: time.Now().UTC()}, true
}

func (m *Manager) wait(ctx context.Context) {
	delay := m.backoff.Next(m.attempt)
	m.logger.WithFields(logrus.Fields{
		"attempt":  m.attempt,
		"delay_ms": delay.Milliseconds(),
	}).Info("stream reconnecting after delay")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-m.lifetime.Done():
	case <-timer.C:
		m.setState(StateConnecting)
	}
}

func (m *Manager) transportFailure(err error) {
	m.attempt++
	m.logger.WithError(err).Warn("stream transport failure")
	if m.onTransportError != nil {
		m.onTransportError(err)
	}
	m.setState(StateBackoff)
}

func (m *Manager) shutdown() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.dropConn()
	m.setState(StateShutdown)
}

func (m *Manager) terminalErr(ctx context.Context) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return exception.ErrClosed
	}
	return ctx.Err()
}

func (m *Manager) currentConn() Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

func (m *Manager) dropConn() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// setState never leaves StateShutdown.
func (m *Manager) setState(next ConnectionState) {
	for {
		prev := m.State()
		if prev == next || prev == StateShutdown {
			return
		}
		if m.state.CompareAndSwap(int32(prev), int32(next)) {
			m.logger.WithFields(logrus.Fields{
				"from": prev.String(),
				"to":   next.String(),
			}).Debug("stream state changed")
			if m.onStateChange != nil {
				m.onStateChange(prev, next)
			}
			return
		}
	}
}

func describeReadError(err error) error {
	var closeErr *websocket.CloseError
	switch {
	case errors.As(err, &closeErr):
		return fmt.Errorf("%w: close frame %d %s", exception.ErrTransport, closeErr.Code, closeErr.Text)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: connection dropped: %v", exception.ErrTransport, err)
	default:
		return fmt.Errorf("%w: %v", exception.ErrTransport, err)
	}
}
