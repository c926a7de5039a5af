// Package connection serves live voice sessions over websockets and hands
// each utterance to the orchestrator one turn at a time.
package connection

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	orchestration "github.com/koscakluka/ema-intake/core"
	"github.com/koscakluka/ema-intake/core/events"
	"github.com/koscakluka/ema-intake/core/identity"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultMaxAudioBufferBytes = 320_000
	defaultAudioChunkBytes     = 8192
	defaultIdleTimeout         = 30 * time.Second
	defaultPingInterval        = 15 * time.Second
	defaultWriteTimeout        = 5 * time.Second
	defaultCloseTimeout        = 2 * time.Second
	defaultPublishTimeout      = 2 * time.Second
	defaultReadLimit           = 1 << 20
)

type TurnProcessor interface {
	ProcessTurn(ctx context.Context, req orchestration.TurnRequest) *orchestration.Turn
}

type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

type Manager struct {
	processor     TurnProcessor
	authenticator identity.Authenticator
	publisher     Publisher
	registry      *Registry
	upgrader      websocket.Upgrader

	maxAudioBufferBytes int
	audioChunkBytes     int
	idleTimeout         time.Duration
	pingInterval        time.Duration
	writeTimeout        time.Duration
	closeTimeout        time.Duration
	publishTimeout      time.Duration
	readLimit           int64
	latencyTarget       time.Duration
	now                 func() time.Time

	draining atomic.Bool

	opened metric.Int64Counter
	closed metric.Int64Counter
}

type ManagerOption func(*Manager)

func WithPublisher(publisher Publisher) ManagerOption {
	return func(m *Manager) { m.publisher = publisher }
}

// WithMaxAudioBufferBytes sets how much audio a connection may buffer before
// the buffer is handed off as a turn.
func WithMaxAudioBufferBytes(size int) ManagerOption {
	return func(m *Manager) {
		if size > 0 {
			m.maxAudioBufferBytes = size
		}
	}
}

// WithAudioChunkBytes sets the size of binary response frames.
func WithAudioChunkBytes(size int) ManagerOption {
	return func(m *Manager) {
		if size > 0 {
			m.audioChunkBytes = size
		}
	}
}

func WithIdleTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) { m.idleTimeout = timeout }
}

func WithPingInterval(interval time.Duration) ManagerOption {
	return func(m *Manager) { m.pingInterval = interval }
}

func WithWriteTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) { m.writeTimeout = timeout }
}

func WithReadLimit(limit int64) ManagerOption {
	return func(m *Manager) { m.readLimit = limit }
}

// WithLatencyTarget is reported to clients in metrics frames.
func WithLatencyTarget(target time.Duration) ManagerOption {
	return func(m *Manager) { m.latencyTarget = target }
}

func WithRegistry(registry *Registry) ManagerOption {
	return func(m *Manager) { m.registry = registry }
}

func NewManager(processor TurnProcessor, authenticator identity.Authenticator, opts ...ManagerOption) *Manager {
	m := &Manager{
		processor:           processor,
		authenticator:       authenticator,
		registry:            NewRegistry(),
		upgrader:            websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		maxAudioBufferBytes: defaultMaxAudioBufferBytes,
		audioChunkBytes:     defaultAudioChunkBytes,
		idleTimeout:         defaultIdleTimeout,
		pingInterval:        defaultPingInterval,
		writeTimeout:        defaultWriteTimeout,
		closeTimeout:        defaultCloseTimeout,
		publishTimeout:      defaultPublishTimeout,
		readLimit:           defaultReadLimit,
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	var err error
	if m.opened, err = meter.Int64Counter("connection.opened",
		metric.WithDescription("Authenticated live connections"),
	); err != nil {
		logger.Warn("failed to create opened counter", "error", err)
	}
	if m.closed, err = meter.Int64Counter("connection.closed",
		metric.WithDescription("Closed live connections by reason"),
	); err != nil {
		logger.Warn("failed to create closed counter", "error", err)
	}
	return m
}

func (m *Manager) Registry() *Registry { return m.registry }

func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if m.draining.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	states := &stateMachine{state: StateConnecting}
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Info("failed to upgrade connection", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(m.readLimit)

	_ = states.transition(StateAuthenticating)
	caller, err := m.authenticate(r)
	if err != nil {
		logger.Info("rejected live connection", "remote_addr", r.RemoteAddr, "error", err)
		m.reject(conn)
		_ = states.transition(StateClosed)
		return
	}
	_ = states.transition(StateActive)

	newSession(m, conn, states, caller, r.RemoteAddr).run(context.WithoutCancel(r.Context()))
}

func (m *Manager) authenticate(r *http.Request) (identity.Identity, error) {
	if m.authenticator == nil {
		return identity.Identity{}, identity.ErrUnauthenticated
	}
	return m.authenticator.Authenticate(r.Context(), identity.BearerCredential(r))
}

func (m *Manager) reject(conn *websocket.Conn) {
	deadline := time.Now().Add(m.writeTimeout)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteJSON(ServerError{Type: TypeError, Code: CodeUnauthenticated, Message: "invalid or missing credential"})
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(CloseUnauthenticated, CodeUnauthenticated), deadline)
}

// Shutdown stops accepting connections, closes the live ones and waits for
// them to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.draining.Store(true)
	closing := m.registry.CloseAll()
	logger.Info("closing live sessions", "count", closing)

	if !m.registry.Wait(ctx) {
		return ctx.Err()
	}
	return nil
}
