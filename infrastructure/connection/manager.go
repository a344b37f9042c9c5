// Package connection owns the state machine for the link to the remote
// billing service, including reconnection with exponential backoff.
package connection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/felixgeelhaar/billingkit/domain"
)

// State is the connection state to the billing service.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	default:
		return "disconnected"
	}
}

// Production backoff tuning: start a second out, never wait longer than
// fifteen minutes between attempts.
const (
	DefaultBackoffFloor = time.Second
	DefaultBackoffCap   = 15 * time.Minute
)

// Config configures a Manager.
type Config struct {
	Service domain.BillingService

	// OnReady is invoked after every successful connection, off the caller's
	// goroutine.
	OnReady func()

	// OnError is invoked with domain.ErrorConnectionSetupFailed when a setup
	// attempt fails. The failure is recoverable; a reconnect is already
	// scheduled when it fires. Optional.
	OnError func(code int, err error)

	// BackoffFloor and BackoffCap bound the reconnect delay. Zero values use
	// the defaults.
	BackoffFloor time.Duration
	BackoffCap   time.Duration

	Logger *slog.Logger
}

// Manager drives Disconnected -> Connecting -> Ready and schedules reconnect
// attempts with exponential backoff on setup failure or connection loss. At
// most one reconnect attempt is in flight at a time.
type Manager struct {
	svc     domain.BillingService
	onReady func()
	onError func(code int, err error)
	floor   time.Duration
	cap     time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	state    State
	delay    time.Duration
	timer    *time.Timer
	released bool
}

// NewManager creates a manager in the Disconnected state.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	floor := cfg.BackoffFloor
	if floor <= 0 {
		floor = DefaultBackoffFloor
	}
	maxDelay := cfg.BackoffCap
	if maxDelay <= 0 {
		maxDelay = DefaultBackoffCap
	}
	return &Manager{
		svc:     cfg.Service,
		onReady: cfg.OnReady,
		onError: cfg.OnError,
		floor:   floor,
		cap:     maxDelay,
		logger:  logger,
		state:   StateDisconnected,
		delay:   floor,
	}
}

// Connect starts a connection attempt unless one is already in flight or the
// connection is already Ready. It returns immediately; readiness is signaled
// through OnReady.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()
	if m.released || m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	m.mu.Unlock()

	go m.attempt(ctx)
}

// IsReady reports whether the connection is established. Cheap and
// side-effect free.
func (m *Manager) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateReady
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Release tears down the connection and cancels any pending reconnect. Safe
// to call repeatedly and before ever connecting.
func (m *Manager) Release() {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return
	}
	m.released = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	wasConnected := m.state == StateReady
	m.state = StateDisconnected
	m.mu.Unlock()

	if wasConnected {
		if err := m.svc.Disconnect(); err != nil {
			m.logger.Warn("error disconnecting from billing service", "error", err)
		}
	}
}

func (m *Manager) attempt(ctx context.Context) {
	err := m.svc.Connect(ctx, func() { m.handleConnectionLost(ctx) })

	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return
	}
	if err != nil {
		m.state = StateDisconnected
		delay := m.delay
		m.scheduleReconnectLocked(ctx)
		m.mu.Unlock()

		m.logger.Warn("billing service connection failed",
			"retry_in", delay,
			"error", err,
		)
		if m.onError != nil {
			m.onError(domain.ErrorConnectionSetupFailed, err)
		}
		return
	}

	m.state = StateReady
	m.delay = m.floor
	m.mu.Unlock()

	m.logger.Info("billing service connection ready")
	if m.onReady != nil {
		m.onReady()
	}
}

func (m *Manager) handleConnectionLost(ctx context.Context) {
	m.mu.Lock()
	if m.released || m.state != StateReady {
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	delay := m.delay
	m.scheduleReconnectLocked(ctx)
	m.mu.Unlock()

	m.logger.Warn("billing service connection lost", "retry_in", delay)
}

// scheduleReconnectLocked arms the single reconnect timer with the current
// delay, then doubles it up to the cap. Callers must hold m.mu.
func (m *Manager) scheduleReconnectLocked(ctx context.Context) {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.delay, func() {
		m.mu.Lock()
		if m.released || m.state != StateDisconnected {
			m.mu.Unlock()
			return
		}
		m.state = StateConnecting
		m.mu.Unlock()

		m.attempt(ctx)
	})

	m.delay *= 2
	if m.delay > m.cap {
		m.delay = m.cap
	}
}
