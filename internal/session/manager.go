package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/goodtune/numcheck/internal/metrics"
	"github.com/goodtune/numcheck/internal/storage"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxReconnectAttempts = 8
	DefaultReconnectDelay       = 2 * time.Second
	DefaultMaxReconnectDelay    = 2 * time.Minute
	DefaultLookupTimeout        = 15 * time.Second
)

// Config holds the connect and reconnect policy
type Config struct {
	MaxReconnectAttempts uint
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	LookupTimeout        time.Duration
}

// Manager owns the single shared session to the messaging network.
//
// State, the pairing challenge and the live connection are only mutated by
// the event loop of the current connection (and by Start/Stop). Events from
// a superseded connection are dropped by generation.
type Manager struct {
	dialer   Dialer
	creds    storage.CredentialStore
	alerts   Alerter
	observer func(challenge string)
	cfg      Config
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.RWMutex
	state       State
	challenge   string
	conn        Conn
	generation  uint64
	running     bool
	stopping    bool
	invalidated bool
	gaveUp      bool
	changed     chan struct{}
	// wiping is closed once an in-flight credential wipe has finished
	wiping chan struct{}
}

// NewManager creates a connection manager. Nothing is dialed until Start.
func NewManager(dialer Dialer, creds storage.CredentialStore, alerts Alerter, config Config, logger zerolog.Logger) *Manager {
	if config.MaxReconnectAttempts == 0 {
		config.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = DefaultReconnectDelay
	}
	if config.MaxReconnectDelay == 0 {
		config.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
	if config.LookupTimeout == 0 {
		config.LookupTimeout = DefaultLookupTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		dialer:  dialer,
		creds:   creds,
		alerts:  alerts,
		cfg:     config,
		logger:  logger.With().Str("component", "session").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		state:   StateLoading,
		changed: make(chan struct{}),
	}
	metrics.SetConnectionState(string(StateLoading), allStates...)
	return m
}

// OnChallenge registers a function called with every new pairing challenge.
// It must be set before Start.
func (m *Manager) OnChallenge(fn func(challenge string)) {
	m.observer = fn
}

// Start opens the session. It is a no-op while a session is live or being
// established. After the remote rejected the credentials it begins a fresh
// pairing flow, once the credential wipe has finished. Connecting uses the
// reconnect policy; an error is returned once it gives up or ctx ends.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	for m.wiping != nil {
		wiping := m.wiping
		m.mu.Unlock()
		select {
		case <-wiping:
		case <-ctx.Done():
			return ctx.Err()
		}
		m.mu.Lock()
	}
	if m.stopping {
		m.mu.Unlock()
		return errStopped
	}
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.invalidated = false
	m.gaveUp = false
	m.challenge = ""
	m.setStateLocked(StateLoading)
	m.mu.Unlock()

	m.logger.Info().Msg("Starting session")

	if err := m.connect(ctx); err != nil {
		if errors.Is(err, errStopped) {
			return err
		}
		if ctx.Err() != nil || m.ctx.Err() != nil {
			// Abandoned by the caller, not exhausted
			m.mu.Lock()
			m.running = false
			m.setStateLocked(StateDisconnected)
			m.mu.Unlock()
			return fmt.Errorf("connect session: %w", err)
		}
		m.giveUp(err)
		return fmt.Errorf("connect session: %w", err)
	}
	return nil
}

// Stop closes the live connection and waits for background work to end.
// No reconnect happens after Stop.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopping = true
	conn := m.conn
	m.mu.Unlock()

	m.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	m.wg.Wait()
	m.logger.Info().Msg("Session stopped")
}

// Status returns the current state of the session.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		State:           m.state,
		Challenge:       m.challenge,
		Invalidated:     m.invalidated,
		ReconnectGaveUp: m.gaveUp,
	}
}

// State returns the connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// PairingChallenge returns the live pairing challenge, if any.
func (m *Manager) PairingChallenge() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.challenge, m.challenge != ""
}

// Changed returns a channel that is closed on the next status change.
func (m *Manager) Changed() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.changed
}

// Lookup asks the remote whether number is registered. It fails fast with
// ErrConnectionUnavailable unless the session is connected.
func (m *Manager) Lookup(ctx context.Context, number string) (bool, error) {
	m.mu.RLock()
	state, conn := m.state, m.conn
	m.mu.RUnlock()

	if state != StateConnected || conn == nil {
		return false, ErrConnectionUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.LookupTimeout)
	defer cancel()

	start := time.Now()
	exists, err := conn.Lookup(ctx, number)
	metrics.LookupDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, ErrConnectionUnavailable) {
			return false, err
		}
		return false, fmt.Errorf("%w: %v", ErrRemoteLookupFailed, err)
	}
	return exists, nil
}

// connect dials with bounded attempts and exponential backoff. Credentials
// are reloaded before each attempt so a rotation is never missed.
func (m *Manager) connect(ctx context.Context) error {
	return retry.Do(
		func() error { return m.dialOnce(ctx) },
		retry.Context(ctx),
		retry.Attempts(m.cfg.MaxReconnectAttempts),
		retry.Delay(m.cfg.ReconnectDelay),
		retry.MaxDelay(m.cfg.MaxReconnectDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, errStopped)
		}),
		retry.OnRetry(func(n uint, err error) {
			metrics.ReconnectAttempts.Inc()
			m.logger.Warn().
				Err(err).
				Uint("attempt", n+1).
				Uint("max_attempts", m.cfg.MaxReconnectAttempts).
				Msg("Session connect attempt failed")
		}),
	)
}

func (m *Manager) dialOnce(ctx context.Context) error {
	if m.ctx.Err() != nil {
		return errStopped
	}

	creds, err := m.creds.Load(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		m.logger.Info().Msg("No stored credentials, pairing required")
		creds = nil
	} else if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}

	conn, err := m.dialer.Dial(ctx, creds)
	if err != nil {
		return err
	}

	return m.attach(conn)
}

func (m *Manager) attach(conn Conn) error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		_ = conn.Close()
		return errStopped
	}
	m.generation++
	gen := m.generation
	m.conn = conn
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(gen, conn)
	return nil
}

// run is the event loop of one connection
func (m *Manager) run(gen uint64, conn Conn) {
	defer m.wg.Done()

	for ev := range conn.Events() {
		if closed := m.handle(gen, conn, ev); closed {
			return
		}
	}

	// Channel ended without a close event
	m.handle(gen, conn, Event{Kind: EventClose, Reason: ReasonConnectionLost})
}

// handle applies one event and reports whether the connection is finished
func (m *Manager) handle(gen uint64, conn Conn, ev Event) bool {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		if ev.Ack != nil {
			ev.Ack(errStopped)
		}
		m.logger.Debug().Uint64("generation", gen).Msg("Dropping event from superseded connection")
		return ev.Kind == EventClose
	}

	switch ev.Kind {
	case EventChallenge:
		m.challenge = ev.Challenge
		m.setStateLocked(StateDisconnected)
		observer := m.observer
		m.mu.Unlock()

		metrics.PairingChallenges.Inc()
		m.logger.Info().Msg("Pairing challenge received, scan the QR code to link the session")
		if observer != nil {
			observer(ev.Challenge)
		}
		return false

	case EventOpen:
		m.challenge = ""
		m.gaveUp = false
		m.setStateLocked(StateConnected)
		m.mu.Unlock()

		m.logger.Info().Msg("Session connected")
		return false

	case EventCredentials:
		m.mu.Unlock()
		m.persistCredentials(ev)
		return false

	case EventClose:
		m.challenge = ""
		m.conn = nil
		m.setStateLocked(StateDisconnected)

		switch {
		case ev.Reason.AuthRejected():
			m.invalidated = true
			m.running = false
			wiping := make(chan struct{})
			m.wiping = wiping
			m.mu.Unlock()
			_ = conn.Close()
			m.invalidate(ev.Reason, wiping)

		case m.stopping:
			m.running = false
			m.mu.Unlock()
			_ = conn.Close()

		default:
			m.mu.Unlock()
			_ = conn.Close()
			m.logger.Warn().
				Str("reason", ev.Reason.String()).
				Msg("Session closed, reconnecting")
			m.wg.Add(1)
			go m.reconnect()
		}
		return true

	default:
		m.mu.Unlock()
		m.logger.Warn().Int("kind", int(ev.Kind)).Msg("Ignoring unknown session event")
		return false
	}
}

// persistCredentials stores a rotated credential blob before acknowledging it
func (m *Manager) persistCredentials(ev Event) {
	saved, err := m.creds.Save(context.Background(), ev.Credentials)
	if ev.Ack != nil {
		ev.Ack(err)
	}
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to persist session credentials")
		return
	}

	metrics.CredentialRotations.Inc()
	m.logger.Debug().Int64("version", saved.Version).Msg("Session credentials persisted")
}

// invalidate wipes credentials after the remote rejected them. Start waits
// on wiping until the wipe is done.
func (m *Manager) invalidate(reason CloseReason, wiping chan struct{}) {
	metrics.SessionInvalidations.Inc()
	m.logger.Error().
		Err(ErrSessionInvalidated).
		Str("reason", reason.String()).
		Msg("Session rejected by remote, credentials wiped; re-pairing required")

	if err := m.creds.Delete(context.Background()); err != nil {
		m.logger.Error().Err(err).Msg("Failed to wipe session credentials")
	}

	m.mu.Lock()
	m.wiping = nil
	close(wiping)
	m.mu.Unlock()

	m.alert("session invalidated",
		fmt.Sprintf("The messaging network rejected the stored session (%s). Credentials were wiped; start a new pairing.", reason))
}

func (m *Manager) reconnect() {
	defer m.wg.Done()

	select {
	case <-time.After(m.cfg.ReconnectDelay):
	case <-m.ctx.Done():
		return
	}

	if err := m.connect(m.ctx); err != nil {
		if m.ctx.Err() != nil || errors.Is(err, errStopped) {
			return
		}
		m.giveUp(err)
	}
}

// giveUp leaves the manager disconnected once the reconnect policy is exhausted
func (m *Manager) giveUp(err error) {
	m.mu.Lock()
	m.running = false
	m.gaveUp = true
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	metrics.ReconnectGiveUps.Inc()
	m.logger.Error().
		Err(err).
		Uint("attempts", m.cfg.MaxReconnectAttempts).
		Msg("Giving up on session reconnect")

	m.alert("reconnect gave up",
		fmt.Sprintf("Could not reach the messaging network after %d attempts: %v", m.cfg.MaxReconnectAttempts, err))
}

func (m *Manager) alert(subject, message string) {
	if m.alerts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.alerts.Alert(ctx, subject, message); err != nil {
		m.logger.Error().Err(err).Str("subject", subject).Msg("Failed to deliver operator alert")
	}
}

// setStateLocked must be called with mu held
func (m *Manager) setStateLocked(state State) {
	m.state = state
	metrics.SetConnectionState(string(state), allStates...)
	close(m.changed)
	m.changed = make(chan struct{})
}
