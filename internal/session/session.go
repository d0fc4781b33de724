// Package session owns a user's connection lifecycle and presence lease.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"chat-sync/internal/backend"
	"chat-sync/internal/config"
	"chat-sync/internal/models"
	"chat-sync/internal/observability"
	"chat-sync/internal/syncerr"
)

var (
	// ErrLeaseExpired ends a session whose renewals kept failing for a full lease.
	ErrLeaseExpired = errors.New("presence lease expired")
	// ErrSuperseded ends a session after a newer session of the same user took over.
	ErrSuperseded = errors.New("session superseded by a newer epoch")
)

// Manager starts and stops presence sessions.
type Manager struct {
	presence backend.Presence
	cfg      config.SessionConfig
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	epochs map[string]int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock used for epochs and local expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a session manager. Pass nil logger for default.
func NewManager(presence backend.Presence, cfg config.SessionConfig, logger *slog.Logger, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		presence: presence,
		cfg:      cfg,
		logger:   logger.With("component", "session"),
		now:      time.Now,
		epochs:   make(map[string]int64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// nextEpoch is strictly increasing per user in this process and follows the
// wall clock so a restarted process still outranks its previous sessions.
func (m *Manager) nextEpoch(userID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	epoch := m.now().UnixNano()
	if prev := m.epochs[userID]; epoch <= prev {
		epoch = prev + 1
	}
	m.epochs[userID] = epoch
	return epoch
}

// Start opens a session and claims presence for the user. The first presence
// write must not fail with an auth error; transient failures are retried by
// the renewal loop. Cancelling ctx abandons the session without an offline
// write, the way a crashed process would, and the backend lease then expires.
func (m *Manager) Start(ctx context.Context, userID, username string) (*Handle, error) {
	if userID == "" {
		return nil, syncerr.Invalid("user_id", "must not be empty")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		mgr:       m,
		userID:    userID,
		username:  username,
		sessionID: uuid.NewString(),
		epoch:     m.nextEpoch(userID),
		state:     models.PresenceConnecting,
		started:   m.now(),
		done:      make(chan struct{}),
		cancel:    cancel,
	}
	h.logger = m.logger.With("user_id", userID, "session_id", h.sessionID, "epoch", h.epoch)

	if err := h.renew(ctx); err != nil {
		if syncerr.IsAuth(err) || errors.Is(err, syncerr.ErrStaleEpoch) {
			cancel()
			return nil, fmt.Errorf("start session: %w", err)
		}
		h.logger.Warn("initial presence write failed, retrying on renewal", "error", err)
	}

	go h.run(loopCtx)
	return h, nil
}

// Stop ends the session and writes offline presence. Calling it again, or
// after the session already ended, is a no-op.
func (m *Manager) Stop(ctx context.Context, h *Handle) error {
	return h.end(ctx, nil, true)
}

func (m *Manager) write(ctx context.Context, h *Handle, state models.PresenceState) (models.Presence, error) {
	update := models.PresenceUpdate{
		UserID:  h.userID,
		State:   state,
		Epoch:   h.epoch,
		LeaseMS: m.cfg.LeaseDuration.Milliseconds(),
	}
	p, err := m.presence.SetPresence(ctx, update)
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, syncerr.ErrStaleEpoch):
		outcome = "stale"
	case syncerr.IsAuth(err):
		outcome = "auth"
	default:
		outcome = "error"
	}
	observability.ObservePresenceWrite(string(state), outcome)
	return p, err
}

// Handle is one running session. It is passed explicitly to the components
// acting on behalf of the user.
type Handle struct {
	mgr       *Manager
	logger    *slog.Logger
	userID    string
	username  string
	sessionID string
	epoch     int64
	started   time.Time
	cancel    context.CancelFunc

	mu          sync.Mutex
	state       models.PresenceState
	leaseExpiry time.Time
	lastRenewal time.Time
	err         error

	endOnce sync.Once
	done    chan struct{}
}

func (h *Handle) UserID() string    { return h.userID }
func (h *Handle) Username() string  { return h.username }
func (h *Handle) SessionID() string { return h.sessionID }
func (h *Handle) Epoch() int64      { return h.epoch }

// Done is closed when the session ends for any reason.
func (h *Handle) Done() <-chan struct{} { return h.done }

// State returns the local view of the session's presence.
func (h *Handle) State() models.PresenceState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// LeaseExpiry returns the expiry of the last successful renewal.
func (h *Handle) LeaseExpiry() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaseExpiry
}

// Err returns why the session ended. It is nil while running and after a
// graceful stop.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Fail tears the session down after an auth error seen by another component.
func (h *Handle) Fail(ctx context.Context, cause error) {
	if err := h.end(ctx, cause, true); err != nil {
		h.logger.Warn("offline write after failure", "error", err)
	}
}

func (h *Handle) run(ctx context.Context) {
	ticker := time.NewTicker(h.mgr.cfg.RenewalPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.abandon(ctx.Err())
			return
		case <-h.done:
			return
		case <-ticker.C:
		}

		err := h.renew(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			h.abandon(ctx.Err())
			return
		case errors.Is(err, syncerr.ErrStaleEpoch):
			h.logger.Info("session superseded")
			_ = h.end(ctx, fmt.Errorf("%w: %w", ErrSuperseded, err), false)
			return
		case syncerr.IsAuth(err):
			h.logger.Warn("presence renewal unauthorized", "error", err)
			h.Fail(context.WithoutCancel(ctx), err)
			return
		default:
			if h.mgr.now().Sub(h.lastSuccess()) >= h.mgr.cfg.LeaseDuration {
				h.logger.Warn("presence lease expired locally", "error", err)
				if werr := h.end(context.WithoutCancel(ctx), fmt.Errorf("%w: %w", ErrLeaseExpired, err), true); werr != nil {
					h.logger.Warn("offline write after lease expiry", "error", werr)
				}
				return
			}
			h.logger.Debug("presence renewal failed", "error", err)
		}
	}
}

func (h *Handle) renew(ctx context.Context) error {
	p, err := h.mgr.write(ctx, h, models.PresenceOnline)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == models.PresenceOffline {
		return nil
	}
	h.state = models.PresenceOnline
	h.lastRenewal = h.mgr.now()
	h.leaseExpiry = p.LeaseExpiry
	if h.leaseExpiry.IsZero() {
		h.leaseExpiry = h.lastRenewal.Add(h.mgr.cfg.LeaseDuration)
	}
	return nil
}

func (h *Handle) lastSuccess() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastRenewal.IsZero() {
		return h.started
	}
	return h.lastRenewal
}

// abandon ends the session without an offline write.
func (h *Handle) abandon(cause error) {
	_ = h.end(context.Background(), cause, false)
}

// end runs once. Renewals racing with the offline write carry the same epoch
// and are rejected by the backend because offline is final within an epoch.
func (h *Handle) end(ctx context.Context, cause error, writeOffline bool) error {
	var err error
	h.endOnce.Do(func() {
		h.cancel()
		h.mu.Lock()
		h.state = models.PresenceOffline
		h.err = cause
		h.mu.Unlock()

		if writeOffline {
			if d := h.mgr.cfg.RenewalPeriod; d > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d)
				defer cancel()
			}
			if _, werr := h.mgr.write(ctx, h, models.PresenceOffline); werr != nil && !errors.Is(werr, syncerr.ErrStaleEpoch) {
				err = fmt.Errorf("write offline presence: %w", werr)
			}
		}
		h.logger.Info("session ended", "offline_written", writeOffline && err == nil, "cause", cause)
		close(h.done)
	})
	return err
}
