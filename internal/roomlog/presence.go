package roomlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chat-sync/internal/models"
	"chat-sync/internal/observability"
	"chat-sync/internal/repositories"
	"chat-sync/internal/syncerr"
	"chat-sync/internal/telemetry"
)

const maxLease = 10 * time.Minute

// PresenceService stores presence leases and expires them.
type PresenceService struct {
	repo   repositories.PresenceRepository
	audit  *telemetry.AuditEmitter
	logger *slog.Logger
	now    func() time.Time
}

// PresenceOption configures a PresenceService.
type PresenceOption func(*PresenceService)

// WithPresenceClock overrides the server clock.
func WithPresenceClock(now func() time.Time) PresenceOption {
	return func(s *PresenceService) { s.now = now }
}

// WithAudit records offline transitions through emitter.
func WithAudit(emitter *telemetry.AuditEmitter) PresenceOption {
	return func(s *PresenceService) { s.audit = emitter }
}

// NewPresenceService builds a PresenceService.
func NewPresenceService(repo repositories.PresenceRepository, logger *slog.Logger, opts ...PresenceOption) *PresenceService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PresenceService{
		repo:   repo,
		logger: logger.With("component", "presence"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func validatePresence(u models.PresenceUpdate) error {
	switch u.State {
	case models.PresenceConnecting, models.PresenceOnline, models.PresenceOffline:
	default:
		return syncerr.Invalid("state", fmt.Sprintf("unknown state %q", u.State))
	}
	if u.Epoch <= 0 {
		return syncerr.Invalid("epoch", "must be positive")
	}
	if u.State == models.PresenceOnline && (u.Lease() <= 0 || u.Lease() > maxLease) {
		return syncerr.Invalid("lease_ms", "online requires a lease up to 10m")
	}
	return nil
}

// Set writes a presence update for the session epoch it carries. Writes from
// an older epoch return the stored row with syncerr.ErrStaleEpoch.
func (s *PresenceService) Set(ctx context.Context, update models.PresenceUpdate) (models.Presence, error) {
	if err := validatePresence(update); err != nil {
		return models.Presence{}, err
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	p := models.Presence{
		UserID:    update.UserID,
		State:     update.State,
		Epoch:     update.Epoch,
		UpdatedAt: now,
	}
	if update.State == models.PresenceOnline {
		p.LeaseExpiry = now.Add(update.Lease())
	}

	stored, err := s.repo.Upsert(ctx, p)
	if errors.Is(err, syncerr.ErrStaleEpoch) {
		s.logger.Debug("stale presence write", "user_id", update.UserID, "epoch", update.Epoch, "stored_epoch", stored.Epoch)
		return stored, err
	}
	if err != nil {
		return models.Presence{}, fmt.Errorf("set presence for %s: %w", update.UserID, err)
	}

	s.publish(ctx, "presence_"+string(stored.State), stored)
	return stored, nil
}

// Get returns the effective presence of a user. Unknown users read offline.
func (s *PresenceService) Get(ctx context.Context, userID string) (models.Presence, error) {
	p, err := s.repo.Get(ctx, userID)
	if errors.Is(err, repositories.ErrPresenceNotFound) {
		return models.Presence{UserID: userID, State: models.PresenceOffline}, nil
	}
	if err != nil {
		return models.Presence{}, fmt.Errorf("get presence for %s: %w", userID, err)
	}
	p.State = p.Effective(s.now())
	return p, nil
}

// Sweep flips expired online leases offline and returns how many changed.
func (s *PresenceService) Sweep(ctx context.Context) (int, error) {
	expired, err := s.repo.ExpireLeases(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("expire leases: %w", err)
	}
	for _, p := range expired {
		s.publish(ctx, "presence_expired", p)
	}
	observability.AddPresenceExpired(len(expired))
	return len(expired), nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *PresenceService) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Error("presence sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("presence leases expired", "count", n)
			}
		}
	}
}

func (s *PresenceService) publish(ctx context.Context, event string, p models.Presence) {
	if err := observability.PublishEvent(ctx, observability.PresenceRoutingKey(p.State), observability.PresenceEvent(event, p), nil); err != nil {
		s.logger.Warn("publish presence event failed", "user_id", p.UserID, "error", err)
	}
	if p.State == models.PresenceOffline && s.audit != nil {
		user := p.UserID
		s.audit.Emit(ctx, "INFO", event, "", &user)
	}
}
