package memory

import (
	"context"
	"fmt"

	"chat-sync/internal/models"
	"chat-sync/internal/syncerr"
)

// SetPresence implements backend.Presence. Writes tagged with an epoch older
// than the stored one, or moving backwards within an epoch, are rejected with
// syncerr.ErrStaleEpoch.
func (l *Log) SetPresence(ctx context.Context, update models.PresenceUpdate) (models.Presence, error) {
	if err := ctx.Err(); err != nil {
		return models.Presence{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check("set presence"); err != nil {
		return models.Presence{}, err
	}

	now := l.now()
	stored, ok := l.presence[update.UserID]
	if ok && !stored.Allows(update) {
		return stored, fmt.Errorf("set presence %s %s at epoch %d over %s at %d: %w",
			update.UserID, update.State, update.Epoch, stored.State, stored.Epoch, syncerr.ErrStaleEpoch)
	}

	next := models.Presence{
		UserID:    update.UserID,
		State:     update.State,
		Epoch:     update.Epoch,
		UpdatedAt: now,
	}
	if update.State == models.PresenceOnline {
		next.LeaseExpiry = now.Add(update.Lease())
	}
	l.presence[update.UserID] = next
	return next, nil
}

// GetPresence implements backend.Presence.
func (l *Log) GetPresence(ctx context.Context, userID string) (models.Presence, error) {
	if err := ctx.Err(); err != nil {
		return models.Presence{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check("get presence"); err != nil {
		return models.Presence{}, err
	}
	p, ok := l.presence[userID]
	if !ok {
		return models.Presence{UserID: userID, State: models.PresenceOffline}, nil
	}
	p.State = p.Effective(l.now())
	return p, nil
}
