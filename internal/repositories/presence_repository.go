package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"chat-sync/internal/models"
	"chat-sync/internal/syncerr"
)

var ErrPresenceNotFound = errors.New("presence not found")

const presenceColumns = `user_id, state, epoch, lease_expiry, updated_at`

// PresenceRepository stores one presence lease per user.
type PresenceRepository interface {
	// Upsert writes the update unless the stored row belongs to a newer epoch
	// or is further along in the same epoch, in which case it returns the
	// stored row and syncerr.ErrStaleEpoch.
	Upsert(ctx context.Context, p models.Presence) (models.Presence, error)
	Get(ctx context.Context, userID string) (models.Presence, error)
	// ExpireLeases flips online rows whose lease ended at or before now.
	ExpireLeases(ctx context.Context, now time.Time) ([]models.Presence, error)
}

// PresenceRepo is a sqlx-backed repository.
type PresenceRepo struct {
	db *sqlx.DB
}

// NewPresenceRepo constructs PresenceRepo.
func NewPresenceRepo(db *sqlx.DB) *PresenceRepo {
	return &PresenceRepo{db: db}
}

const stateRank = `CASE %s WHEN 'connecting' THEN 0 WHEN 'online' THEN 1 ELSE 2 END`

// Upsert applies the epoch guard in the conflict clause so concurrent writers
// cannot interleave between check and write.
func (r *PresenceRepo) Upsert(ctx context.Context, p models.Presence) (models.Presence, error) {
	query := fmt.Sprintf(`INSERT INTO presence (user_id, state, epoch, lease_expiry, updated_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (user_id) DO UPDATE SET
            state = EXCLUDED.state,
            epoch = EXCLUDED.epoch,
            lease_expiry = EXCLUDED.lease_expiry,
            updated_at = EXCLUDED.updated_at
        WHERE presence.epoch < EXCLUDED.epoch
            OR (presence.epoch = EXCLUDED.epoch AND %s >= %s)
        RETURNING `+presenceColumns,
		fmt.Sprintf(stateRank, "EXCLUDED.state"), fmt.Sprintf(stateRank, "presence.state"))

	var stored models.Presence
	err := r.db.GetContext(ctx, &stored, query, p.UserID, p.State, p.Epoch, p.LeaseExpiry, p.UpdatedAt)
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Presence{}, fmt.Errorf("upsert presence: %w", err)
	}

	current, err := r.Get(ctx, p.UserID)
	if err != nil {
		return models.Presence{}, err
	}
	return current, fmt.Errorf("presence %s at epoch %d: %w", p.UserID, p.Epoch, syncerr.ErrStaleEpoch)
}

// Get returns the stored row.
func (r *PresenceRepo) Get(ctx context.Context, userID string) (models.Presence, error) {
	var p models.Presence
	err := r.db.GetContext(ctx, &p, `SELECT `+presenceColumns+` FROM presence WHERE user_id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Presence{}, ErrPresenceNotFound
	}
	return p, err
}

// ExpireLeases marks expired online rows offline. The epoch is kept, so a late
// renewal of the same session cannot bring the user back.
func (r *PresenceRepo) ExpireLeases(ctx context.Context, now time.Time) ([]models.Presence, error) {
	expired := []models.Presence{}
	err := r.db.SelectContext(ctx, &expired, `UPDATE presence SET state='offline', updated_at=$1
        WHERE state='online' AND lease_expiry <= $1
        RETURNING `+presenceColumns, now)
	return expired, err
}
