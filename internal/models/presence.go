package models

import "time"

// PresenceState is the connection state of a user.
type PresenceState string

const (
	PresenceConnecting PresenceState = "connecting"
	PresenceOnline     PresenceState = "online"
	PresenceOffline    PresenceState = "offline"
)

// Presence is the stored presence lease of a user.
type Presence struct {
	UserID      string        `db:"user_id" json:"user_id"`
	State       PresenceState `db:"state" json:"state"`
	Epoch       int64         `db:"epoch" json:"epoch"`
	LeaseExpiry time.Time     `db:"lease_expiry" json:"lease_expiry"`
	UpdatedAt   time.Time     `db:"updated_at" json:"updated_at"`
}

// Effective returns the state an observer should see at now. An online
// lease that has expired reads as offline.
func (p Presence) Effective(now time.Time) PresenceState {
	if p.State == PresenceOnline && !p.LeaseExpiry.After(now) {
		return PresenceOffline
	}
	if p.State == "" {
		return PresenceOffline
	}
	return p.State
}

// rank orders states within one epoch: connecting, then online, then offline.
func (s PresenceState) rank() int {
	switch s {
	case PresenceConnecting:
		return 0
	case PresenceOnline:
		return 1
	default:
		return 2
	}
}

// Allows reports whether update may replace p. Newer epochs always win; within
// an epoch the state only moves forward, so an offline write is final.
func (p Presence) Allows(update PresenceUpdate) bool {
	if update.Epoch != p.Epoch {
		return update.Epoch > p.Epoch
	}
	return update.State.rank() >= p.State.rank()
}

// PresenceUpdate is a presence write tagged with the session epoch that produced it.
type PresenceUpdate struct {
	UserID  string        `json:"user_id"`
	State   PresenceState `json:"state" binding:"required"`
	Epoch   int64         `json:"epoch" binding:"required"`
	LeaseMS int64         `json:"lease_ms"`
}

// Lease returns the requested lease length.
func (u PresenceUpdate) Lease() time.Duration {
	return time.Duration(u.LeaseMS) * time.Millisecond
}

// PresenceEvent is published when a user's effective presence changes.
type PresenceEvent struct {
	Type     string   `json:"type"`
	Presence Presence `json:"presence"`
}
