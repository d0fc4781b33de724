// Package backend declares the message log and presence collaborators the
// synchronization core talks to.
package backend

import (
	"context"

	"chat-sync/internal/models"
)

// MessageLog is the backend message log service.
type MessageLog interface {
	// Append stores a message. Re-appending the same idempotency key with the
	// same payload returns the original ack.
	Append(ctx context.Context, req models.AppendRequest) (models.Ack, error)
	// SubscribeDeltas opens a stream of batches with seq greater than cursor.
	SubscribeDeltas(ctx context.Context, roomID string, cursor models.Cursor) (DeltaStream, error)
	// History returns the newest limit messages ordered before the given
	// position, oldest first. A zero position starts from the newest message.
	History(ctx context.Context, roomID string, before models.Position, limit int) (models.Page, error)
	// React changes one reaction counter and returns the new snapshot.
	React(ctx context.Context, roomID, messageID, kind string, delta int) (models.Message, error)
}

// DeltaStream is one live connection to a room's delta feed.
type DeltaStream interface {
	// Recv blocks for the next batch. A closed stream returns io.EOF or a
	// transient error.
	Recv(ctx context.Context) (models.Batch, error)
	Close() error
}

// Presence stores presence leases.
type Presence interface {
	SetPresence(ctx context.Context, update models.PresenceUpdate) (models.Presence, error)
	GetPresence(ctx context.Context, userID string) (models.Presence, error)
}

// Backend bundles both collaborators.
type Backend interface {
	MessageLog
	Presence
}
