package models

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Local reports whether the status only exists in the originating session.
func (s Status) Local() bool {
	return s == StatusPending || s == StatusFailed
}

// Message represents a chat message in a room.
type Message struct {
	ID             string    `db:"id" json:"id"`
	IdempotencyKey string    `db:"idempotency_key" json:"idempotency_key"`
	RoomID         string    `db:"room_id" json:"room_id"`
	AuthorID       string    `db:"author_id" json:"author_id"`
	AuthorUsername string    `db:"author_username" json:"author_username"`
	Content        string    `db:"content" json:"content"`
	ReplyTo        string    `db:"reply_to" json:"reply_to,omitempty"`
	Reactions      Reactions `db:"reactions" json:"reactions,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	Seq            int64     `db:"seq" json:"seq"`
	Status         Status    `db:"-" json:"status"`

	// Origin is the session that materialized a provisional entry.
	Origin string `db:"-" json:"-"`
}

// Key returns the identity used to merge deltas for the message.
func (m Message) Key() string {
	if m.IdempotencyKey != "" {
		return m.IdempotencyKey
	}
	return m.ID
}

// Position returns the ordering position of the message.
func (m Message) Position() Position {
	return Position{CreatedAt: m.CreatedAt, ID: m.ID}
}

// Clone returns a copy that shares no mutable state with m.
func (m Message) Clone() Message {
	m.Reactions = m.Reactions.Clone()
	return m
}

// Position orders messages by (createdAt, id).
type Position struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
}

// Less reports whether p sorts before other.
func (p Position) Less(other Position) bool {
	if !p.CreatedAt.Equal(other.CreatedAt) {
		return p.CreatedAt.Before(other.CreatedAt)
	}
	return strings.Compare(p.ID, other.ID) < 0
}

// IsZero reports whether p is unset. A zero position bounds nothing.
func (p Position) IsZero() bool {
	return p.CreatedAt.IsZero() && p.ID == ""
}

// Cursor marks the last applied log sequence of a room.
type Cursor int64

// Delta carries one message snapshot for a room.
type Delta struct {
	RoomID  string  `json:"room_id"`
	Message Message `json:"message"`
}

// Batch is a group of deltas delivered together, ordered by seq.
type Batch struct {
	RoomID string  `json:"room_id"`
	Cursor Cursor  `json:"cursor"`
	Deltas []Delta `json:"deltas"`
}

// BatchOf builds a batch from confirmed message snapshots.
func BatchOf(roomID string, msgs []Message) Batch {
	batch := Batch{RoomID: roomID, Deltas: make([]Delta, 0, len(msgs))}
	for _, m := range msgs {
		m.Status = StatusConfirmed
		batch.Deltas = append(batch.Deltas, Delta{RoomID: roomID, Message: m})
		if Cursor(m.Seq) > batch.Cursor {
			batch.Cursor = Cursor(m.Seq)
		}
	}
	return batch
}

// Page is one page of history. Cursor is the log head at read time: every
// mutation at or below it is reflected in Messages, so a stream resumed from
// Cursor misses nothing newer.
type Page struct {
	RoomID   string    `json:"room_id"`
	Messages []Message `json:"messages"`
	Cursor   Cursor    `json:"cursor"`
	HasMore  bool      `json:"has_more"`
}

// Batch converts the page into a batch that does not move a room cursor.
func (p Page) Batch() Batch {
	b := BatchOf(p.RoomID, p.Messages)
	b.Cursor = 0
	return b
}

// AppendRequest is submitted to the message log for a new message.
type AppendRequest struct {
	IdempotencyKey string    `json:"idempotency_key"`
	RoomID         string    `json:"room_id"`
	AuthorID       string    `json:"author_id"`
	AuthorUsername string    `json:"author_username"`
	Content        string    `json:"content"`
	ReplyTo        string    `json:"reply_to,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// OrderingTime returns the timestamp a new message is stored with: the
// sender's clock at microsecond precision, or now when the request has none.
func (r AppendRequest) OrderingTime(now time.Time) time.Time {
	if r.CreatedAt.IsZero() {
		return now.UTC().Truncate(time.Microsecond)
	}
	return r.CreatedAt.UTC().Truncate(time.Microsecond)
}

// SamePayload reports whether msg was appended from an equivalent request.
func (r AppendRequest) SamePayload(msg Message) bool {
	return r.AuthorID == msg.AuthorID && r.Content == msg.Content && r.ReplyTo == msg.ReplyTo
}

// Ack is returned by the message log once an append is durable. CreatedAt is
// the stored ordering timestamp, ServerTimestamp the time the server answered.
// Seq is the current log position of the message, which later mutations may
// already have moved past the append.
type Ack struct {
	ID              string    `json:"id"`
	CreatedAt       time.Time `json:"created_at"`
	ServerTimestamp time.Time `json:"server_timestamp"`
	Seq             int64     `json:"seq"`
}

// ReactionRequest changes one reaction counter on a message.
type ReactionRequest struct {
	Kind  string `json:"kind" binding:"required"`
	Delta int    `json:"delta"`
}
