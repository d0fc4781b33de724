package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"chat-sync/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

const messageColumns = `id, room_id, idempotency_key, author_id, author_username, content, reply_to, reactions, created_at, seq`

// MessageRepository is the append-only room message log.
type MessageRepository interface {
	// Insert stores msg unless its idempotency key already exists in the room.
	// It returns the stored row and whether it was created by this call.
	Insert(ctx context.Context, msg models.Message) (models.Message, bool, error)
	Get(ctx context.Context, roomID, messageID string) (models.Message, error)
	// After returns up to limit rows with seq greater than cursor, ascending.
	After(ctx context.Context, roomID string, cursor models.Cursor, limit int) ([]models.Message, error)
	// Before returns up to limit rows ordered before pos, oldest first. A zero
	// position reads from the newest row.
	Before(ctx context.Context, roomID string, pos models.Position, limit int) ([]models.Message, error)
	// Head returns the highest seq of the room.
	Head(ctx context.Context, roomID string) (models.Cursor, error)
	// UpdateReactions applies a counter change and moves the row to a new seq.
	UpdateReactions(ctx context.Context, roomID, messageID, kind string, delta int) (models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// Insert stores a message once per (room, idempotency key).
func (r *MessageRepo) Insert(ctx context.Context, msg models.Message) (models.Message, bool, error) {
	var stored models.Message
	err := r.db.GetContext(ctx, &stored, `INSERT INTO room_messages (id, room_id, idempotency_key, author_id, author_username, content, reply_to, reactions, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (room_id, idempotency_key) DO NOTHING
        RETURNING `+messageColumns,
		msg.ID, msg.RoomID, msg.IdempotencyKey, msg.AuthorID, msg.AuthorUsername, msg.Content, msg.ReplyTo, msg.Reactions, msg.CreatedAt)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, false, fmt.Errorf("insert message: %w", err)
	}

	err = r.db.GetContext(ctx, &stored, `SELECT `+messageColumns+` FROM room_messages WHERE room_id=$1 AND idempotency_key=$2`, msg.RoomID, msg.IdempotencyKey)
	if err != nil {
		return models.Message{}, false, fmt.Errorf("load existing message: %w", err)
	}
	return stored, false, nil
}

// Get retrieves a single message.
func (r *MessageRepo) Get(ctx context.Context, roomID, messageID string) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM room_messages WHERE room_id=$1 AND id=$2`, roomID, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// After returns the rows changed since cursor.
func (r *MessageRepo) After(ctx context.Context, roomID string, cursor models.Cursor, limit int) ([]models.Message, error) {
	msgs := []models.Message{}
	err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+`
        FROM room_messages
        WHERE room_id=$1 AND seq > $2
        ORDER BY seq ASC
        LIMIT $3`, roomID, int64(cursor), limit)
	return msgs, err
}

// Before returns a history page ending just before pos.
func (r *MessageRepo) Before(ctx context.Context, roomID string, pos models.Position, limit int) ([]models.Message, error) {
	msgs := []models.Message{}
	var err error
	if pos.IsZero() {
		err = r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+`
            FROM room_messages
            WHERE room_id=$1
            ORDER BY created_at DESC, id DESC
            LIMIT $2`, roomID, limit)
	} else {
		err = r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+`
            FROM room_messages
            WHERE room_id=$1 AND (created_at, id) < ($2, $3)
            ORDER BY created_at DESC, id DESC
            LIMIT $4`, roomID, pos.CreatedAt, pos.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Head returns the newest seq of a room, or zero.
func (r *MessageRepo) Head(ctx context.Context, roomID string) (models.Cursor, error) {
	var head int64
	err := r.db.GetContext(ctx, &head, `SELECT COALESCE(MAX(seq), 0) FROM room_messages WHERE room_id=$1`, roomID)
	return models.Cursor(head), err
}

// UpdateReactions changes one counter inside a transaction.
func (r *MessageRepo) UpdateReactions(ctx context.Context, roomID, messageID, kind string, delta int) (models.Message, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, err
	}
	defer tx.Rollback()

	var msg models.Message
	err = tx.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM room_messages WHERE room_id=$1 AND id=$2 FOR UPDATE`, roomID, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}

	reactions := msg.Reactions.Apply(kind, delta)
	err = tx.GetContext(ctx, &msg, `UPDATE room_messages SET reactions=$1, seq=nextval('room_log_seq')
        WHERE room_id=$2 AND id=$3
        RETURNING `+messageColumns, reactions, roomID, messageID)
	if err != nil {
		return models.Message{}, err
	}
	return msg, tx.Commit()
}
