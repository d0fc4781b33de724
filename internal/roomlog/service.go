// Package roomlog serializes mutations of each room, persists them, and fans
// the committed snapshots out to live subscribers.
package roomlog

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"chat-sync/internal/models"
	"chat-sync/internal/observability"
	"chat-sync/internal/repositories"
	"chat-sync/internal/syncerr"
)

const (
	backlogPageSize = 500
	maxDeltaLimit   = 1000
	maxHistoryLimit = 200
)

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrSlowSubscriber  = errors.New("subscriber cannot keep up")
)

// Subscriber receives committed batches for one room.
type Subscriber interface {
	// Deliver queues batch without blocking. False means the subscriber is
	// saturated and must be dropped.
	Deliver(batch models.Batch) bool
	Close(reason string)
}

// Fanout tracks live subscribers per room.
type Fanout interface {
	Join(roomID string, sub Subscriber)
	Leave(roomID string, sub Subscriber)
	Broadcast(roomID string, batch models.Batch)
}

// Service is the backend message log.
type Service struct {
	messages   repositories.MessageRepository
	fanout     Fanout
	logger     *slog.Logger
	now        func() time.Time
	maxContent int

	mu    sync.Mutex
	rooms map[string]*sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the server clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMaxContentLength bounds message content in runes.
func WithMaxContentLength(n int) Option {
	return func(s *Service) { s.maxContent = n }
}

// NewService builds a Service.
func NewService(messages repositories.MessageRepository, fanout Fanout, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		messages: messages,
		fanout:   fanout,
		logger:   logger.With("component", "roomlog"),
		now:      time.Now,
		rooms:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) lock(roomID string) func() {
	s.mu.Lock()
	m, ok := s.rooms[roomID]
	if !ok {
		m = &sync.Mutex{}
		s.rooms[roomID] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// serverTime is truncated to what postgres stores so positions compare equal
// after a round trip.
func (s *Service) serverTime() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *Service) validate(req models.AppendRequest) error {
	if strings.TrimSpace(req.RoomID) == "" {
		return syncerr.Invalid("room_id", "required")
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return syncerr.Invalid("idempotency_key", "required")
	}
	if req.AuthorID == "" {
		return syncerr.Invalid("author_id", "required")
	}
	if strings.TrimSpace(req.Content) == "" {
		return syncerr.Invalid("content", "empty")
	}
	if s.maxContent > 0 && len([]rune(req.Content)) > s.maxContent {
		return syncerr.Invalid("content", fmt.Sprintf("longer than %d characters", s.maxContent))
	}
	return nil
}

// Append stores the message once per idempotency key. created is false when
// the key was already appended with the same payload; a different payload is
// a ConflictError.
func (s *Service) Append(ctx context.Context, req models.AppendRequest) (ack models.Ack, created bool, err error) {
	if err := s.validate(req); err != nil {
		observability.ObserveAppend("invalid")
		return models.Ack{}, false, err
	}

	unlock := s.lock(req.RoomID)
	defer unlock()

	now := s.serverTime()
	msg := models.Message{
		ID:             ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		IdempotencyKey: req.IdempotencyKey,
		RoomID:         req.RoomID,
		AuthorID:       req.AuthorID,
		AuthorUsername: req.AuthorUsername,
		Content:        req.Content,
		ReplyTo:        req.ReplyTo,
		Reactions:      models.Reactions{},
		CreatedAt:      req.OrderingTime(now),
	}
	stored, created, err := s.messages.Insert(ctx, msg)
	if err != nil {
		observability.ObserveAppend("error")
		return models.Ack{}, false, fmt.Errorf("append to %s: %w", req.RoomID, err)
	}
	if !created {
		if !req.SamePayload(stored) {
			observability.ObserveAppend("conflict")
			return models.Ack{}, false, &syncerr.ConflictError{IdempotencyKey: req.IdempotencyKey}
		}
		observability.ObserveAppend("replayed")
		return ackOf(stored, now), false, nil
	}

	observability.ObserveAppend("created")
	s.commitLocked(ctx, "message_appended", stored)
	return ackOf(stored, now), true, nil
}

// React changes one reaction counter of a message.
func (s *Service) React(ctx context.Context, roomID, messageID, kind string, delta int) (models.Message, error) {
	if strings.TrimSpace(kind) == "" {
		return models.Message{}, syncerr.Invalid("kind", "required")
	}
	if delta != 1 && delta != -1 {
		return models.Message{}, syncerr.Invalid("delta", "must be +1 or -1")
	}

	unlock := s.lock(roomID)
	defer unlock()

	msg, err := s.messages.UpdateReactions(ctx, roomID, messageID, kind, delta)
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("react in %s: %w", roomID, err)
	}
	s.commitLocked(ctx, "reaction_changed", msg)
	return msg, nil
}

// commitLocked fans out a committed snapshot. It runs under the room lock so
// subscribers observe non-decreasing seq.
func (s *Service) commitLocked(ctx context.Context, event string, msg models.Message) {
	trace.SpanFromContext(ctx).AddEvent(event, trace.WithAttributes(
		attribute.String("room.id", msg.RoomID),
		attribute.Int64("message.seq", msg.Seq),
	))
	if s.fanout != nil {
		s.fanout.Broadcast(msg.RoomID, models.BatchOf(msg.RoomID, []models.Message{msg}))
	}
	if err := observability.PublishEvent(ctx, observability.RoomRoutingKey(msg.RoomID), observability.RoomEvent(event, msg), nil); err != nil {
		s.logger.Warn("publish room event failed", "room_id", msg.RoomID, "event", event, "error", err)
	}
}

// Deltas returns snapshots with seq above after. An empty batch keeps the
// caller's cursor.
func (s *Service) Deltas(ctx context.Context, roomID string, after models.Cursor, limit int) (models.Batch, error) {
	limit = clamp(limit, backlogPageSize, maxDeltaLimit)
	msgs, err := s.messages.After(ctx, roomID, after, limit)
	if err != nil {
		return models.Batch{}, fmt.Errorf("deltas for %s: %w", roomID, err)
	}
	batch := models.BatchOf(roomID, msgs)
	if batch.Cursor < after {
		batch.Cursor = after
	}
	return batch, nil
}

// History returns the page of messages ordered before pos. The page cursor is
// the room head read under the room lock.
func (s *Service) History(ctx context.Context, roomID string, before models.Position, limit int) (models.Page, error) {
	limit = clamp(limit, 50, maxHistoryLimit)

	unlock := s.lock(roomID)
	defer unlock()

	msgs, err := s.messages.Before(ctx, roomID, before, limit+1)
	if err != nil {
		return models.Page{}, fmt.Errorf("history for %s: %w", roomID, err)
	}
	head, err := s.messages.Head(ctx, roomID)
	if err != nil {
		return models.Page{}, fmt.Errorf("head of %s: %w", roomID, err)
	}

	page := models.Page{RoomID: roomID, Messages: msgs, Cursor: head}
	if len(msgs) > limit {
		page.Messages = msgs[len(msgs)-limit:]
		page.HasMore = true
	}
	for i := range page.Messages {
		page.Messages[i].Status = models.StatusConfirmed
	}
	return page, nil
}

// Subscribe replays the backlog after cursor to sub and registers it for
// live batches. Both happen under the room lock so nothing is missed or
// delivered out of order.
func (s *Service) Subscribe(ctx context.Context, roomID string, cursor models.Cursor, sub Subscriber) error {
	unlock := s.lock(roomID)
	defer unlock()

	for {
		msgs, err := s.messages.After(ctx, roomID, cursor, backlogPageSize)
		if err != nil {
			return fmt.Errorf("backlog for %s: %w", roomID, err)
		}
		if len(msgs) == 0 {
			break
		}
		batch := models.BatchOf(roomID, msgs)
		if !sub.Deliver(batch) {
			return ErrSlowSubscriber
		}
		cursor = batch.Cursor
		if len(msgs) < backlogPageSize {
			break
		}
	}
	s.fanout.Join(roomID, sub)
	return nil
}

// Unsubscribe removes sub from live delivery.
func (s *Service) Unsubscribe(roomID string, sub Subscriber) {
	s.fanout.Leave(roomID, sub)
}

func ackOf(m models.Message, now time.Time) models.Ack {
	return models.Ack{ID: m.ID, CreatedAt: m.CreatedAt, ServerTimestamp: now, Seq: m.Seq}
}

func clamp(n, fallback, max int) int {
	if n <= 0 {
		return fallback
	}
	if n > max {
		return max
	}
	return n
}
