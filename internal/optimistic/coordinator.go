// Package optimistic shows local sends immediately and reconciles them with
// the message log.
//
// A send is materialized in the room as a pending entry keyed by a fresh
// idempotency key, then submitted in the background. The backend ack and the
// confirming delta from the room stream both carry that key, so whichever
// arrives first replaces the pending entry in place and the other is dropped
// by the store.
package optimistic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"chat-sync/internal/backend"
	"chat-sync/internal/config"
	"chat-sync/internal/models"
	"chat-sync/internal/observability"
	"chat-sync/internal/store"
	"chat-sync/internal/syncerr"
)

const (
	provisionalPrefix = "local-"

	retryInitialInterval = 100 * time.Millisecond
	retryMaxInterval     = time.Second
)

var (
	ErrUnknownSend  = errors.New("unknown provisional message")
	ErrSessionEnded = errors.New("session ended")
	ErrNotRetryable = errors.New("message is not failed")
)

// Session is the user session sends are made on behalf of.
type Session interface {
	UserID() string
	Username() string
	SessionID() string
	Done() <-chan struct{}
	Fail(ctx context.Context, cause error)
}

// SendOptions carries optional message fields.
type SendOptions struct {
	ReplyTo string
}

type send struct {
	req      models.AppendRequest
	inFlight bool
	lastErr  error
}

// Coordinator handles the sends of one session in one room.
type Coordinator struct {
	room    *store.Room
	log     backend.MessageLog
	session Session
	cfg     config.SendConfig
	logger  *slog.Logger
	now     func() time.Time

	wg    sync.WaitGroup
	mu    sync.Mutex
	sends map[string]*send
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the clock used for provisional timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a coordinator for room. Pass nil logger for default.
func New(room *store.Room, log backend.MessageLog, session Session, cfg config.SendConfig, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		room:    room,
		log:     log,
		session: session,
		cfg:     cfg,
		logger:  logger.With("component", "optimistic", "room_id", room.ID(), "session_id", session.SessionID()),
		now:     time.Now,
		sends:   make(map[string]*send),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Validate rejects content that must never reach the network.
func (c *Coordinator) Validate(content string) error {
	if strings.TrimSpace(content) == "" {
		return syncerr.Invalid("content", "must not be empty")
	}
	if n := utf8.RuneCountInString(content); n > c.cfg.MaxContentLength {
		return syncerr.Invalid("content", fmt.Sprintf("%d characters exceeds limit of %d", n, c.cfg.MaxContentLength))
	}
	return nil
}

// Send inserts a pending message and submits it in the background. It
// returns the provisional id of the entry.
func (c *Coordinator) Send(ctx context.Context, content string, opts SendOptions) (string, error) {
	if err := c.Validate(content); err != nil {
		observability.ObserveSend("invalid")
		return "", err
	}
	select {
	case <-c.session.Done():
		return "", ErrSessionEnded
	default:
	}

	id := provisionalPrefix + ulid.Make().String()
	req := models.AppendRequest{
		IdempotencyKey: uuid.NewString(),
		RoomID:         c.room.ID(),
		AuthorID:       c.session.UserID(),
		AuthorUsername: c.session.Username(),
		Content:        content,
		ReplyTo:        opts.ReplyTo,
		CreatedAt:      c.now().UTC().Truncate(time.Microsecond),
	}
	if _, err := c.room.Apply(c.local(id, req, models.StatusPending)); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.sends[id] = &send{req: req, inFlight: true}
	c.mu.Unlock()

	c.submit(ctx, id, req)
	return id, nil
}

// Retry resubmits a failed send with its original idempotency key.
func (c *Coordinator) Retry(ctx context.Context, provisionalID string) error {
	c.mu.Lock()
	s, ok := c.sends[provisionalID]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownSend
	}
	cur, found := c.room.Lookup(s.req.IdempotencyKey)
	if s.inFlight || !found || cur.Status != models.StatusFailed {
		c.mu.Unlock()
		return ErrNotRetryable
	}
	s.inFlight = true
	s.lastErr = nil
	req := s.req
	c.mu.Unlock()

	if _, err := c.room.Apply(c.local(provisionalID, req, models.StatusPending)); err != nil {
		c.finish(provisionalID, err)
		return err
	}
	c.submit(ctx, provisionalID, req)
	return nil
}

// Discard removes a pending or failed entry from the room. Confirmed
// messages cannot be discarded.
func (c *Coordinator) Discard(provisionalID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sends[provisionalID]
	if !ok || s.inFlight {
		return false
	}
	if !c.room.Discard(s.req.IdempotencyKey) {
		return false
	}
	delete(c.sends, provisionalID)
	return true
}

// LastError returns the error of the last failed attempt for a send.
func (c *Coordinator) LastError(provisionalID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sends[provisionalID]; ok {
		return s.lastErr
	}
	return ErrUnknownSend
}

// Key returns the idempotency key behind a provisional id.
func (c *Coordinator) Key(provisionalID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sends[provisionalID]; ok {
		return s.req.IdempotencyKey, true
	}
	return "", false
}

// Wait blocks until every background submission has resolved.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) local(id string, req models.AppendRequest, status models.Status) models.Delta {
	return models.Delta{RoomID: req.RoomID, Message: models.Message{
		ID:             id,
		IdempotencyKey: req.IdempotencyKey,
		RoomID:         req.RoomID,
		AuthorID:       req.AuthorID,
		AuthorUsername: req.AuthorUsername,
		Content:        req.Content,
		ReplyTo:        req.ReplyTo,
		CreatedAt:      req.CreatedAt,
		Status:         status,
		Origin:         c.session.SessionID(),
	}}
}

// submit is fire and forget: cancelling the caller's context does not abort
// it, the retry budget bounds it instead.
func (c *Coordinator) submit(ctx context.Context, id string, req models.AppendRequest) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx := context.WithoutCancel(ctx)

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = retryInitialInterval
		bo.MaxInterval = retryMaxInterval
		bo.MaxElapsedTime = c.cfg.RetryMaxElapsed
		bo.Reset()

		var ack models.Ack
		op := func() error {
			a, err := c.log.Append(ctx, req)
			if err != nil {
				if syncerr.IsTransient(err) {
					return err
				}
				return backoff.Permanent(err)
			}
			ack = a
			return nil
		}
		notify := func(err error, wait time.Duration) {
			c.logger.Debug("append failed, retrying", "provisional_id", id, "error", err, "retry_in", wait)
		}
		if err := backoff.RetryNotify(op, bo, notify); err != nil {
			c.fail(ctx, id, req, err)
			return
		}
		c.confirm(id, req, ack)
	}()
}

// confirm settles the entry from the ack. The ack seq may already include
// later reactions this snapshot does not carry, so it claims no seq and any
// streamed snapshot of the message supersedes it.
func (c *Coordinator) confirm(id string, req models.AppendRequest, ack models.Ack) {
	observability.ObserveSend("confirmed")
	createdAt := ack.CreatedAt
	if createdAt.IsZero() {
		createdAt = req.CreatedAt
	}
	delta := models.Delta{RoomID: req.RoomID, Message: models.Message{
		ID:             ack.ID,
		IdempotencyKey: req.IdempotencyKey,
		RoomID:         req.RoomID,
		AuthorID:       req.AuthorID,
		AuthorUsername: req.AuthorUsername,
		Content:        req.Content,
		ReplyTo:        req.ReplyTo,
		CreatedAt:      createdAt,
		Status:         models.StatusConfirmed,
	}}
	if _, err := c.room.Apply(delta); err != nil {
		c.logger.Debug("ack after room teardown discarded", "provisional_id", id)
	}
	c.finish(id, nil)
}

func (c *Coordinator) fail(ctx context.Context, id string, req models.AppendRequest, err error) {
	outcome := "failed"
	switch {
	case syncerr.IsConflict(err):
		outcome = "conflict"
	case syncerr.IsAuth(err):
		outcome = "unauthorized"
	}
	observability.ObserveSend(outcome)
	c.logger.Warn("send failed", "provisional_id", id, "error", err)

	if _, aerr := c.room.Apply(c.local(id, req, models.StatusFailed)); aerr != nil {
		c.logger.Debug("failure after room teardown discarded", "provisional_id", id)
	}
	c.finish(id, err)
	if syncerr.IsAuth(err) {
		c.session.Fail(ctx, err)
	}
}

func (c *Coordinator) finish(id string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sends[id]; ok {
		s.inFlight = false
		s.lastErr = err
	}
}
