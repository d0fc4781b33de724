// Package subscription keeps one live, resumable delta stream per room.
//
// A Subscription reconnects with exponential backoff after transient failures
// and resumes from the last cursor its consumer committed. Batches handed to
// the consumer never go backwards: deltas at or below the highest sequence
// already delivered are filtered out of redelivered backlogs.
package subscription

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"chat-sync/internal/backend"
	"chat-sync/internal/config"
	"chat-sync/internal/models"
	"chat-sync/internal/observability"
	"chat-sync/internal/syncerr"
)

const batchBufferSize = 16

var (
	ErrAlreadySubscribed = errors.New("room already subscribed")
	ErrClosed            = errors.New("multiplexer closed")
)

// Multiplexer owns the subscriptions of every open room.
type Multiplexer struct {
	log    backend.MessageLog
	cfg    config.SubscriptionConfig
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
}

// New creates a multiplexer. Pass nil logger for default.
func New(log backend.MessageLog, cfg config.SubscriptionConfig, logger *slog.Logger) (*Multiplexer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Multiplexer{
		log:    log,
		cfg:    cfg,
		logger: logger.With("component", "subscription"),
		subs:   make(map[string]*Subscription),
	}, nil
}

// Subscribe starts streaming a room from since. The subscription lives until
// ctx ends, Unsubscribe is called, or the backend rejects the credentials.
func (m *Multiplexer) Subscribe(ctx context.Context, roomID string, since models.Cursor) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if existing, ok := m.subs[roomID]; ok && !existing.finished() {
		return nil, ErrAlreadySubscribed
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		mux:       m,
		roomID:    roomID,
		logger:    m.logger.With("room_id", roomID),
		batches:   make(chan models.Batch, batchBufferSize),
		cancel:    cancel,
		done:      make(chan struct{}),
		committed: since,
		delivered: since,
	}
	m.subs[roomID] = s
	go s.run(runCtx)
	return s, nil
}

// Unsubscribe stops the room's subscription, if any, and waits for it to
// release its stream.
func (m *Multiplexer) Unsubscribe(roomID string) {
	m.mu.Lock()
	s, ok := m.subs[roomID]
	m.mu.Unlock()
	if ok {
		s.Unsubscribe()
	}
}

// Active returns the ids of rooms with a running subscription.
func (m *Multiplexer) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.subs))
	for id, s := range m.subs {
		if !s.finished() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Close stops every subscription. Later Subscribe calls fail with ErrClosed.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	m.closed = true
	subs := make([]*Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}

func (m *Multiplexer) forget(s *Subscription) {
	m.mu.Lock()
	if m.subs[s.roomID] == s {
		delete(m.subs, s.roomID)
	}
	m.mu.Unlock()
}

// Subscription is the delta feed of one room.
type Subscription struct {
	mux     *Multiplexer
	roomID  string
	logger  *slog.Logger
	batches chan models.Batch
	cancel  context.CancelFunc
	done    chan struct{}

	mu          sync.Mutex
	committed   models.Cursor
	delivered   models.Cursor
	outageSince time.Time
	stale       bool
	err         error
}

// RoomID returns the subscribed room.
func (s *Subscription) RoomID() string { return s.roomID }

// Batches yields delta batches in non-decreasing sequence order. The channel
// is closed when the subscription ends.
func (s *Subscription) Batches() <-chan models.Batch { return s.batches }

// Done is closed once the subscription has stopped and released its stream.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Commit records that every batch up to cursor is durably applied. Reconnects
// resume from the committed cursor.
func (s *Subscription) Commit(cursor models.Cursor) {
	s.mu.Lock()
	if cursor > s.committed {
		s.committed = cursor
	}
	s.mu.Unlock()
}

// Committed returns the resume cursor.
func (s *Subscription) Committed() models.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

// Stale reports whether the stream has been down for longer than the maximum
// backoff interval.
func (s *Subscription) Stale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale
}

// Err returns the error that ended the subscription, if it ended on its own.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Unsubscribe stops delivery and waits for the backend stream to be closed.
func (s *Subscription) Unsubscribe() {
	s.cancel()
	<-s.done
}

func (s *Subscription) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Subscription) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.mux.cfg.InitialBackoff
	bo.MaxInterval = s.mux.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.batches)
	defer s.mux.forget(s)

	bo := s.newBackOff()
	for {
		err := s.stream(ctx, bo)
		if ctx.Err() != nil {
			return
		}
		if syncerr.IsAuth(err) {
			s.logger.Warn("subscription rejected", "error", err)
			observability.ObserveSubscriptionEvent("auth_failed")
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			return
		}

		wait := bo.NextBackOff()
		s.markOutage()
		s.logger.Debug("delta stream interrupted", "error", err, "retry_in", wait)
		observability.ObserveSubscriptionEvent("reconnect")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// stream runs one connection until it fails.
func (s *Subscription) stream(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	st, err := s.mux.log.SubscribeDeltas(ctx, s.roomID, s.Committed())
	if err != nil {
		return err
	}
	defer st.Close()
	s.markHealthy()

	for {
		batch, err := st.Recv(ctx)
		if err != nil {
			return err
		}
		bo.Reset()
		s.markHealthy()

		batch, ok := s.filter(batch)
		if !ok {
			continue
		}
		select {
		case s.batches <- batch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// filter drops deltas already delivered and advances the delivered mark.
func (s *Subscription) filter(batch models.Batch) (models.Batch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := models.Batch{RoomID: s.roomID, Cursor: batch.Cursor}
	for _, d := range batch.Deltas {
		if models.Cursor(d.Message.Seq) <= s.delivered {
			continue
		}
		out.Deltas = append(out.Deltas, d)
	}
	if len(out.Deltas) == 0 {
		return out, false
	}
	for _, d := range out.Deltas {
		if c := models.Cursor(d.Message.Seq); c > out.Cursor {
			out.Cursor = c
		}
	}
	s.delivered = out.Cursor
	return out, true
}

func (s *Subscription) markOutage() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if s.outageSince.IsZero() {
		s.outageSince = now
	}
	if !s.stale && now.Sub(s.outageSince) >= s.mux.cfg.MaxBackoff {
		s.stale = true
		s.logger.Warn("room view stale", "down_for", now.Sub(s.outageSince))
		observability.ObserveSubscriptionEvent("stale")
	}
}

func (s *Subscription) markHealthy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outageSince = time.Time{}
	if s.stale {
		s.stale = false
		s.logger.Info("room view recovered")
		observability.ObserveSubscriptionEvent("recovered")
	}
}
