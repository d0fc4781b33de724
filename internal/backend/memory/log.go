// Package memory implements the backend in process. It is used by tests and
// local demos and supports fault injection for network loss and auth failure.
package memory

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"chat-sync/internal/backend"
	"chat-sync/internal/models"
	"chat-sync/internal/syncerr"
)

const streamBufferSize = 64

var (
	errDown         = errors.New("backend unreachable")
	errStreamClosed = errors.New("stream closed")
)

// Log is an in-memory message log and presence store.
type Log struct {
	mu       sync.Mutex
	rooms    map[string]*room
	presence map[string]models.Presence
	seq      int64
	now      func() time.Time

	down        bool
	authRevoked bool
	appends     int
}

type room struct {
	id      string
	byKey   map[string]*models.Message
	byID    map[string]*models.Message
	streams map[*stream]struct{}
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// New creates an empty log.
func New(opts ...Option) *Log {
	l := &Log{
		rooms:    make(map[string]*room),
		presence: make(map[string]models.Presence),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var _ backend.Backend = (*Log)(nil)

// SetDown simulates the network going away. Open streams are cut.
func (l *Log) SetDown(down bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.down = down
	if down {
		for _, r := range l.rooms {
			for s := range r.streams {
				s.fail(syncerr.Transient("recv", errDown))
				delete(r.streams, s)
			}
		}
	}
}

// SetAuthRevoked makes every call fail with an auth error.
func (l *Log) SetAuthRevoked(revoked bool) {
	l.mu.Lock()
	l.authRevoked = revoked
	l.mu.Unlock()
}

// DropStreams cuts live streams for a room without taking the backend down.
func (l *Log) DropStreams(roomID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rooms[roomID]
	if !ok {
		return
	}
	for s := range r.streams {
		s.fail(syncerr.Transient("recv", io.ErrUnexpectedEOF))
		delete(r.streams, s)
	}
}

// Appends returns how many distinct messages were appended.
func (l *Log) Appends() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appends
}

// Streams returns how many live streams a room has.
func (l *Log) Streams(roomID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.rooms[roomID]; ok {
		return len(r.streams)
	}
	return 0
}

// Messages returns the room's confirmed messages ordered by position.
func (l *Log) Messages(roomID string) []models.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sortedLocked(roomID)
}

func (l *Log) sortedLocked(roomID string) []models.Message {
	r, ok := l.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]models.Message, 0, len(r.byID))
	for _, m := range r.byID {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position().Less(out[j].Position()) })
	return out
}

func (l *Log) check(op string) error {
	if l.authRevoked {
		return syncerr.Auth(op, nil)
	}
	if l.down {
		return syncerr.Transient(op, errDown)
	}
	return nil
}

func (l *Log) room(roomID string) *room {
	r, ok := l.rooms[roomID]
	if !ok {
		r = &room{
			id:      roomID,
			byKey:   make(map[string]*models.Message),
			byID:    make(map[string]*models.Message),
			streams: make(map[*stream]struct{}),
		}
		l.rooms[roomID] = r
	}
	return r
}

// Append implements backend.MessageLog.
func (l *Log) Append(ctx context.Context, req models.AppendRequest) (models.Ack, error) {
	if err := ctx.Err(); err != nil {
		return models.Ack{}, err
	}
	if strings.TrimSpace(req.Content) == "" {
		return models.Ack{}, syncerr.Invalid("content", "empty")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check("append"); err != nil {
		return models.Ack{}, err
	}

	now := l.now().UTC().Truncate(time.Microsecond)
	r := l.room(req.RoomID)
	if existing, ok := r.byKey[req.IdempotencyKey]; ok {
		if !req.SamePayload(*existing) {
			return models.Ack{}, &syncerr.ConflictError{IdempotencyKey: req.IdempotencyKey}
		}
		return ackOf(*existing, now), nil
	}

	l.seq++
	msg := &models.Message{
		ID:             ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		IdempotencyKey: req.IdempotencyKey,
		RoomID:         req.RoomID,
		AuthorID:       req.AuthorID,
		AuthorUsername: req.AuthorUsername,
		Content:        req.Content,
		ReplyTo:        req.ReplyTo,
		CreatedAt:      req.OrderingTime(now),
		Seq:            l.seq,
		Status:         models.StatusConfirmed,
	}
	r.byKey[msg.IdempotencyKey] = msg
	r.byID[msg.ID] = msg
	l.appends++
	l.broadcast(r, *msg)
	return ackOf(*msg, now), nil
}

// React implements backend.MessageLog.
func (l *Log) React(ctx context.Context, roomID, messageID, kind string, delta int) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check("react"); err != nil {
		return models.Message{}, err
	}
	r := l.room(roomID)
	msg, ok := r.byID[messageID]
	if !ok {
		return models.Message{}, syncerr.Invalid("message_id", "unknown message")
	}
	l.seq++
	msg.Reactions = msg.Reactions.Apply(kind, delta)
	msg.Seq = l.seq
	l.broadcast(r, *msg)
	return msg.Clone(), nil
}

// History implements backend.MessageLog.
func (l *Log) History(ctx context.Context, roomID string, before models.Position, limit int) (models.Page, error) {
	if err := ctx.Err(); err != nil {
		return models.Page{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check("history"); err != nil {
		return models.Page{}, err
	}

	page := models.Page{RoomID: roomID, Cursor: models.Cursor(l.seq)}
	for _, m := range l.sortedLocked(roomID) {
		if before.IsZero() || m.Position().Less(before) {
			page.Messages = append(page.Messages, m)
		}
	}
	if limit > 0 && len(page.Messages) > limit {
		page.Messages = page.Messages[len(page.Messages)-limit:]
		page.HasMore = true
	}
	return page, nil
}

// SubscribeDeltas implements backend.MessageLog. The backlog after cursor is
// queued before the stream is registered for live batches, under the same
// lock, so batches on a stream never go backwards.
func (l *Log) SubscribeDeltas(ctx context.Context, roomID string, cursor models.Cursor) (backend.DeltaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check("subscribe"); err != nil {
		return nil, err
	}

	r := l.room(roomID)
	s := newStream(l, r)
	backlog := make([]models.Message, 0)
	for _, m := range r.byID {
		if models.Cursor(m.Seq) > cursor {
			backlog = append(backlog, m.Clone())
		}
	}
	sort.Slice(backlog, func(i, j int) bool { return backlog[i].Seq < backlog[j].Seq })
	if len(backlog) > 0 {
		s.ch <- models.BatchOf(roomID, backlog)
	}
	r.streams[s] = struct{}{}
	return s, nil
}

func (l *Log) broadcast(r *room, msg models.Message) {
	batch := models.BatchOf(r.id, []models.Message{msg.Clone()})
	for s := range r.streams {
		select {
		case s.ch <- batch:
		default:
			s.fail(syncerr.Transient("recv", errors.New("subscriber too slow")))
			delete(r.streams, s)
		}
	}
}

func (l *Log) unregister(r *room, s *stream) {
	l.mu.Lock()
	delete(r.streams, s)
	l.mu.Unlock()
}

func ackOf(m models.Message, now time.Time) models.Ack {
	return models.Ack{ID: m.ID, CreatedAt: m.CreatedAt, ServerTimestamp: now, Seq: m.Seq}
}

type stream struct {
	log  *Log
	room *room
	ch   chan models.Batch

	once sync.Once
	done chan struct{}
	err  error
}

func newStream(l *Log, r *room) *stream {
	return &stream{
		log:  l,
		room: r,
		ch:   make(chan models.Batch, streamBufferSize),
		done: make(chan struct{}),
	}
}

// fail ends the stream with err. Buffered batches are still delivered first.
func (s *stream) fail(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *stream) Recv(ctx context.Context) (models.Batch, error) {
	select {
	case batch := <-s.ch:
		return batch, nil
	default:
	}
	select {
	case batch := <-s.ch:
		return batch, nil
	case <-s.done:
		select {
		case batch := <-s.ch:
			return batch, nil
		default:
		}
		return models.Batch{}, s.err
	case <-ctx.Done():
		return models.Batch{}, ctx.Err()
	}
}

func (s *stream) Close() error {
	s.log.unregister(s.room, s)
	s.fail(io.EOF)
	return nil
}
