// Package roomview composes the synchronization core for one open room.
//
// A View loads the newest history page, streams deltas from the page's
// cursor into the store, routes local sends through the optimistic
// coordinator and drives the scroll anchor from store changes. Closing the
// view cancels the stream and timers at once; in-flight sends finish in the
// background and their results are dropped.
package roomview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"chat-sync/internal/backend"
	"chat-sync/internal/config"
	"chat-sync/internal/models"
	"chat-sync/internal/optimistic"
	"chat-sync/internal/scroll"
	"chat-sync/internal/store"
	"chat-sync/internal/subscription"
	"chat-sync/internal/syncerr"
)

var ErrClosed = errors.New("room view closed")

// Deps are the shared collaborators of every view of one client.
type Deps struct {
	Store   *store.Store
	Mux     *subscription.Multiplexer
	Log     backend.MessageLog
	Session optimistic.Session
}

// Option configures a View.
type Option func(*View)

// WithRowHeight sets the content height of one message for the scroll anchor.
func WithRowHeight(h float64) Option {
	return func(v *View) { v.rowHeight = h }
}

// WithChangeHook registers a callback invoked after the anchor has processed
// each store change.
func WithChangeHook(fn func(store.Change)) Option {
	return func(v *View) { v.onChange = fn }
}

// View is the consumer surface of one room.
type View struct {
	roomID    string
	deps      Deps
	cfg       config.Config
	logger    *slog.Logger
	room      *store.Room
	sub       *subscription.Subscription
	coord     *optimistic.Coordinator
	anchor    *scroll.Anchor
	rowHeight float64
	onChange  func(store.Change)
	rows      int

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	floor   models.Position
	hasMore bool
	closed  bool
}

// Open starts a view of roomID. The first history page must load; later
// stream failures are retried in the background.
func Open(ctx context.Context, roomID string, deps Deps, cfg config.Config, logger *slog.Logger, opts ...Option) (*View, error) {
	if logger == nil {
		logger = slog.Default()
	}
	v := &View{
		roomID:    roomID,
		deps:      deps,
		cfg:       cfg,
		logger:    logger.With("component", "roomview", "room_id", roomID),
		rowHeight: 1,
	}
	for _, opt := range opts {
		opt(v)
	}

	v.room = deps.Store.Open(roomID)
	if v.room.Cursor() == 0 {
		page, err := deps.Log.History(ctx, roomID, models.Position{}, cfg.History.PageSize)
		if err != nil {
			deps.Store.Close(roomID)
			v.failSession(ctx, err)
			return nil, fmt.Errorf("load history: %w", err)
		}
		batch := page.Batch()
		batch.Cursor = page.Cursor
		if _, err := v.room.ApplyBatch(batch); err != nil {
			return nil, fmt.Errorf("apply history: %w", err)
		}
		v.setFloor(page)
	}

	runCtx, cancel := context.WithCancel(ctx)
	v.cancel = cancel
	v.rows = v.room.Count(deps.Session.SessionID())
	content := float64(v.rows) * v.rowHeight
	v.anchor = scroll.New(cfg.Scroll.BottomThreshold, scroll.WithViewport(scroll.Viewport{ContentHeight: content}))

	sub, err := deps.Mux.Subscribe(runCtx, roomID, v.room.Cursor())
	if err != nil {
		cancel()
		deps.Store.Close(roomID)
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	v.sub = sub
	v.coord = optimistic.New(v.room, deps.Log, deps.Session, cfg.Send, logger)

	changes := v.room.Watch(runCtx)
	v.wg.Add(2)
	go v.applyLoop()
	go v.watchLoop(changes)
	return v, nil
}

func (v *View) applyLoop() {
	defer v.wg.Done()
	for batch := range v.sub.Batches() {
		if _, err := v.room.ApplyBatch(batch); err != nil {
			v.logger.Debug("batch after teardown dropped", "cursor", batch.Cursor)
			continue
		}
		v.sub.Commit(batch.Cursor)
	}
	if err := v.sub.Err(); err != nil {
		v.failSession(context.Background(), err)
	}
}

// failSession ends the session on auth errors, which writes offline presence.
func (v *View) failSession(ctx context.Context, err error) {
	if !syncerr.IsAuth(err) {
		return
	}
	v.logger.Warn("room access unauthorized, ending session", "error", err)
	v.deps.Session.Fail(context.WithoutCancel(ctx), err)
}

func (v *View) watchLoop(changes <-chan store.Change) {
	defer v.wg.Done()
	viewer := v.deps.Session.SessionID()
	for change := range changes {
		if n := change.Prepended; n > 0 {
			v.anchor.NotifyPrepended(float64(n) * v.rowHeight)
			v.rows += n
		}
		// The row count is read from the room rather than summed from
		// changes, so changes missed by a slow watcher are caught up here.
		if n := v.room.Count(viewer) - v.rows; n != 0 {
			v.anchor.NotifyNewContent(float64(n) * v.rowHeight)
			v.rows += n
		}
		if v.onChange != nil {
			v.onChange(change)
		}
	}
}

func (v *View) setFloor(page models.Page) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(page.Messages) > 0 {
		v.floor = page.Messages[0].Position()
	}
	v.hasMore = page.HasMore
}

// RoomID returns the room being viewed.
func (v *View) RoomID() string { return v.roomID }

// Messages returns the newest lastN visible messages, oldest first. Zero
// returns all of them.
func (v *View) Messages(lastN int) ([]models.Message, error) {
	return v.room.ReadWindow(store.Window{LastN: lastN, Viewer: v.deps.Session.SessionID()})
}

// Send shows content immediately as pending and submits it.
func (v *View) Send(ctx context.Context, content string, opts optimistic.SendOptions) (string, error) {
	if v.isClosed() {
		return "", ErrClosed
	}
	return v.coord.Send(ctx, content, opts)
}

// Retry resubmits a failed send.
func (v *View) Retry(ctx context.Context, provisionalID string) error {
	if v.isClosed() {
		return ErrClosed
	}
	return v.coord.Retry(ctx, provisionalID)
}

// Discard drops a failed send.
func (v *View) Discard(provisionalID string) bool {
	return v.coord.Discard(provisionalID)
}

// SendError returns the last error of a send.
func (v *View) SendError(provisionalID string) error {
	return v.coord.LastError(provisionalID)
}

// React changes a reaction counter and applies the returned snapshot.
func (v *View) React(ctx context.Context, messageID, kind string, delta int) error {
	if v.isClosed() {
		return ErrClosed
	}
	msg, err := v.deps.Log.React(ctx, v.roomID, messageID, kind, delta)
	if err != nil {
		v.failSession(ctx, err)
		return fmt.Errorf("react: %w", err)
	}
	msg.Status = models.StatusConfirmed
	_, err = v.room.Apply(models.Delta{RoomID: v.roomID, Message: msg})
	return err
}

// LoadOlder prepends the page before the oldest loaded message and returns
// how many messages it held.
func (v *View) LoadOlder(ctx context.Context) (int, error) {
	if v.isClosed() {
		return 0, ErrClosed
	}
	v.mu.Lock()
	floor, more := v.floor, v.hasMore
	v.mu.Unlock()
	if !more {
		return 0, nil
	}

	page, err := v.deps.Log.History(ctx, v.roomID, floor, v.cfg.History.PageSize)
	if err != nil {
		v.failSession(ctx, err)
		return 0, fmt.Errorf("load older: %w", err)
	}
	if _, err := v.room.ApplyBatch(page.Batch()); err != nil {
		return 0, err
	}
	v.setFloor(page)
	return len(page.Messages), nil
}

// HasMore reports whether older history remains on the server.
func (v *View) HasMore() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hasMore
}

// OnScroll records a user scroll.
func (v *View) OnScroll(vp scroll.Viewport) scroll.State {
	return v.anchor.OnScroll(vp)
}

// NotifyNewContent reports content growth measured by the renderer.
func (v *View) NotifyNewContent(height float64) scroll.Viewport {
	return v.anchor.NotifyNewContent(height)
}

// Anchor exposes the scroll state machine.
func (v *View) Anchor() *scroll.Anchor { return v.anchor }

// Stale reports whether the live stream has been down past the backoff ceiling.
func (v *View) Stale() bool { return v.sub.Stale() }

// Err returns the error that ended the live stream, if any.
func (v *View) Err() error { return v.sub.Err() }

// Cursor returns the last stream position applied to the room.
func (v *View) Cursor() models.Cursor { return v.room.Cursor() }

// Close tears the view down. Pending backoff timers stop immediately.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.mu.Unlock()

	v.cancel()
	v.sub.Unsubscribe()
	v.deps.Store.Close(v.roomID)
	v.wg.Wait()
}

// Wait blocks until in-flight sends have resolved.
func (v *View) Wait() { v.coord.Wait() }

func (v *View) isClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}
