package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"chat-sync/internal/models"
)

const watcherBufferSize = 64

// Window selects part of a room's ordered view.
type Window struct {
	// LastN limits the result to the newest n visible messages. Zero means all.
	LastN int
	// Before restricts the result to messages ordered before this position.
	Before *models.Position
	// Viewer is the session id reading the window. Provisional entries of
	// other sessions are hidden.
	Viewer string
}

// Change summarizes the visible effect of one apply.
type Change struct {
	RoomID    string
	Appended  int
	Prepended int
	Inserted  int
	Updated   int
	Dropped   int
	Removed   int
	Cursor    models.Cursor
}

// Empty reports whether the apply had no visible effect.
func (c Change) Empty() bool {
	return c.Appended == 0 && c.Prepended == 0 && c.Inserted == 0 && c.Updated == 0 && c.Removed == 0
}

func (c *Change) add(other Change) {
	c.Appended += other.Appended
	c.Prepended += other.Prepended
	c.Inserted += other.Inserted
	c.Updated += other.Updated
	c.Dropped += other.Dropped
	c.Removed += other.Removed
}

// Room is the ordered log of one room.
type Room struct {
	mu       sync.Mutex
	id       string
	entries  []*models.Message
	byKey    map[string]*models.Message
	cursor   models.Cursor
	closed   bool
	done     chan struct{}
	watchers map[chan Change]struct{}
	logger   *slog.Logger
}

func newRoom(id string, logger *slog.Logger) *Room {
	return &Room{
		id:       id,
		byKey:    make(map[string]*models.Message),
		done:     make(chan struct{}),
		watchers: make(map[chan Change]struct{}),
		logger:   logger.With("room_id", id),
	}
}

// ID returns the room id.
func (r *Room) ID() string { return r.id }

// Apply merges a single delta. It does not move the cursor: only batches
// delivered by the delta stream do, so a local ack can never make a resume
// skip messages that have not been streamed yet.
func (r *Room) Apply(delta models.Delta) (Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Change{}, ErrRoomClosed
	}
	bounds := r.boundsLocked()
	change := r.applyLocked(delta.Message, bounds)
	change.RoomID = r.id
	change.Cursor = r.cursor
	r.notifyLocked(change)
	return change, nil
}

// ApplyBatch merges every delta of the batch and advances the cursor to the
// batch cursor.
func (r *Room) ApplyBatch(batch models.Batch) (Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Change{}, ErrRoomClosed
	}
	bounds := r.boundsLocked()
	change := Change{RoomID: r.id}
	for _, d := range batch.Deltas {
		change.add(r.applyLocked(d.Message, bounds))
	}
	if batch.Cursor > r.cursor {
		r.cursor = batch.Cursor
	}
	change.Cursor = r.cursor
	r.notifyLocked(change)
	return change, nil
}

type bounds struct {
	first, last *models.Position
}

func (r *Room) boundsLocked() bounds {
	if len(r.entries) == 0 {
		return bounds{}
	}
	first := r.entries[0].Position()
	last := r.entries[len(r.entries)-1].Position()
	return bounds{first: &first, last: &last}
}

func (r *Room) applyLocked(in models.Message, b bounds) Change {
	key := in.Key()
	if key == "" {
		return Change{Dropped: 1}
	}
	in = in.Clone()
	in.RoomID = r.id

	cur, ok := r.byKey[key]
	if !ok {
		if in.Status == "" {
			in.Status = models.StatusConfirmed
		}
		r.insertLocked(&in)
		pos := in.Position()
		switch {
		case b.first == nil || !pos.Less(*b.last):
			return Change{Appended: 1}
		case pos.Less(*b.first):
			return Change{Prepended: 1}
		default:
			return Change{Inserted: 1}
		}
	}

	next, changed := merge(*cur, in)
	if !changed {
		return Change{Dropped: 1}
	}
	moved := next.ID != cur.ID || !next.CreatedAt.Equal(cur.CreatedAt)
	*cur = next
	if moved {
		r.sortLocked()
	}
	return Change{Updated: 1}
}

// merge combines the current entry with an incoming snapshot of the same key.
// Confirmed state beats local state, and among confirmed snapshots the higher
// seq wins. The result only depends on the set of snapshots seen, not on the
// order they arrived in.
func merge(cur, in models.Message) (models.Message, bool) {
	switch {
	case in.Status == models.StatusConfirmed && cur.Status.Local():
		out := in
		out.Origin = ""
		return out, true
	case in.Status == models.StatusConfirmed:
		if in.Seq <= cur.Seq {
			return cur, false
		}
		return in, true
	case cur.Status.Local():
		if in.Origin != cur.Origin || in.Status == cur.Status {
			return cur, false
		}
		cur.Status = in.Status
		return cur, true
	default:
		return cur, false
	}
}

func (r *Room) insertLocked(m *models.Message) {
	pos := m.Position()
	i := sort.Search(len(r.entries), func(i int) bool {
		return pos.Less(r.entries[i].Position())
	})
	r.entries = append(r.entries, nil)
	copy(r.entries[i+1:], r.entries[i:])
	r.entries[i] = m
	r.byKey[m.Key()] = m
}

func (r *Room) sortLocked() {
	sort.SliceStable(r.entries, func(i, j int) bool {
		return r.entries[i].Position().Less(r.entries[j].Position())
	})
}

// Discard removes a provisional entry. Confirmed entries are never removed.
func (r *Room) Discard(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byKey[key]
	if !ok || r.closed || !cur.Status.Local() {
		return false
	}
	delete(r.byKey, key)
	for i, e := range r.entries {
		if e == cur {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			break
		}
	}
	r.notifyLocked(Change{RoomID: r.id, Removed: 1, Cursor: r.cursor})
	return true
}

// ReadWindow returns copies of the visible messages selected by w, oldest first.
func (r *Room) ReadWindow(w Window) ([]models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRoomClosed
	}
	out := make([]models.Message, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Status.Local() && (w.Viewer == "" || e.Origin != w.Viewer) {
			continue
		}
		if w.Before != nil && !e.Position().Less(*w.Before) {
			break
		}
		out = append(out, e.Clone())
	}
	if w.LastN > 0 && len(out) > w.LastN {
		out = out[len(out)-w.LastN:]
	}
	return out, nil
}

// Lookup returns the entry for an idempotency key or server id.
func (r *Room) Lookup(key string) (models.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.byKey[key]; ok {
		return m.Clone(), true
	}
	for _, e := range r.entries {
		if e.ID == key {
			return e.Clone(), true
		}
	}
	return models.Message{}, false
}

// Cursor returns the last delta stream position applied to the room.
func (r *Room) Cursor() models.Cursor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

// Len returns the number of entries, provisional ones included.
func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Count returns the number of entries visible to viewer.
func (r *Room) Count(viewer string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if !e.Status.Local() || (viewer != "" && e.Origin == viewer) {
			n++
		}
	}
	return n
}

// Oldest returns the position of the oldest confirmed entry.
func (r *Room) Oldest() (models.Position, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.Status == models.StatusConfirmed {
			return e.Position(), true
		}
	}
	return models.Position{}, false
}

// Closed reports whether the room was torn down.
func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Watch registers for change notifications. Slow watchers miss changes rather
// than blocking the apply path.
func (r *Room) Watch(ctx context.Context) <-chan Change {
	ch := make(chan Change, watcherBufferSize)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		close(ch)
		return ch
	}
	r.watchers[ch] = struct{}{}
	r.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-r.done:
		}
		r.mu.Lock()
		if _, ok := r.watchers[ch]; ok {
			delete(r.watchers, ch)
			close(ch)
		}
		r.mu.Unlock()
	}()
	return ch
}

func (r *Room) notifyLocked(change Change) {
	if change.Empty() {
		return
	}
	for ch := range r.watchers {
		select {
		case ch <- change:
		default:
			r.logger.Debug("dropped change for slow watcher")
		}
	}
}

func (r *Room) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.done)
	for ch := range r.watchers {
		close(ch)
		delete(r.watchers, ch)
	}
}
