// Package store keeps the authoritative in-process ordered view of each room.
//
// Every mutation of a room, whether it comes from the live delta stream or
// from a local send, goes through Room.Apply or Room.ApplyBatch under the room's lock. Merging is
// state based: entries are keyed by idempotency key and carry the highest log
// sequence applied to them, so replaying a delta or applying two deltas in
// either order converges on the same entry.
package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"chat-sync/internal/models"
)

var (
	ErrRoomClosed  = errors.New("room closed")
	ErrUnknownRoom = errors.New("unknown room")
)

// Store is a registry of open rooms. Rooms are independent: each one has its
// own apply path and lock.
type Store struct {
	mu     sync.RWMutex
	rooms  map[string]*Room
	logger *slog.Logger
}

// New creates an empty store. Pass nil logger for default.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		rooms:  make(map[string]*Room),
		logger: logger.With("component", "store"),
	}
}

// Open returns the open room with the given id, creating it if needed.
func (s *Store) Open(roomID string) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		return r
	}
	r := newRoom(roomID, s.logger)
	s.rooms[roomID] = r
	return r
}

// Room looks up an open room.
func (s *Store) Room(roomID string) (*Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	return r, ok
}

// Apply routes a single delta to its room.
func (s *Store) Apply(delta models.Delta) (Change, error) {
	r, ok := s.Room(delta.RoomID)
	if !ok {
		return Change{}, ErrUnknownRoom
	}
	return r.Apply(delta)
}

// ApplyBatch routes a batch to its room and advances the room cursor.
func (s *Store) ApplyBatch(batch models.Batch) (Change, error) {
	r, ok := s.Room(batch.RoomID)
	if !ok {
		return Change{}, ErrUnknownRoom
	}
	return r.ApplyBatch(batch)
}

// ReadWindow returns the ordered view of a room.
func (s *Store) ReadWindow(roomID string, w Window) ([]models.Message, error) {
	r, ok := s.Room(roomID)
	if !ok {
		return nil, ErrUnknownRoom
	}
	return r.ReadWindow(w)
}

// Close tears a room down. Later applies through existing handles are discarded.
func (s *Store) Close(roomID string) {
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	delete(s.rooms, roomID)
	s.mu.Unlock()
	if ok {
		r.close()
	}
}

// Rooms returns the ids of open rooms.
func (s *Store) Rooms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	return ids
}

// Watch streams changes of a room until ctx ends or the room closes.
func (s *Store) Watch(ctx context.Context, roomID string) (<-chan Change, error) {
	r, ok := s.Room(roomID)
	if !ok {
		return nil, ErrUnknownRoom
	}
	return r.Watch(ctx), nil
}
