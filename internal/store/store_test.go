package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/models"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func confirmed(key, id string, seq int64, at time.Duration) models.Delta {
	return models.Delta{RoomID: "lobby", Message: models.Message{
		ID:             id,
		IdempotencyKey: key,
		RoomID:         "lobby",
		AuthorID:       "u2",
		Content:        "msg " + key,
		CreatedAt:      base.Add(at),
		Seq:            seq,
		Status:         models.StatusConfirmed,
	}}
}

func provisional(key, origin string, at time.Duration) models.Delta {
	return models.Delta{RoomID: "lobby", Message: models.Message{
		ID:             "local-" + key,
		IdempotencyKey: key,
		RoomID:         "lobby",
		AuthorID:       "u1",
		Content:        "msg " + key,
		CreatedAt:      base.Add(at),
		Status:         models.StatusPending,
		Origin:         origin,
	}}
}

func ids(msgs []models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestApplyUnknownRoom(t *testing.T) {
	s := New(nil)
	_, err := s.Apply(confirmed("k1", "m1", 1, 0))
	assert.ErrorIs(t, err, ErrUnknownRoom)
}

func TestApplyOrdersByCreatedAtThenID(t *testing.T) {
	s := New(nil)
	s.Open("lobby")

	_, err := s.Apply(confirmed("k3", "m3", 3, 2*time.Second))
	require.NoError(t, err)
	_, err = s.Apply(confirmed("k2", "m2b", 2, time.Second))
	require.NoError(t, err)
	_, err = s.Apply(confirmed("k1", "m2a", 1, time.Second))
	require.NoError(t, err)

	msgs, err := s.ReadWindow("lobby", Window{})
	require.NoError(t, err)
	assert.Equal(t, []string{"m2a", "m2b", "m3"}, ids(msgs))
}

func TestApplySameDeltaTwiceIsIdempotent(t *testing.T) {
	s := New(nil)
	room := s.Open("lobby")

	first, err := room.Apply(confirmed("k1", "m1", 1, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, first.Appended)

	second, err := room.Apply(confirmed("k1", "m1", 1, 0))
	require.NoError(t, err)
	assert.True(t, second.Empty())
	assert.Equal(t, 1, second.Dropped)
	assert.Equal(t, 1, room.Len())
}

func TestConfirmationReplacesProvisionalInPlace(t *testing.T) {
	s := New(nil)
	room := s.Open("lobby")
	_, err := room.Apply(confirmed("k0", "m0", 1, 0))
	require.NoError(t, err)
	_, err = room.Apply(provisional("k1", "sess", time.Second))
	require.NoError(t, err)

	change, err := room.Apply(confirmed("k1", "srv-1", 2, time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, change.Updated)

	msgs, err := room.ReadWindow(Window{Viewer: "sess"})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "srv-1", msgs[1].ID)
	assert.Equal(t, models.StatusConfirmed, msgs[1].Status)
}

func TestConfirmedIsNeverDowngraded(t *testing.T) {
	s := New(nil)
	room := s.Open("lobby")
	_, err := room.Apply(provisional("k1", "sess", 0))
	require.NoError(t, err)
	_, err = room.Apply(confirmed("k1", "srv-1", 1, 0))
	require.NoError(t, err)

	failed := provisional("k1", "sess", 0)
	failed.Message.Status = models.StatusFailed
	change, err := room.Apply(failed)
	require.NoError(t, err)
	assert.True(t, change.Empty())

	msg, ok := room.Lookup("k1")
	require.True(t, ok)
	assert.Equal(t, models.StatusConfirmed, msg.Status)
}

func TestOlderSeqIsDropped(t *testing.T) {
	s := New(nil)
	room := s.Open("lobby")

	newer := confirmed("k1", "m1", 5, 0)
	newer.Message.Reactions = models.Reactions{"like": 2}
	older := confirmed("k1", "m1", 4, 0)
	older.Message.Reactions = models.Reactions{"like": 1}

	_, err := room.Apply(newer)
	require.NoError(t, err)
	_, err = room.Apply(older)
	require.NoError(t, err)

	msg, _ := room.Lookup("k1")
	assert.Equal(t, 2, msg.Reactions["like"])
}

func TestProvisionalHiddenFromOtherSessions(t *testing.T) {
	s := New(nil)
	room := s.Open("lobby")
	_, err := room.Apply(provisional("k1", "sess-a", 0))
	require.NoError(t, err)

	mine, err := room.ReadWindow(Window{Viewer: "sess-a"})
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	theirs, err := room.ReadWindow(Window{Viewer: "sess-b"})
	require.NoError(t, err)
	assert.Empty(t, theirs)
}

func TestCountMatchesVisibleEntries(t *testing.T) {
	room := New(nil).Open("lobby")
	_, err := room.Apply(provisional("k1", "sess-a", 0))
	require.NoError(t, err)
	_, err = room.Apply(confirmed("k2", "m2", 1, time.Second))
	require.NoError(t, err)

	assert.Equal(t, 2, room.Count("sess-a"))
	assert.Equal(t, 1, room.Count("sess-b"))
	assert.Equal(t, 2, room.Len())
}

func TestReadWindowLastNAndBefore(t *testing.T) {
	s := New(nil)
	room := s.Open("lobby")
	for i := 1; i <= 5; i++ {
		_, err := room.Apply(confirmed(fmt.Sprintf("k%d", i), fmt.Sprintf("m%d", i), int64(i), time.Duration(i)*time.Second))
		require.NoError(t, err)
	}

	last, err := room.ReadWindow(Window{LastN: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"m4", "m5"}, ids(last))

	before := last[0].Position()
	page, err := room.ReadWindow(Window{LastN: 2, Before: &before})
	require.NoError(t, err)
	assert.Equal(t, []string{"m2", "m3"}, ids(page))
}

func TestApplyBatchAdvancesCursorButApplyDoesNot(t *testing.T) {
	s := New(nil)
	room := s.Open("lobby")

	_, err := room.Apply(confirmed("k9", "m9", 9, 0))
	require.NoError(t, err)
	assert.Equal(t, models.Cursor(0), room.Cursor())

	batch := models.Batch{RoomID: "lobby", Cursor: 3, Deltas: []models.Delta{confirmed("k1", "m1", 3, 0)}}
	_, err = s.ApplyBatch(batch)
	require.NoError(t, err)
	assert.Equal(t, models.Cursor(3), room.Cursor())
}

func TestChangeClassifiesPrependedHistory(t *testing.T) {
	s := New(nil)
	room := s.Open("lobby")
	_, err := room.Apply(confirmed("k5", "m5", 5, 5*time.Second))
	require.NoError(t, err)

	history := models.Batch{RoomID: "lobby", Deltas: []models.Delta{
		confirmed("k1", "m1", 1, time.Second),
		confirmed("k2", "m2", 2, 2*time.Second),
	}}
	change, err := room.ApplyBatch(history)
	require.NoError(t, err)
	assert.Equal(t, 2, change.Prepended)
	assert.Zero(t, change.Appended)

	change, err = room.Apply(confirmed("k6", "m6", 6, 6*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, change.Appended)
}

func TestDiscardOnlyRemovesLocalEntries(t *testing.T) {
	s := New(nil)
	room := s.Open("lobby")
	_, err := room.Apply(provisional("k1", "sess", 0))
	require.NoError(t, err)
	_, err = room.Apply(confirmed("k2", "m2", 1, time.Second))
	require.NoError(t, err)

	assert.True(t, room.Discard("k1"))
	assert.False(t, room.Discard("k2"))
	assert.Equal(t, 1, room.Len())
}

func TestClosedRoomRejectsApplies(t *testing.T) {
	s := New(nil)
	room := s.Open("lobby")
	changes := room.Watch(context.Background())

	s.Close("lobby")
	_, err := room.Apply(confirmed("k1", "m1", 1, 0))
	assert.ErrorIs(t, err, ErrRoomClosed)

	_, open := <-changes
	assert.False(t, open)
}

func TestWatchReceivesChanges(t *testing.T) {
	s := New(nil)
	room := s.Open("lobby")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := room.Watch(ctx)

	_, err := room.Apply(confirmed("k1", "m1", 1, 0))
	require.NoError(t, err)

	select {
	case c := <-changes:
		assert.Equal(t, 1, c.Appended)
	case <-time.After(time.Second):
		t.Fatal("expected change notification")
	}
}
