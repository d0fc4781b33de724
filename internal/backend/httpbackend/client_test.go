package httpbackend

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/backend"
	"chat-sync/internal/backend/memory"
	"chat-sync/internal/config"
	"chat-sync/internal/handlers"
	"chat-sync/internal/middleware"
	"chat-sync/internal/models"
	"chat-sync/internal/roomlog"
	"chat-sync/internal/subscription"
	"chat-sync/internal/syncerr"
	"chat-sync/internal/ws"
)

const testSecret = "backend-secret"

// memoryService serves the real handlers from the in-process log.
type memoryService struct {
	log *memory.Log

	mu      sync.Mutex
	streams map[roomlog.Subscriber]backend.DeltaStream
}

func (m *memoryService) Append(ctx context.Context, req models.AppendRequest) (models.Ack, bool, error) {
	before := m.log.Appends()
	ack, err := m.log.Append(ctx, req)
	return ack, m.log.Appends() > before, err
}

func (m *memoryService) Deltas(ctx context.Context, roomID string, after models.Cursor, limit int) (models.Batch, error) {
	return models.Batch{RoomID: roomID, Cursor: after}, nil
}

func (m *memoryService) History(ctx context.Context, roomID string, before models.Position, limit int) (models.Page, error) {
	return m.log.History(ctx, roomID, before, limit)
}

func (m *memoryService) React(ctx context.Context, roomID, messageID, kind string, delta int) (models.Message, error) {
	return m.log.React(ctx, roomID, messageID, kind, delta)
}

func (m *memoryService) Set(ctx context.Context, update models.PresenceUpdate) (models.Presence, error) {
	return m.log.SetPresence(ctx, update)
}

func (m *memoryService) Get(ctx context.Context, userID string) (models.Presence, error) {
	return m.log.GetPresence(ctx, userID)
}

func (m *memoryService) Subscribe(ctx context.Context, roomID string, cursor models.Cursor, sub roomlog.Subscriber) error {
	st, err := m.log.SubscribeDeltas(context.Background(), roomID, cursor)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.streams[sub] = st
	m.mu.Unlock()
	go func() {
		for {
			batch, err := st.Recv(context.Background())
			if err != nil {
				sub.Close(err.Error())
				return
			}
			if !sub.Deliver(batch) {
				sub.Close("slow consumer")
				return
			}
		}
	}()
	return nil
}

func (m *memoryService) Unsubscribe(roomID string, sub roomlog.Subscriber) {
	m.mu.Lock()
	st, ok := m.streams[sub]
	delete(m.streams, sub)
	m.mu.Unlock()
	if ok {
		_ = st.Close()
	}
}

func newServer(t *testing.T) (*httptest.Server, *memory.Log) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := memory.New()
	svc := &memoryService{log: log, streams: make(map[roomlog.Subscriber]backend.DeltaStream)}

	router := gin.New()
	handlers.Routes{
		Rooms:    handlers.NewRoomHandler(svc),
		Presence: handlers.NewPresenceHandler(svc),
		Stream:   ws.NewRoomWebSocketHandler(svc, testSecret, nil).Handle,
		Auth:     middleware.AuthMiddleware(testSecret),
	}.Register(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, log
}

func newClient(t *testing.T, baseURL, userID string) *Client {
	t.Helper()
	token, err := middleware.IssueToken(testSecret, userID, userID+"-name", time.Hour)
	require.NoError(t, err)
	c, err := New(baseURL, token)
	require.NoError(t, err)
	return c
}

func appendReq(key, content string) models.AppendRequest {
	return models.AppendRequest{IdempotencyKey: key, RoomID: "lobby", AuthorUsername: "alice", Content: content}
}

func TestAppendReplayAndConflict(t *testing.T) {
	srv, log := newServer(t)
	c := newClient(t, srv.URL, "u1")
	ctx := context.Background()

	ack, err := c.Append(ctx, appendReq("k1", "hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), ack.Seq)
	assert.NotEmpty(t, ack.ID)

	again, err := c.Append(ctx, appendReq("k1", "hello"))
	require.NoError(t, err)
	assert.Equal(t, ack.ID, again.ID)
	assert.Equal(t, 1, log.Appends())

	_, err = c.Append(ctx, appendReq("k1", "changed"))
	var conflict *syncerr.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "k1", conflict.IdempotencyKey)
}

func TestAppendValidationError(t *testing.T) {
	srv, _ := newServer(t)
	c := newClient(t, srv.URL, "u1")

	_, err := c.Append(context.Background(), appendReq("k1", "   "))
	assert.ErrorIs(t, err, syncerr.ErrValidation)
}

func TestAuthFailures(t *testing.T) {
	srv, _ := newServer(t)
	c, err := New(srv.URL, "not-a-token")
	require.NoError(t, err)

	_, err = c.Append(context.Background(), appendReq("k1", "hello"))
	assert.True(t, syncerr.IsAuth(err))

	_, err = c.SubscribeDeltas(context.Background(), "lobby", 0)
	assert.True(t, syncerr.IsAuth(err))

	_, err = c.SetPresence(context.Background(), models.PresenceUpdate{UserID: "u1", State: models.PresenceOnline, Epoch: 1, LeaseMS: 1000})
	assert.True(t, syncerr.IsAuth(err))
}

func TestUnreachableServerIsTransient(t *testing.T) {
	srv, _ := newServer(t)
	c := newClient(t, srv.URL, "u1")
	srv.Close()

	_, err := c.Append(context.Background(), appendReq("k1", "hello"))
	assert.True(t, syncerr.IsTransient(err))

	_, err = c.SubscribeDeltas(context.Background(), "lobby", 0)
	assert.True(t, syncerr.IsTransient(err))
}

func TestSubscribeDeltasBacklogThenLive(t *testing.T) {
	srv, _ := newServer(t)
	c := newClient(t, srv.URL, "u1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.Append(ctx, appendReq("k1", "one"))
	require.NoError(t, err)
	_, err = c.Append(ctx, appendReq("k2", "two"))
	require.NoError(t, err)

	st, err := c.SubscribeDeltas(ctx, "lobby", 1)
	require.NoError(t, err)

	batch, err := st.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Cursor(2), batch.Cursor)
	require.Len(t, batch.Deltas, 1)
	assert.Equal(t, "two", batch.Deltas[0].Message.Content)

	_, err = c.Append(ctx, appendReq("k3", "three"))
	require.NoError(t, err)
	batch, err = st.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Cursor(3), batch.Cursor)

	require.NoError(t, st.Close())
	_, err = st.Recv(ctx)
	assert.Error(t, err)
}

func TestPresenceRoundTrip(t *testing.T) {
	srv, _ := newServer(t)
	c := newClient(t, srv.URL, "u1")
	ctx := context.Background()

	p, err := c.SetPresence(ctx, models.PresenceUpdate{UserID: "u1", State: models.PresenceOnline, Epoch: 10, LeaseMS: 60000})
	require.NoError(t, err)
	assert.Equal(t, models.PresenceOnline, p.State)

	stored, err := c.SetPresence(ctx, models.PresenceUpdate{UserID: "u1", State: models.PresenceOffline, Epoch: 5})
	assert.ErrorIs(t, err, syncerr.ErrStaleEpoch)
	assert.Equal(t, int64(10), stored.Epoch)

	got, err := newClient(t, srv.URL, "u2").GetPresence(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.PresenceOnline, got.State)

	_, err = newClient(t, srv.URL, "u2").SetPresence(ctx, models.PresenceUpdate{UserID: "u1", State: models.PresenceOffline, Epoch: 11})
	assert.True(t, syncerr.IsAuth(err))
}

func TestHistoryAndReactions(t *testing.T) {
	srv, _ := newServer(t)
	c := newClient(t, srv.URL, "u1")
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		_, err := c.Append(ctx, appendReq(key, "msg "+key))
		require.NoError(t, err)
	}

	page, err := c.History(ctx, "lobby", models.Position{}, 2)
	require.NoError(t, err)
	assert.True(t, page.HasMore)
	assert.Equal(t, models.Cursor(3), page.Cursor)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "msg b", page.Messages[0].Content)

	older, err := c.History(ctx, "lobby", page.Messages[0].Position(), 2)
	require.NoError(t, err)
	assert.False(t, older.HasMore)
	require.Len(t, older.Messages, 1)
	assert.Equal(t, "msg a", older.Messages[0].Content)

	msg, err := c.React(ctx, "lobby", older.Messages[0].ID, "like", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, msg.Reactions["like"])
	assert.Equal(t, int64(4), msg.Seq)

	_, err = c.React(ctx, "lobby", "missing", "like", 1)
	assert.ErrorIs(t, err, syncerr.ErrValidation)
}

func TestMultiplexerOverHTTP(t *testing.T) {
	srv, _ := newServer(t)
	c := newClient(t, srv.URL, "u1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mux, err := subscription.New(c, config.SubscriptionConfig{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 100 * time.Millisecond}, nil)
	require.NoError(t, err)
	defer mux.Close()

	sub, err := mux.Subscribe(ctx, "lobby", 0)
	require.NoError(t, err)

	_, err = c.Append(ctx, appendReq("k1", "over the wire"))
	require.NoError(t, err)

	select {
	case batch := <-sub.Batches():
		require.Len(t, batch.Deltas, 1)
		assert.Equal(t, "over the wire", batch.Deltas[0].Message.Content)
		assert.Equal(t, "u1", batch.Deltas[0].Message.AuthorID)
	case <-ctx.Done():
		t.Fatal("no batch received")
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("ftp://example.com", "t")
	assert.Error(t, err)
}
