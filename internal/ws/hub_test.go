package ws

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"chat-sync/internal/models"
)

type fakeSubscriber struct {
	batches []models.Batch
	full    bool
	reason  string
}

func (f *fakeSubscriber) Deliver(batch models.Batch) bool {
	if f.full {
		return false
	}
	f.batches = append(f.batches, batch)
	return true
}

func (f *fakeSubscriber) Close(reason string) { f.reason = reason }

func TestHubJoinAndLeave(t *testing.T) {
	hub := NewHub()
	sub := &fakeSubscriber{}

	hub.Join("lobby", sub)
	assert.Equal(t, 1, hub.Count("lobby"))

	hub.Leave("lobby", sub)
	assert.Equal(t, 0, hub.Count("lobby"))
	assert.Empty(t, hub.rooms)
}

func TestHubBroadcastDropsSlowSubscribers(t *testing.T) {
	hub := NewHub()
	fast := &fakeSubscriber{}
	slow := &fakeSubscriber{full: true}
	other := &fakeSubscriber{}
	hub.Join("lobby", fast)
	hub.Join("lobby", slow)
	hub.Join("den", other)

	hub.Broadcast("lobby", models.Batch{RoomID: "lobby", Cursor: 4})

	assert.Len(t, fast.batches, 1)
	assert.Empty(t, other.batches)
	assert.Equal(t, closeSlowConsumer, slow.reason)
	assert.Equal(t, 1, hub.Count("lobby"))
}

func TestClientDeliverRespectsBuffer(t *testing.T) {
	c := newClient(nil, "lobby", ConnInfo{})
	for i := 0; i < sendBufferSize; i++ {
		assert.True(t, c.Deliver(models.Batch{Cursor: models.Cursor(i)}))
	}
	assert.False(t, c.Deliver(models.Batch{}))

	c.Close("bye")
	c.Close("ignored")
	assert.Equal(t, "bye", c.Reason())
}
