package roomlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/mocks"
	"chat-sync/internal/models"
	"chat-sync/internal/repositories"
	"chat-sync/internal/syncerr"
	"chat-sync/internal/telemetry"
)

func newTestPresence(repo *mocks.PresenceRepositoryMock, opts ...PresenceOption) *PresenceService {
	opts = append([]PresenceOption{WithPresenceClock(func() time.Time { return fixedNow })}, opts...)
	return NewPresenceService(repo, nil, opts...)
}

func TestPresenceSetOnlineSetsLease(t *testing.T) {
	repo := new(mocks.PresenceRepositoryMock)
	svc := newTestPresence(repo)
	now := fixedNow.Truncate(time.Microsecond)

	want := models.Presence{UserID: "u1", State: models.PresenceOnline, Epoch: 10, LeaseExpiry: now.Add(30 * time.Second), UpdatedAt: now}
	repo.On("Upsert", mock.Anything, want).Return(want, nil).Once()

	got, err := svc.Set(context.Background(), models.PresenceUpdate{UserID: "u1", State: models.PresenceOnline, Epoch: 10, LeaseMS: 30000})
	require.NoError(t, err)
	assert.Equal(t, want, got)
	repo.AssertExpectations(t)
}

func TestPresenceSetStaleEpoch(t *testing.T) {
	repo := new(mocks.PresenceRepositoryMock)
	svc := newTestPresence(repo)

	stored := models.Presence{UserID: "u1", State: models.PresenceOnline, Epoch: 20}
	repo.On("Upsert", mock.Anything, mock.AnythingOfType("models.Presence")).Return(stored, syncerr.ErrStaleEpoch).Once()

	got, err := svc.Set(context.Background(), models.PresenceUpdate{UserID: "u1", State: models.PresenceOffline, Epoch: 10})
	assert.ErrorIs(t, err, syncerr.ErrStaleEpoch)
	assert.Equal(t, int64(20), got.Epoch)
}

func TestPresenceSetValidation(t *testing.T) {
	repo := new(mocks.PresenceRepositoryMock)
	svc := newTestPresence(repo)

	updates := []models.PresenceUpdate{
		{UserID: "u1", State: "away", Epoch: 1},
		{UserID: "u1", State: models.PresenceOnline, Epoch: 0, LeaseMS: 1000},
		{UserID: "u1", State: models.PresenceOnline, Epoch: 1},
	}
	for _, u := range updates {
		_, err := svc.Set(context.Background(), u)
		assert.ErrorIs(t, err, syncerr.ErrValidation)
	}
	repo.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything)
}

func TestPresenceGetEffective(t *testing.T) {
	repo := new(mocks.PresenceRepositoryMock)
	svc := newTestPresence(repo)

	repo.On("Get", mock.Anything, "expired").Return(models.Presence{UserID: "expired", State: models.PresenceOnline, Epoch: 1, LeaseExpiry: fixedNow.Add(-time.Second)}, nil).Once()
	repo.On("Get", mock.Anything, "live").Return(models.Presence{UserID: "live", State: models.PresenceOnline, Epoch: 1, LeaseExpiry: fixedNow.Add(time.Second)}, nil).Once()
	repo.On("Get", mock.Anything, "nobody").Return(nil, repositories.ErrPresenceNotFound).Once()

	p, err := svc.Get(context.Background(), "expired")
	require.NoError(t, err)
	assert.Equal(t, models.PresenceOffline, p.State)

	p, err = svc.Get(context.Background(), "live")
	require.NoError(t, err)
	assert.Equal(t, models.PresenceOnline, p.State)

	p, err = svc.Get(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, models.PresenceOffline, p.State)
	repo.AssertExpectations(t)
}

func TestPresenceSweepAudits(t *testing.T) {
	repo := new(mocks.PresenceRepositoryMock)
	pub := new(mocks.PublisherMock)
	svc := newTestPresence(repo, WithAudit(telemetry.NewAuditEmitter(pub, "audit.log", "chat-sync", "test", nil)))

	expired := []models.Presence{
		{UserID: "u1", State: models.PresenceOffline, Epoch: 3},
		{UserID: "u2", State: models.PresenceOffline, Epoch: 4},
	}
	repo.On("ExpireLeases", mock.Anything, fixedNow).Return(expired, nil).Once()
	pub.On("Publish", mock.Anything, "audit.log", mock.AnythingOfType("telemetry.AuditEnvelope")).Return(nil).Twice()

	n, err := svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	repo.AssertExpectations(t)
	pub.AssertExpectations(t)
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	repo := new(mocks.PresenceRepositoryMock)
	svc := newTestPresence(repo)
	swept := make(chan struct{}, 1)
	repo.On("ExpireLeases", mock.Anything, mock.Anything).Return([]models.Presence{}, nil).Run(func(mock.Arguments) {
		select {
		case swept <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.RunSweeper(ctx, 5*time.Millisecond)
		close(done)
	}()

	select {
	case <-swept:
	case <-time.After(time.Second):
		t.Fatal("sweeper never ran")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
