package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"chat-sync/internal/models"
	"chat-sync/internal/repositories"
)

type MessageRepositoryMock struct {
	mock.Mock
}

var _ repositories.MessageRepository = (*MessageRepositoryMock)(nil)

func (m *MessageRepositoryMock) Insert(ctx context.Context, msg models.Message) (models.Message, bool, error) {
	args := m.Called(ctx, msg)
	var stored models.Message
	if val := args.Get(0); val != nil {
		stored = val.(models.Message)
	}
	return stored, args.Bool(1), args.Error(2)
}

func (m *MessageRepositoryMock) Get(ctx context.Context, roomID, messageID string) (models.Message, error) {
	args := m.Called(ctx, roomID, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) After(ctx context.Context, roomID string, cursor models.Cursor, limit int) ([]models.Message, error) {
	args := m.Called(ctx, roomID, cursor, limit)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) Before(ctx context.Context, roomID string, pos models.Position, limit int) ([]models.Message, error) {
	args := m.Called(ctx, roomID, pos, limit)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) Head(ctx context.Context, roomID string) (models.Cursor, error) {
	args := m.Called(ctx, roomID)
	var head models.Cursor
	if val := args.Get(0); val != nil {
		head = val.(models.Cursor)
	}
	return head, args.Error(1)
}

func (m *MessageRepositoryMock) UpdateReactions(ctx context.Context, roomID, messageID, kind string, delta int) (models.Message, error) {
	args := m.Called(ctx, roomID, messageID, kind, delta)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

type PresenceRepositoryMock struct {
	mock.Mock
}

var _ repositories.PresenceRepository = (*PresenceRepositoryMock)(nil)

func (m *PresenceRepositoryMock) Upsert(ctx context.Context, p models.Presence) (models.Presence, error) {
	args := m.Called(ctx, p)
	var stored models.Presence
	if val := args.Get(0); val != nil {
		stored = val.(models.Presence)
	}
	return stored, args.Error(1)
}

func (m *PresenceRepositoryMock) Get(ctx context.Context, userID string) (models.Presence, error) {
	args := m.Called(ctx, userID)
	var p models.Presence
	if val := args.Get(0); val != nil {
		p = val.(models.Presence)
	}
	return p, args.Error(1)
}

func (m *PresenceRepositoryMock) ExpireLeases(ctx context.Context, now time.Time) ([]models.Presence, error) {
	args := m.Called(ctx, now)
	var expired []models.Presence
	if val := args.Get(0); val != nil {
		expired = val.([]models.Presence)
	}
	return expired, args.Error(1)
}
