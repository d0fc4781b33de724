package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chat-sync/internal/models"
)

type RoomServiceMock struct {
	mock.Mock
}

func (m *RoomServiceMock) Append(ctx context.Context, req models.AppendRequest) (models.Ack, bool, error) {
	args := m.Called(ctx, req)
	var ack models.Ack
	if val := args.Get(0); val != nil {
		ack = val.(models.Ack)
	}
	return ack, args.Bool(1), args.Error(2)
}

func (m *RoomServiceMock) Deltas(ctx context.Context, roomID string, after models.Cursor, limit int) (models.Batch, error) {
	args := m.Called(ctx, roomID, after, limit)
	var batch models.Batch
	if val := args.Get(0); val != nil {
		batch = val.(models.Batch)
	}
	return batch, args.Error(1)
}

func (m *RoomServiceMock) History(ctx context.Context, roomID string, before models.Position, limit int) (models.Page, error) {
	args := m.Called(ctx, roomID, before, limit)
	var page models.Page
	if val := args.Get(0); val != nil {
		page = val.(models.Page)
	}
	return page, args.Error(1)
}

func (m *RoomServiceMock) React(ctx context.Context, roomID, messageID, kind string, delta int) (models.Message, error) {
	args := m.Called(ctx, roomID, messageID, kind, delta)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

type PresenceServiceMock struct {
	mock.Mock
}

func (m *PresenceServiceMock) Set(ctx context.Context, update models.PresenceUpdate) (models.Presence, error) {
	args := m.Called(ctx, update)
	var p models.Presence
	if val := args.Get(0); val != nil {
		p = val.(models.Presence)
	}
	return p, args.Error(1)
}

func (m *PresenceServiceMock) Get(ctx context.Context, userID string) (models.Presence, error) {
	args := m.Called(ctx, userID)
	var p models.Presence
	if val := args.Get(0); val != nil {
		p = val.(models.Presence)
	}
	return p, args.Error(1)
}
