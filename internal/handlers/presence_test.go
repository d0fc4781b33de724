package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/mocks"
	"chat-sync/internal/models"
	"chat-sync/internal/syncerr"
)

func TestSetPresence(t *testing.T) {
	presence := new(mocks.PresenceServiceMock)
	router := setupRouter(nil, presence)

	update := models.PresenceUpdate{UserID: "u1", State: models.PresenceOnline, Epoch: 42, LeaseMS: 30000}
	stored := models.Presence{UserID: "u1", State: models.PresenceOnline, Epoch: 42}
	presence.On("Set", mock.Anything, update).Return(stored, nil).Once()

	req := httptest.NewRequest(http.MethodPut, "/presence/u1", bytes.NewBufferString(`{"state":"online","epoch":42,"lease_ms":30000}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got models.Presence
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, int64(42), got.Epoch)
	presence.AssertExpectations(t)
}

func TestSetPresenceStaleEpoch(t *testing.T) {
	presence := new(mocks.PresenceServiceMock)
	router := setupRouter(nil, presence)

	stored := models.Presence{UserID: "u1", State: models.PresenceOnline, Epoch: 99}
	presence.On("Set", mock.Anything, mock.AnythingOfType("models.PresenceUpdate")).Return(stored, syncerr.ErrStaleEpoch).Once()

	req := httptest.NewRequest(http.MethodPut, "/presence/u1", bytes.NewBufferString(`{"state":"offline","epoch":42}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
	var got StaleEpochResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, CodeStaleEpoch, got.Error)
	assert.Equal(t, int64(99), got.Presence.Epoch)
}

func TestSetPresenceForOtherUserForbidden(t *testing.T) {
	presence := new(mocks.PresenceServiceMock)
	router := setupRouter(nil, presence)

	req := httptest.NewRequest(http.MethodPut, "/presence/u2", bytes.NewBufferString(`{"state":"offline","epoch":1}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	presence.AssertNotCalled(t, "Set", mock.Anything, mock.Anything)
}

func TestGetPresence(t *testing.T) {
	presence := new(mocks.PresenceServiceMock)
	router := setupRouter(nil, presence)
	presence.On("Get", mock.Anything, "u2").Return(models.Presence{UserID: "u2", State: models.PresenceOffline}, nil).Once()
	presence.On("Get", mock.Anything, "u3").Return(nil, assert.AnError).Once()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/presence/u2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.Presence
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, models.PresenceOffline, got.State)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/presence/u3", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	presence.AssertExpectations(t)
}
