package internal_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/minigame-rooms/internal"
)

func newTestHandler(t *testing.T) (*internal.Handler, *internal.Store) {
	t.Helper()

	cfg := testConfig()
	logger := testLogger()
	store := internal.NewStore(cfg.Room, logger)
	hub := internal.NewHub(store, cfg, logger)
	t.Cleanup(func() {
		hub.Stop()
		store.Stop()
	})

	return internal.NewHandler(store, hub, logger), store
}

// TestHandler_Health 測試健康檢查端點
func TestHandler_Health(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.NotZero(t, body["timestamp"])
}

// TestHandler_Stats 測試統計端點
func TestHandler_Stats(t *testing.T) {
	handler, store := newTestHandler(t)

	room := store.CreateRoom("snake", &internal.Player{ID: "p1"})
	_, err := store.JoinRoom(room.ID, &internal.Player{ID: "p2"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(0), body["connectedPlayers"])

	rooms := body["rooms"].(map[string]any)
	assert.Equal(t, float64(1), rooms["total_rooms"])
	assert.Equal(t, float64(2), rooms["total_players"])
}

// TestHandler_NotFound 測試未知路由
func TestHandler_NotFound(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
