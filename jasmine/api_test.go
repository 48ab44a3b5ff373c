package jasmine

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T) (*API, *Jasmine) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Discord.Token = "test-token"
	cfg.DataDir = t.TempDir()

	j, err := New(cfg)
	require.NoError(t, err)
	j.store = NewMemoryStore(cfg.DataDir, nil, nil)
	return j.api, j
}

func apiGet(t *testing.T, a *API, path string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	a.engine.ServeHTTP(w, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestAPIHealthCheck(t *testing.T) {
	a, _ := newTestAPI(t)

	code, body := apiGet(t, a, apiPathHealth)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestAPIStatus(t *testing.T) {
	a, j := newTestAPI(t)
	j.SetPersonality("cheerful")

	code, body := apiGet(t, a, "/status")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "cheerful", body["personality"])
	assert.Equal(t, false, body["discord_connected"])

	chatQueue, ok := body["chat_queue"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(0), chatQueue["waiting"])
	assert.Equal(t, float64(0), chatQueue["processed"])
	assert.Equal(t, float64(0), chatQueue["dropped"])
	assert.Contains(t, body, "image_queue")
}

func TestAPIGuildFacts(t *testing.T) {
	a, j := newTestAPI(t)

	ctx := t.Context()
	require.NoError(t, j.store.EnsureSeeded(ctx, "guild1", "Test Server"))
	_, err := j.store.Add(ctx, "guild1", "alice likes cats")
	require.NoError(t, err)

	code, body := apiGet(t, a, "/api/facts/guild1")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "guild1", body["guild_id"])

	facts, ok := body["facts"].([]any)
	require.True(t, ok)
	require.Len(t, facts, 1)

	fact, ok := facts[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2), fact["id"])
	assert.Equal(t, "alice likes cats", fact["content"])
}

func TestAPIGuildFactsStoreUnavailable(t *testing.T) {
	a, j := newTestAPI(t)
	j.store = nil

	code, body := apiGet(t, a, "/api/facts/guild1")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body["error"], "not initialized")
}

func TestAPIFactHistoryDatabaseUnavailable(t *testing.T) {
	a, _ := newTestAPI(t)

	code, body := apiGet(t, a, "/api/facts/guild1/history")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body["error"], "not initialized")
}
