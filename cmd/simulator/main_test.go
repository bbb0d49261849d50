package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ukydev/fleet-simulator/internal/config"
	"github.com/ukydev/fleet-simulator/internal/ingest"
	"github.com/ukydev/fleet-simulator/internal/lease"
	"github.com/ukydev/fleet-simulator/internal/models"
	"github.com/ukydev/fleet-simulator/internal/routing"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		Router:             "straight",
		Modes:              []models.SearchMode{models.ModeTime},
		TickInterval:       20 * time.Millisecond,
		FlushInterval:      20 * time.Millisecond,
		SessionTimeout:     time.Minute,
		DispatchMaxPending: 10,
		AutoCreate:         true,
		IngestSink:         "log",
		APIBaseURL:         "http://localhost:8081/api",
		Directory:          "memory",
		FleetSize:          3,
		Leases:             "memory",
	}
}

func TestNewRouter(t *testing.T) {
	cfg := testConfig()
	assert.IsType(t, &routing.Straight{}, newRouter(cfg))

	cfg.Router = "osrm"
	cfg.OSRMURL = "http://localhost:5000"
	cfg.MapMatchCacheSize = 16
	assert.IsType(t, &routing.OSRM{}, newRouter(cfg))
}

func TestNewSink(t *testing.T) {
	cfg := testConfig()
	a := &app{}
	mdb := &mongoDatabase{}

	sink, err := newSink(cfg, a, mdb)
	require.NoError(t, err)
	assert.IsType(t, ingest.LogSink{}, sink)

	cfg.IngestSink = "http"
	cfg.JWTSecret = "secret"
	sink, err = newSink(cfg, a, mdb)
	require.NoError(t, err)
	assert.IsType(t, &ingest.HTTPSink{}, sink)
	assert.Empty(t, a.cleanups)
}

func TestNewTokenSource(t *testing.T) {
	cfg := testConfig()
	cfg.SimAuthToken = "static-token"
	token, err := newTokenSource(cfg).Token()
	require.NoError(t, err)
	assert.Equal(t, "static-token", token)
}

func TestNewLeasesMemory(t *testing.T) {
	store, err := newLeases(testConfig(), &app{})
	require.NoError(t, err)
	assert.IsType(t, &lease.MemoryStore{}, store)
}

func TestBuild_ServesSessions(t *testing.T) {
	a, err := build(testConfig())
	require.NoError(t, err)
	defer a.close()

	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	body := `{"center":{"lat":51.5,"lon":-0.12},"radius":2000,"count":2}`
	w = httptest.NewRecorder()
	a.handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/sessions/s1/open", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = httptest.NewRecorder()
	a.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/sessions/s1/vehicles", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var vehicles []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &vehicles))
	assert.Len(t, vehicles, 2)

	w = httptest.NewRecorder()
	a.handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/sessions/s1/close", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestBuild_CORSPreflight(t *testing.T) {
	a, err := build(testConfig())
	require.NoError(t, err)
	defer a.close()

	req := httptest.NewRequest(http.MethodOptions, "/api/sessions", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
