package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ukydev/fleet-simulator/internal/auth"
	"github.com/ukydev/fleet-simulator/internal/db"
	"github.com/ukydev/fleet-simulator/internal/models"
)

type mockTelemetryCollection struct {
	insertErr error
	findErr   error
	inserted  []models.Telemetry
}

func (m *mockTelemetryCollection) InsertTelemetry(ctx context.Context, t models.Telemetry) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	m.inserted = append(m.inserted, t)
	return nil
}

func (m *mockTelemetryCollection) Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (db.TelemetryCursor, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	return &memoryCursor{docs: m.inserted}, nil
}

func probeBody(t *testing.T, vehicleID string) *bytes.Buffer {
	t.Helper()
	data, err := json.Marshal(models.Probe{
		Timestamp: time.Now(),
		TripID:    "trip-1",
		VehicleID: vehicleID,
		Latitude:  51.0,
		Longitude: 0.1,
		Speed:     42.0,
		Properties: map[string]float64{
			"fuel":      63,
			"emissions": 10,
		},
	})
	require.NoError(t, err)
	return bytes.NewBuffer(data)
}

func TestTelemetryHandler_POST_InvalidJSON(t *testing.T) {
	handler := &TelemetryHandler{Collection: &mockTelemetryCollection{}}
	req := httptest.NewRequest(http.MethodPost, "/api/telemetry", bytes.NewBufferString("{bad json"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTelemetryHandler_POST_MissingVehicle(t *testing.T) {
	handler := &TelemetryHandler{Collection: &mockTelemetryCollection{}}
	req := httptest.NewRequest(http.MethodPost, "/api/telemetry", probeBody(t, ""))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTelemetryHandler_POST_DBError(t *testing.T) {
	handler := &TelemetryHandler{Collection: &mockTelemetryCollection{insertErr: errors.New("db error")}}
	req := httptest.NewRequest(http.MethodPost, "/api/telemetry", probeBody(t, "v1"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestTelemetryHandler_POST_Valid(t *testing.T) {
	coll := &mockTelemetryCollection{}
	handler := &TelemetryHandler{Collection: coll}
	req := httptest.NewRequest(http.MethodPost, "/api/telemetry", probeBody(t, "v1"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var res models.IngestResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.NotNil(t, res.TriggeredEvents)
	assert.Empty(t, res.TriggeredEvents)

	require.Len(t, coll.inserted, 1)
	stored := coll.inserted[0]
	assert.Equal(t, "v1", stored.VehicleID)
	assert.Equal(t, "trip-1", stored.TripID)
	require.NotNil(t, stored.FuelLevel)
	assert.Equal(t, 63.0, *stored.FuelLevel)
	assert.Equal(t, 10.0, stored.Emissions)
}

func TestTelemetryHandler_GET_DBError(t *testing.T) {
	handler := &TelemetryHandler{Collection: &mockTelemetryCollection{findErr: errors.New("db error")}}
	req := httptest.NewRequest(http.MethodGet, "/api/telemetry", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestTelemetryHandler_MethodNotAllowed(t *testing.T) {
	handler := &TelemetryHandler{Collection: &mockTelemetryCollection{}}
	req := httptest.NewRequest(http.MethodDelete, "/api/telemetry", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestMemoryCollection_FiltersAndLimits(t *testing.T) {
	handler := &TelemetryHandler{Collection: &memoryCollection{}}
	for _, id := range []string{"v1", "v2", "v1", "v1"} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/telemetry", probeBody(t, id)))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/telemetry?vehicle_id=v1&limit=2", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var out []models.Telemetry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out, 2)
	for _, tm := range out {
		assert.Equal(t, "v1", tm.VehicleID)
	}
}

func TestNewHandler_RequiresIngestScope(t *testing.T) {
	svc := auth.NewService("test-secret", time.Hour)
	h := newHandler(&memoryCollection{}, svc)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/telemetry", probeBody(t, "v1")))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	readOnly, err := svc.GenerateToken("viewer", "telemetry:read")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/telemetry", probeBody(t, "v1"))
	req.Header.Set("Authorization", "Bearer "+readOnly)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	token, err := svc.GenerateToken("fleet-simulator", auth.ScopeIngest)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/api/telemetry", probeBody(t, "v1"))
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
