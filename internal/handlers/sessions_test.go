package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ukydev/fleet-simulator/internal/db"
	"github.com/ukydev/fleet-simulator/internal/engine"
	"github.com/ukydev/fleet-simulator/internal/ingest"
	"github.com/ukydev/fleet-simulator/internal/models"
	"github.com/ukydev/fleet-simulator/internal/route"
	"github.com/ukydev/fleet-simulator/internal/routing"
	"github.com/ukydev/fleet-simulator/internal/session"
)

// MockDirectory is a mock implementation of db.Directory
type MockDirectory struct {
	mock.Mock
}

func (m *MockDirectory) ListVehicles(ctx context.Context, filter db.VehicleFilter) ([]models.Vehicle, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).([]models.Vehicle), args.Error(1)
}

func (m *MockDirectory) GetVehicle(ctx context.Context, id string) (*models.Vehicle, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Vehicle), args.Error(1)
}

func (m *MockDirectory) CreateVehicle(ctx context.Context, vehicle models.Vehicle) (*models.Vehicle, error) {
	args := m.Called(ctx, vehicle)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Vehicle), args.Error(1)
}

func (m *MockDirectory) UpdateVehicle(ctx context.Context, id string, patch models.VehiclePatch) (*models.Vehicle, error) {
	args := m.Called(ctx, id, patch)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Vehicle), args.Error(1)
}

func (m *MockDirectory) EnsureDriver(ctx context.Context, name string) (*models.Driver, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Driver), args.Error(1)
}

func newServer(t *testing.T, dir db.Directory) (*http.ServeMux, *session.Registry) {
	t.Helper()
	b := session.NewBroadcaster(time.Hour, 0)
	r := session.NewRegistry(engine.Options{
		Router:    routing.NewStraight(),
		Directory: dir,
		Sink:      ingest.LogSink{},
		Route:     route.Config{TickInterval: 20 * time.Millisecond},
	}, b)
	t.Cleanup(r.CloseAll)

	mux := http.NewServeMux()
	NewSessionHandler(r, b).Register(mux)
	return mux, r
}

func seeded(n int) *db.MemoryDirectory {
	dir := db.NewMemoryDirectory()
	dir.Seed(rand.New(rand.NewSource(5)), n)
	return dir
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

var openBody = map[string]interface{}{
	"count":  2,
	"center": map[string]float64{"lat": 35.68, "lon": 139.77},
	"radius": 1000,
}

func TestSessionHandler_OpenAndControl(t *testing.T) {
	mux, reg := newServer(t, seeded(3))

	w := do(t, mux, http.MethodPost, "/api/sessions/client-1/open", openBody)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var opened struct {
		Session  engine.SessionInfo      `json:"session"`
		Vehicles []engine.VehicleSummary `json:"vehicles"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &opened))
	assert.Equal(t, engine.StateOpen, opened.Session.State)
	require.Len(t, opened.Vehicles, 2)

	s, err := reg.Get("client-1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		for _, v := range s.VehicleList() {
			if v.State != string(route.StatusIdle) {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	w = do(t, mux, http.MethodPost, "/api/sessions/client-1/open", openBody)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, mux, http.MethodPost, "/api/sessions/client-1/start", map[string]interface{}{
		"vehicle_id": opened.Vehicles[0].ID,
	})
	require.Equal(t, http.StatusOK, w.Code)
	var res engine.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Affected)
	assert.NotEmpty(t, res.Vehicles[opened.Vehicles[0].ID].TripID)

	w = do(t, mux, http.MethodPost, "/api/sessions/client-1/acceleration", map[string]interface{}{"acceleration": 3})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Affected)

	w = do(t, mux, http.MethodPost, "/api/sessions/client-1/properties", map[string]interface{}{
		"set": map[string]float64{"fuel": 12},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, mux, http.MethodGet, "/api/sessions/client-1/info?vehicle_id="+opened.Vehicles[0].ID+"&fields=tripId,state", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fields))
	assert.Len(t, fields, 2)
	assert.Equal(t, res.Vehicles[opened.Vehicles[0].ID].TripID, fields["tripId"])

	w = do(t, mux, http.MethodPost, "/api/sessions/client-1/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Affected)

	w = do(t, mux, http.MethodPut, "/api/sessions/client-1/vehicles", map[string]interface{}{"count": 1})
	require.Equal(t, http.StatusOK, w.Code)
	var list []engine.VehicleSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	w = do(t, mux, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"client-1"`)

	w = do(t, mux, http.MethodPost, "/api/sessions/client-1/close", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, mux, http.MethodPost, "/api/sessions/client-1/close", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionHandler_Errors(t *testing.T) {
	mux, _ := newServer(t, seeded(1))

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
		code   string
	}{
		{"unknown session", http.MethodPost, "/api/sessions/ghost/start", "", http.StatusNotFound, "NotFound"},
		{"invalid json", http.MethodPost, "/api/sessions/a/open", "{", http.StatusBadRequest, "InvalidArgument"},
		{"invalid count", http.MethodPost, "/api/sessions/a/open", `{"count":-3}`, http.StatusBadRequest, "InvalidArgument"},
		{"wrong method", http.MethodGet, "/api/sessions/a/open", "", http.StatusMethodNotAllowed, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
			if tt.code != "" {
				var resp errorResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				assert.Equal(t, tt.code, resp.Code)
			}
		})
	}
}

func TestSessionHandler_DirectoryFailure(t *testing.T) {
	dir := new(MockDirectory)
	dir.On("EnsureDriver", mock.Anything, engine.DefaultDriverName).Return(nil, errors.New("connection refused"))
	mux, _ := newServer(t, dir)

	w := do(t, mux, http.MethodPost, "/api/sessions/a/open", openBody)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	dir.AssertExpectations(t)

	w = do(t, mux, http.MethodGet, "/api/sessions", nil)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestSessionHandler_Health(t *testing.T) {
	mux, _ := newServer(t, seeded(1))
	w := do(t, mux, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestSessionHandler_WatchReceivesClose(t *testing.T) {
	mux, reg := newServer(t, seeded(1))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	w := do(t, mux, http.MethodPost, "/api/sessions/client-1/open", map[string]interface{}{
		"count":  1,
		"center": map[string]float64{"lat": 35.68, "lon": 139.77},
		"radius": 100,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sessions/client-1/watch"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// the subscription exists once the handler runs; give it a moment
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, reg.Close("client-1"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var last session.Batch
	for {
		var b session.Batch
		if err := conn.ReadJSON(&b); err != nil {
			break
		}
		last = b
	}
	assert.True(t, last.Closed)
	assert.Equal(t, "client-1", last.SessionID)
}

func TestSessionHandler_WatchUnknownSession(t *testing.T) {
	mux, _ := newServer(t, seeded(1))
	w := do(t, mux, http.MethodGet, "/api/sessions/ghost/watch", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFilterBatch(t *testing.T) {
	b := session.Batch{SessionID: "s", Messages: []engine.Event{
		{Type: engine.EventProbe, VehicleID: "a"},
		{Type: engine.EventProbe, VehicleID: "b"},
		{Type: engine.EventClosed},
	}}
	out := filterBatch(b, "a")
	require.Len(t, out.Messages, 2)
	assert.Equal(t, "a", out.Messages[0].VehicleID)
	assert.Len(t, b.Messages, 3)
}
