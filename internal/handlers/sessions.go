// Package handlers exposes the simulator sessions over HTTP.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fleet-simulator/internal/engine"
	"github.com/ukydev/fleet-simulator/internal/models"
	"github.com/ukydev/fleet-simulator/internal/session"
	"github.com/ukydev/fleet-simulator/internal/simerr"
)

const maxBodyBytes = 1 << 20

// SessionHandler serves the session control API.
type SessionHandler struct {
	registry    *session.Registry
	broadcaster *session.Broadcaster
}

// NewSessionHandler creates a handler over registry. Watch requests
// subscribe to broadcaster.
func NewSessionHandler(registry *session.Registry, broadcaster *session.Broadcaster) *SessionHandler {
	return &SessionHandler{registry: registry, broadcaster: broadcaster}
}

// Register adds the routes of the handler to mux.
func (h *SessionHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("GET /api/sessions", h.List)
	mux.HandleFunc("POST /api/sessions/{id}/open", h.Open)
	mux.HandleFunc("POST /api/sessions/{id}/close", h.Close)
	mux.HandleFunc("PUT /api/sessions/{id}/vehicles", h.UpdateVehicles)
	mux.HandleFunc("GET /api/sessions/{id}/vehicles", h.Vehicles)
	mux.HandleFunc("GET /api/sessions/{id}/info", h.Info)
	mux.HandleFunc("POST /api/sessions/{id}/start", h.Start)
	mux.HandleFunc("POST /api/sessions/{id}/stop", h.Stop)
	mux.HandleFunc("POST /api/sessions/{id}/properties", h.SetProperties)
	mux.HandleFunc("POST /api/sessions/{id}/route", h.SetRoute)
	mux.HandleFunc("POST /api/sessions/{id}/acceleration", h.SetAcceleration)
	mux.HandleFunc("GET /api/sessions/{id}/watch", h.Watch)
}

// Health reports liveness.
func (h *SessionHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// List returns every session.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.List())
}

// Open opens the session named in the path.
func (h *SessionHandler) Open(w http.ResponseWriter, r *http.Request) {
	var req engine.OpenRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	s, err := h.registry.Open(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"session":  s.Summary(),
		"vehicles": s.VehicleList(),
	})
}

// Close closes the session.
func (h *SessionHandler) Close(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Close(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateVehicles changes the vehicle set of the session.
func (h *SessionHandler) UpdateVehicles(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req engine.UpdateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	list, err := s.UpdateVehicles(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// Vehicles lists the vehicles of the session.
func (h *SessionHandler) Vehicles(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.VehicleList())
}

// Info returns session or vehicle details. ?vehicle_id= selects a vehicle,
// ?fields=a,b the vehicle fields.
func (h *SessionHandler) Info(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var fields []string
	if raw := r.URL.Query().Get("fields"); raw != "" {
		for _, f := range strings.Split(raw, ",") {
			if f = strings.TrimSpace(f); f != "" {
				fields = append(fields, f)
			}
		}
	}
	info, err := s.Info(r.URL.Query().Get("vehicle_id"), fields...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type startRequest struct {
	VehicleID string            `json:"vehicle_id"`
	Mode      models.SearchMode `json:"mode"`
	Strict    bool              `json:"strict"`
}

// Start starts one or all vehicles.
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req startRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.Start(req.VehicleID, req.Mode, req.Strict)
	writeResult(w, res, err)
}

type stopRequest struct {
	VehicleID  string `json:"vehicle_id"`
	Idempotent bool   `json:"idempotent"`
}

// Stop stops one or all vehicles.
func (h *SessionHandler) Stop(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req stopRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.Stop(req.VehicleID, req.Idempotent)
	writeResult(w, res, err)
}

type propertiesRequest struct {
	VehicleID string             `json:"vehicle_id"`
	Set       map[string]float64 `json:"set"`
	Unset     []string           `json:"unset"`
}

// SetProperties fixes or releases property values.
func (h *SessionHandler) SetProperties(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req propertiesRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.SetProperties(req.VehicleID, req.Set, req.Unset)
	writeResult(w, res, err)
}

type routeRequest struct {
	VehicleID string `json:"vehicle_id"`
	engine.RouteOptions
}

// SetRoute changes route inputs of vehicles that are not running.
func (h *SessionHandler) SetRoute(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req routeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.SetRouteOptions(r.Context(), req.VehicleID, req.RouteOptions)
	writeResult(w, res, err)
}

type accelerationRequest struct {
	VehicleID    string  `json:"vehicle_id"`
	Acceleration float64 `json:"acceleration"`
}

// SetAcceleration sets the acceleration input of running vehicles.
func (h *SessionHandler) SetAcceleration(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req accelerationRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.SetAcceleration(req.VehicleID, req.Acceleration)
	writeResult(w, res, err)
}

func (h *SessionHandler) session(w http.ResponseWriter, r *http.Request) (*engine.Session, bool) {
	s, err := h.registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return s, true
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: failed to read request body", simerr.ErrInvalidArgument)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", simerr.ErrInvalidArgument, err)
	}
	return nil
}

func writeResult(w http.ResponseWriter, res engine.Result, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, err error) {
	status := simerr.HTTPStatus(err)
	if status >= http.StatusInternalServerError && !errors.Is(err, simerr.ErrNoVehicles) {
		log.WithError(err).Error("Request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: simerr.Code(err)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to write response")
	}
}
