// Package simerr holds the error taxonomy shared by the simulator packages.
package simerr

import (
	"errors"
	"net/http"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyOpen      = errors.New("session already open")
	ErrNotOpen          = errors.New("session not open")
	ErrAlreadyRunning   = errors.New("vehicle already running")
	ErrNotRunning       = errors.New("vehicle not running")
	ErrRouteUnavailable = errors.New("route unavailable")
	ErrIngestFailure    = errors.New("telemetry ingest failed")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNoVehicles       = errors.New("no vehicles available")
)

// HTTPStatus maps an error from the simulator onto a response code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrAlreadyOpen), errors.Is(err, ErrNotOpen),
		errors.Is(err, ErrAlreadyRunning), errors.Is(err, ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, ErrNoVehicles), errors.Is(err, ErrRouteUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrIngestFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Code is the short name used for an error in JSON results.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrAlreadyOpen):
		return "AlreadyOpen"
	case errors.Is(err, ErrNotOpen):
		return "NotOpen"
	case errors.Is(err, ErrAlreadyRunning):
		return "AlreadyRunning"
	case errors.Is(err, ErrNotRunning):
		return "NotRunning"
	case errors.Is(err, ErrRouteUnavailable):
		return "RouteUnavailable"
	case errors.Is(err, ErrIngestFailure):
		return "IngestFailure"
	case errors.Is(err, ErrInvalidArgument):
		return "InvalidArgument"
	case errors.Is(err, ErrNoVehicles):
		return "NoVehicles"
	default:
		return "Internal"
	}
}
