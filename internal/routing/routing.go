// Package routing talks to the map service that turns anchor points into
// drivable polylines.
package routing

import (
	"context"
	"errors"

	"github.com/ukydev/fleet-simulator/internal/models"
)

var (
	// ErrNotFound is returned when the service has no route between the points.
	ErrNotFound = errors.New("no route found")
	// ErrBatchUnsupported is returned by routers that only accept two points per search.
	ErrBatchUnsupported = errors.New("multi-point route search unsupported")
)

// Router is the map/routing collaborator used by the route state machine.
type Router interface {
	// FindRoute returns a route through points in order. With loop set the
	// route returns to the first point.
	FindRoute(ctx context.Context, points []models.GeoPoint, mode models.SearchMode, loop bool) (models.Route, error)
	// MapMatch snaps p to the nearest road. A nil point means nothing matched.
	MapMatch(ctx context.Context, p models.GeoPoint) (*models.GeoPoint, error)
}
