package routing

import (
	"context"
	"fmt"

	"github.com/ukydev/fleet-simulator/internal/geo"
	"github.com/ukydev/fleet-simulator/internal/models"
)

// Straight is an offline router that connects the points with great-circle
// legs, sampled every Step meters. Useful without a routing backend.
type Straight struct {
	Step float64
	// SpeedKmh is used to estimate travel time.
	SpeedKmh float64
	// PairsOnly makes FindRoute reject more than two points.
	PairsOnly bool
}

// NewStraight creates a straight-line router sampling every 25 m.
func NewStraight() *Straight {
	return &Straight{Step: 25, SpeedKmh: 40}
}

// FindRoute samples straight legs between consecutive points.
func (s *Straight) FindRoute(ctx context.Context, points []models.GeoPoint, mode models.SearchMode, loop bool) (models.Route, error) {
	if err := ctx.Err(); err != nil {
		return models.Route{}, err
	}
	if len(points) < 2 {
		return models.Route{}, fmt.Errorf("need at least 2 points, got %d: %w", len(points), ErrNotFound)
	}
	if s.PairsOnly && len(points) > 2 {
		return models.Route{}, ErrBatchUnsupported
	}
	anchors := points
	if loop {
		anchors = append(append([]models.GeoPoint{}, points...), points[0])
	}
	step := s.Step
	if step <= 0 {
		step = 25
	}

	out := []models.GeoPoint{models.Point(anchors[0].Latitude, anchors[0].Longitude)}
	for i := 1; i < len(anchors); i++ {
		from, to := anchors[i-1], anchors[i]
		d := geo.Distance(from, to)
		if d == 0 {
			continue
		}
		bearing := geo.Bearing(from, to)
		for walked := step; walked < d; walked += step {
			p := geo.Destination(from, bearing, walked)
			p.Heading = 0
			out = append(out, p)
		}
		out = append(out, models.Point(to.Latitude, to.Longitude))
	}
	out = models.Dedupe(out)
	if len(out) < 2 {
		return models.Route{}, ErrNotFound
	}

	dist := geo.PathLength(out)
	speed := s.SpeedKmh
	if speed <= 0 {
		speed = 40
	}
	return models.Route{
		Mode:       mode,
		Points:     out,
		Distance:   dist,
		TravelTime: dist / geo.KmhToMps(speed),
	}, nil
}

// MapMatch returns the point unchanged.
func (s *Straight) MapMatch(ctx context.Context, p models.GeoPoint) (*models.GeoPoint, error) {
	m := models.Point(p.Latitude, p.Longitude)
	return &m, nil
}
