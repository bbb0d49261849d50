package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fleet-simulator/internal/geo"
	"github.com/ukydev/fleet-simulator/internal/models"
)

// OSRM queries an OSRM compatible routing backend.
type OSRM struct {
	BaseURL    string
	Profile    string
	HTTPClient *http.Client

	matches *expirable.LRU[string, matchEntry]
}

type matchEntry struct {
	point models.GeoPoint
	ok    bool
}

// NewOSRM creates a client with a map-match cache of cacheSize entries, each
// kept for at most ttl.
func NewOSRM(baseURL string, cacheSize int, ttl time.Duration) *OSRM {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	return &OSRM{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Profile:    "driving",
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		matches:    expirable.NewLRU[string, matchEntry](cacheSize, nil, ttl),
	}
}

type osrmRoute struct {
	Distance float64 `json:"distance"`
	Duration float64 `json:"duration"`
	Geometry struct {
		Coordinates [][]float64 `json:"coordinates"`
	} `json:"geometry"`
}

type osrmRouteResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Routes  []osrmRoute `json:"routes"`
}

type osrmNearestResponse struct {
	Code      string `json:"code"`
	Waypoints []struct {
		Location []float64 `json:"location"`
		Distance float64   `json:"distance"`
	} `json:"waypoints"`
}

func coordList(points []models.GeoPoint) string {
	parts := make([]string, len(points))
	for i, p := range points {
		parts[i] = fmt.Sprintf("%.6f,%.6f", p.Longitude, p.Latitude)
	}
	return strings.Join(parts, ";")
}

// FindRoute asks OSRM for a route through points. Alternatives are requested
// for plain two point searches and picked according to mode.
func (c *OSRM) FindRoute(ctx context.Context, points []models.GeoPoint, mode models.SearchMode, loop bool) (models.Route, error) {
	if len(points) < 2 {
		return models.Route{}, fmt.Errorf("need at least 2 points, got %d: %w", len(points), ErrNotFound)
	}
	req := points
	if loop {
		req = append(append([]models.GeoPoint{}, points...), points[0])
	}
	alternatives := len(req) == 2
	url := fmt.Sprintf("%s/route/v1/%s/%s?overview=full&geometries=geojson&alternatives=%t",
		c.BaseURL, c.Profile, coordList(req), alternatives)

	var obj osrmRouteResponse
	status, err := c.getJSON(ctx, url, &obj)
	if err != nil {
		return models.Route{}, err
	}
	if obj.Code == "NoRoute" || obj.Code == "NoSegment" {
		return models.Route{}, fmt.Errorf("osrm %s: %w", obj.Code, ErrNotFound)
	}
	if status != http.StatusOK {
		return models.Route{}, fmt.Errorf("osrm status %d: %s", status, obj.Message)
	}
	if len(obj.Routes) == 0 {
		return models.Route{}, ErrNotFound
	}

	chosen := pickRoute(obj.Routes, mode)
	pts := make([]models.GeoPoint, 0, len(chosen.Geometry.Coordinates))
	for _, co := range chosen.Geometry.Coordinates {
		if len(co) < 2 {
			continue
		}
		pts = append(pts, models.Point(co[1], co[0]))
	}
	pts = models.Dedupe(pts)
	if len(pts) < 2 {
		return models.Route{}, ErrNotFound
	}
	dist := chosen.Distance
	if dist == 0 {
		dist = geo.PathLength(pts)
	}
	return models.Route{Mode: mode, Points: pts, Distance: dist, TravelTime: chosen.Duration}, nil
}

func pickRoute(routes []osrmRoute, mode models.SearchMode) osrmRoute {
	best := routes[0]
	switch mode {
	case models.ModeDistance:
		for _, r := range routes[1:] {
			if r.Distance < best.Distance {
				best = r
			}
		}
	case models.ModePattern:
		best = routes[len(routes)-1]
	default:
		for _, r := range routes[1:] {
			if r.Duration < best.Duration {
				best = r
			}
		}
	}
	return best
}

// MapMatch snaps p to the nearest road segment. Results, including misses,
// are cached.
func (c *OSRM) MapMatch(ctx context.Context, p models.GeoPoint) (*models.GeoPoint, error) {
	key := fmt.Sprintf("%.5f,%.5f", p.Latitude, p.Longitude)
	if e, ok := c.matches.Get(key); ok {
		if !e.ok {
			return nil, nil
		}
		pt := e.point
		return &pt, nil
	}

	url := fmt.Sprintf("%s/nearest/v1/%s/%s?number=1", c.BaseURL, c.Profile, coordList([]models.GeoPoint{p}))
	var obj osrmNearestResponse
	status, err := c.getJSON(ctx, url, &obj)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK || obj.Code != "Ok" || len(obj.Waypoints) == 0 || len(obj.Waypoints[0].Location) < 2 {
		c.matches.Add(key, matchEntry{})
		return nil, nil
	}
	loc := obj.Waypoints[0].Location
	pt := models.Point(loc[1], loc[0])
	c.matches.Add(key, matchEntry{point: pt, ok: true})
	return &pt, nil
}

// CachedMatches reports how many map-match results are held.
func (c *OSRM) CachedMatches() int {
	return c.matches.Len()
}

func (c *OSRM) getJSON(ctx context.Context, url string, out interface{}) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("osrm request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if err := json.Unmarshal(body, out); err != nil {
		log.WithFields(log.Fields{"status": resp.StatusCode, "url": url}).WithError(err).Debug("Undecodable OSRM response")
		return resp.StatusCode, fmt.Errorf("osrm status %d: %w", resp.StatusCode, err)
	}
	return resp.StatusCode, nil
}
