package ingest

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fleet-simulator/internal/models"
	"github.com/ukydev/fleet-simulator/internal/simerr"
)

// TelemetryStore persists telemetry records.
type TelemetryStore interface {
	InsertTelemetry(ctx context.Context, t models.Telemetry) error
}

// StoreSink writes probes straight into a telemetry store, skipping the
// ingest API. Nothing evaluates rules on this path, so results are empty.
type StoreSink struct {
	Store TelemetryStore
}

// SubmitProbe stores the probe.
func (s *StoreSink) SubmitProbe(ctx context.Context, p models.Probe) (models.IngestResult, error) {
	if err := s.Store.InsertTelemetry(ctx, models.TelemetryFromProbe(p)); err != nil {
		return models.IngestResult{}, fmt.Errorf("%w: %v", simerr.ErrIngestFailure, err)
	}
	return models.IngestResult{}, nil
}

// LogSink only logs probes. Used when no ingest is configured.
type LogSink struct{}

// SubmitProbe logs the probe at debug level.
func (LogSink) SubmitProbe(ctx context.Context, p models.Probe) (models.IngestResult, error) {
	log.WithFields(log.Fields{
		"vehicle_id": p.VehicleID,
		"trip_id":    p.TripID,
		"lat":        p.Latitude,
		"lon":        p.Longitude,
		"speed":      p.Speed,
	}).Debug("Probe")
	return models.IngestResult{}, nil
}
