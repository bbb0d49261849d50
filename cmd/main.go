// Command main is a development telemetry ingest receiver: it accepts the
// probes the simulator posts and stores them in MongoDB.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/justinas/alice"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ukydev/fleet-simulator/internal/auth"
	"github.com/ukydev/fleet-simulator/internal/config"
	"github.com/ukydev/fleet-simulator/internal/db"
	"github.com/ukydev/fleet-simulator/internal/logging"
	"github.com/ukydev/fleet-simulator/internal/middleware"
	"github.com/ukydev/fleet-simulator/internal/models"
)

const defaultListLimit = 100

// TelemetryHandler stores posted probes and lists stored telemetry.
type TelemetryHandler struct {
	Collection db.TelemetryCollection
}

func (h *TelemetryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.post(w, r)
	case http.MethodGet:
		h.list(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *TelemetryHandler) post(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	var probe models.Probe
	if err := json.Unmarshal(body, &probe); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if probe.VehicleID == "" {
		http.Error(w, "vehicle_id required", http.StatusBadRequest)
		return
	}
	if probe.Timestamp.IsZero() {
		probe.Timestamp = time.Now()
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := h.Collection.InsertTelemetry(ctx, models.TelemetryFromProbe(probe)); err != nil {
		log.WithError(err).WithField("vehicle_id", probe.VehicleID).Error("Failed to store telemetry")
		http.Error(w, "Failed to store telemetry", http.StatusInternalServerError)
		return
	}

	log.WithFields(log.Fields{
		"vehicle_id": probe.VehicleID,
		"trip_id":    probe.TripID,
		"speed":      probe.Speed,
	}).Debug("Received telemetry")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(models.IngestResult{TriggeredEvents: []models.IngestEvent{}})
}

// list returns the latest telemetry, optionally of one vehicle
// (?vehicle_id=) and bounded by ?limit=.
func (h *TelemetryHandler) list(w http.ResponseWriter, r *http.Request) {
	filter := bson.M{}
	if id := r.URL.Query().Get("vehicle_id"); id != "" {
		filter["vehicle_id"] = id
	}
	limit := int64(defaultListLimit)
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			limit = n
		}
	}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}}).SetLimit(limit)

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	cursor, err := h.Collection.Find(ctx, filter, opts)
	if err != nil {
		http.Error(w, "Failed to query telemetry", http.StatusInternalServerError)
		return
	}
	defer cursor.Close(ctx)

	out := []models.Telemetry{}
	if err := cursor.All(ctx, &out); err != nil {
		http.Error(w, "Failed to decode telemetry", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// memoryCollection keeps telemetry in process when no MongoDB is configured.
type memoryCollection struct {
	mu   sync.Mutex
	docs []models.Telemetry
}

func (m *memoryCollection) InsertTelemetry(ctx context.Context, t models.Telemetry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = append(m.docs, t)
	return nil
}

func (m *memoryCollection) Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (db.TelemetryCursor, error) {
	var vehicleID string
	if m, ok := filter.(bson.M); ok {
		vehicleID, _ = m["vehicle_id"].(string)
	}
	limit := int64(defaultListLimit)
	for _, o := range opts {
		if o != nil && o.Limit != nil {
			limit = *o.Limit
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Telemetry
	for i := len(m.docs) - 1; i >= 0 && int64(len(out)) < limit; i-- {
		if vehicleID == "" || m.docs[i].VehicleID == vehicleID {
			out = append(out, m.docs[i])
		}
	}
	return &memoryCursor{docs: out}, nil
}

type memoryCursor struct {
	docs []models.Telemetry
}

func (c *memoryCursor) All(ctx context.Context, out interface{}) error {
	p, ok := out.(*[]models.Telemetry)
	if !ok {
		return fmt.Errorf("unsupported result type %T", out)
	}
	*p = append((*p)[:0], c.docs...)
	return nil
}

func (c *memoryCursor) Close(ctx context.Context) error { return nil }

func newHandler(collection db.TelemetryCollection, authService *auth.Service) http.Handler {
	var telemetry http.Handler = &TelemetryHandler{Collection: collection}
	if authService != nil {
		am := middleware.NewAuthMiddleware(authService)
		telemetry = alice.New(am.Authenticate, am.RequireScope(auth.ScopeIngest)).Then(telemetry)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/telemetry", telemetry)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	return alice.New(middleware.Recover, middleware.RequestLogger).Then(mux)
}

func main() {
	config.LoadDotEnv()
	logging.Setup(logging.Options{Level: os.Getenv("LOG_LEVEL"), Format: os.Getenv("LOG_FORMAT")})

	var collection db.TelemetryCollection = &memoryCollection{}
	if uri := os.Getenv("MONGO_URI"); uri != "" {
		client, err := db.ConnectMongo(uri)
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to MongoDB")
		}
		name := os.Getenv("MONGO_DB")
		if name == "" {
			name = "fleet"
		}
		collection = &db.MongoCollection{Collection: client.Database(name).Collection("telemetry")}
		log.WithField("database", name).Info("Connected to MongoDB")
	} else {
		log.Warn("MONGO_URI not set, keeping telemetry in memory")
	}

	var authService *auth.Service
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		authService = auth.NewService(secret, time.Hour)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8081"
	}
	log.WithFields(log.Fields{"port": port, "auth": authService != nil}).Info("Ingest receiver listening")
	srv := &http.Server{Addr: ":" + port, Handler: newHandler(collection, authService), ReadHeaderTimeout: 10 * time.Second}
	log.Fatal(srv.ListenAndServe())
}
