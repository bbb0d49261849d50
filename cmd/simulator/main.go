package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/justinas/alice"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/ukydev/fleet-simulator/internal/auth"
	"github.com/ukydev/fleet-simulator/internal/config"
	"github.com/ukydev/fleet-simulator/internal/db"
	"github.com/ukydev/fleet-simulator/internal/dispatch"
	"github.com/ukydev/fleet-simulator/internal/engine"
	"github.com/ukydev/fleet-simulator/internal/handlers"
	"github.com/ukydev/fleet-simulator/internal/ingest"
	"github.com/ukydev/fleet-simulator/internal/lease"
	"github.com/ukydev/fleet-simulator/internal/logging"
	"github.com/ukydev/fleet-simulator/internal/middleware"
	"github.com/ukydev/fleet-simulator/internal/route"
	"github.com/ukydev/fleet-simulator/internal/routing"
	"github.com/ukydev/fleet-simulator/internal/session"
)

// tokenSubject is the subject of the tokens the simulator mints for ingest.
const tokenSubject = "fleet-simulator"

// app is the wired simulator server.
type app struct {
	registry    *session.Registry
	broadcaster *session.Broadcaster
	handler     http.Handler
	cleanups    []func()
}

func (a *app) close() {
	a.registry.CloseAll()
	a.broadcaster.Stop()
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
}

func newRouter(cfg *config.Config) routing.Router {
	if cfg.Router == "osrm" {
		return routing.NewOSRM(cfg.OSRMURL, cfg.MapMatchCacheSize, cfg.MapMatchCacheTTL)
	}
	return routing.NewStraight()
}

func newTokenSource(cfg *config.Config) *auth.TokenSource {
	var svc *auth.Service
	if cfg.JWTSecret != "" {
		svc = auth.NewService(cfg.JWTSecret, cfg.JWTExpiry)
	}
	return auth.NewTokenSource(svc, cfg.SimAuthToken, tokenSubject, auth.ScopeIngest)
}

// mongoDatabase connects lazily so that only configurations using MongoDB
// need a reachable server.
type mongoDatabase struct {
	uri, name string
	db        *mongo.Database
}

func (m *mongoDatabase) get(a *app) (*mongo.Database, error) {
	if m.db != nil {
		return m.db, nil
	}
	client, err := db.ConnectMongo(m.uri)
	if err != nil {
		return nil, err
	}
	a.cleanups = append(a.cleanups, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Disconnect(ctx)
	})
	log.WithField("database", m.name).Info("Connected to MongoDB")
	m.db = client.Database(m.name)
	return m.db, nil
}

func newSink(cfg *config.Config, a *app, mdb *mongoDatabase) (dispatch.Sink, error) {
	switch cfg.IngestSink {
	case "http":
		return ingest.NewHTTPSink(cfg.APIBaseURL, newTokenSource(cfg)), nil
	case "mqtt":
		client, err := ingest.ConnectMQTT(cfg.MQTTBroker, cfg.MQTTClientID)
		if err != nil {
			return nil, err
		}
		a.cleanups = append(a.cleanups, func() { client.Disconnect(250) })
		return ingest.NewMQTTSink(client, cfg.MQTTTopic, cfg.MQTTEncoding), nil
	case "mongo":
		database, err := mdb.get(a)
		if err != nil {
			return nil, err
		}
		return &ingest.StoreSink{Store: &db.MongoCollection{Collection: database.Collection("telemetry")}}, nil
	default:
		return ingest.LogSink{}, nil
	}
}

func newDirectory(cfg *config.Config, a *app, mdb *mongoDatabase) (db.Directory, error) {
	if cfg.Directory == "mongo" {
		database, err := mdb.get(a)
		if err != nil {
			return nil, err
		}
		return db.NewMongoDirectory(database), nil
	}
	dir := db.NewMemoryDirectory()
	dir.Seed(rand.New(rand.NewSource(time.Now().UnixNano())), cfg.FleetSize)
	return dir, nil
}

func newLeases(cfg *config.Config, a *app) (lease.Store, error) {
	if cfg.Leases != "redis" {
		return lease.NewMemoryStore(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}
	a.cleanups = append(a.cleanups, func() { _ = client.Close() })
	return lease.NewRedisStore(client, cfg.LeaseTTL), nil
}

// build wires every collaborator named by cfg.
func build(cfg *config.Config) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		for i := len(a.cleanups) - 1; i >= 0; i-- {
			a.cleanups[i]()
		}
		return nil, err
	}
	mdb := &mongoDatabase{uri: cfg.MongoURI, name: cfg.MongoDB}

	directory, err := newDirectory(cfg, a, mdb)
	if err != nil {
		return fail(fmt.Errorf("directory: %w", err))
	}
	leases, err := newLeases(cfg, a)
	if err != nil {
		return fail(fmt.Errorf("leases: %w", err))
	}
	sink, err := newSink(cfg, a, mdb)
	if err != nil {
		return fail(fmt.Errorf("ingest sink: %w", err))
	}

	opts := engine.Options{
		Router:    newRouter(cfg),
		Directory: directory,
		Leases:    leases,
		Sink:      sink,
		Route: route.Config{
			TickInterval: cfg.TickInterval,
			Modes:        cfg.Modes,
			PointToPoint: cfg.PointToPoint,
		},
		Timeout:    cfg.SessionTimeout,
		MaxPending: cfg.DispatchMaxPending,
		AutoCreate: cfg.AutoCreate,
		OnClose: func(id string, reason engine.CloseReason) {
			log.WithFields(log.Fields{"session_id": id, "reason": reason}).Info("Session released")
		},
	}

	a.broadcaster = session.NewBroadcaster(cfg.FlushInterval, 0)
	a.broadcaster.Start()
	a.registry = session.NewRegistry(opts, a.broadcaster)

	mux := http.NewServeMux()
	handlers.NewSessionHandler(a.registry, a.broadcaster).Register(mux)

	chain := alice.New(middleware.Recover, middleware.RequestLogger)
	if cfg.RateLimit > 0 {
		chain = chain.Append(middleware.NewRateLimitMiddleware().RateLimit(cfg.RateLimit, time.Minute))
	}
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	a.handler = chain.Append(c.Handler).Then(mux)
	return a, nil
}

func main() {
	config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}
	logCloser := logging.Setup(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	defer logCloser.Close()

	a, err := build(cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to start simulator")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.WithFields(log.Fields{
		"port":      cfg.Port,
		"router":    cfg.Router,
		"sink":      cfg.IngestSink,
		"directory": cfg.Directory,
		"leases":    cfg.Leases,
		"interval":  cfg.TickInterval,
	}).Info("Starting fleet simulator")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case err := <-errCh:
		log.WithError(err).Error("HTTP server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP shutdown incomplete")
	}
	a.close()
	log.Info("Fleet simulator stopped")
}
