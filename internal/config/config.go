// Package config reads the simulator settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fleet-simulator/internal/models"
)

// Config holds every setting of the simulator server.
type Config struct {
	Port string
	// RateLimit caps control requests per client IP and minute; 0 disables it.
	RateLimit int

	Router            string // osrm | straight
	OSRMURL           string
	PointToPoint      bool
	Modes             []models.SearchMode
	MapMatchCacheSize int
	MapMatchCacheTTL  time.Duration

	TickInterval       time.Duration
	FlushInterval      time.Duration
	SessionTimeout     time.Duration
	DispatchMaxPending int
	AutoCreate         bool

	IngestSink   string // http | mqtt | mongo | log
	APIBaseURL   string
	SimAuthToken string
	JWTSecret    string
	JWTExpiry    time.Duration

	MQTTBroker   string
	MQTTTopic    string
	MQTTEncoding string // json | msgpack
	MQTTClientID string

	MongoURI  string
	MongoDB   string
	Directory string // mongo | memory
	FleetSize int

	Leases    string // memory | redis
	RedisAddr string
	LeaseTTL  time.Duration

	LogLevel  string
	LogFormat string
	LogFile   string
}

// LoadDotEnv seeds the environment from the given files, or from .env when
// none are named. A missing file is not an error.
func LoadDotEnv(files ...string) {
	if err := godotenv.Load(files...); err != nil {
		log.WithError(err).Debug("No .env file loaded")
	}
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Port:               getEnv("PORT", "8090"),
		RateLimit:          getInt("RATE_LIMIT", 0),
		Router:             strings.ToLower(getEnv("ROUTER", "straight")),
		OSRMURL:            getEnv("OSRM_URL", "https://router.project-osrm.org"),
		PointToPoint:       getBool("ROUTE_POINT_TO_POINT", false),
		MapMatchCacheSize:  getInt("MAP_MATCH_CACHE_SIZE", 1024),
		MapMatchCacheTTL:   getDuration("MAP_MATCH_CACHE_TTL", 10*time.Minute),
		TickInterval:       getDuration("SIM_TICK_INTERVAL", time.Second),
		FlushInterval:      getDuration("FLUSH_INTERVAL", time.Second),
		SessionTimeout:     getDuration("SESSION_TIMEOUT", 30*time.Minute),
		DispatchMaxPending: getInt("DISPATCH_MAX_PENDING", 100),
		AutoCreate:         getBool("AUTO_CREATE", true),
		IngestSink:         strings.ToLower(getEnv("INGEST_SINK", "log")),
		APIBaseURL:         getEnv("API_BASE_URL", "http://localhost:8081/api"),
		SimAuthToken:       os.Getenv("SIM_AUTH_TOKEN"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		JWTExpiry:          getDuration("JWT_EXPIRY", time.Hour),
		MQTTBroker:         getEnv("MQTT_BROKER", "tcp://localhost:1883"),
		MQTTTopic:          getEnv("MQTT_TOPIC", "fleet/telemetry"),
		MQTTEncoding:       strings.ToLower(getEnv("MQTT_ENCODING", "json")),
		MQTTClientID:       getEnv("MQTT_CLIENT_ID", "fleet-simulator"),
		MongoURI:           getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:            getEnv("MONGO_DB", "fleet"),
		Directory:          strings.ToLower(getEnv("DIRECTORY", "memory")),
		FleetSize:          getInt("FLEET_SIZE", 10),
		Leases:             strings.ToLower(getEnv("LEASES", "memory")),
		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6379"),
		LeaseTTL:           getDuration("LEASE_TTL", 2*time.Minute),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          strings.ToLower(getEnv("LOG_FORMAT", "text")),
		LogFile:            os.Getenv("LOG_FILE"),
	}

	modes, err := parseModes(getEnv("ROUTE_MODES", "time,distance,pattern"))
	if err != nil {
		return nil, err
	}
	cfg.Modes = modes

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if err := oneOf("ROUTER", c.Router, "osrm", "straight"); err != nil {
		return err
	}
	if err := oneOf("INGEST_SINK", c.IngestSink, "http", "mqtt", "mongo", "log"); err != nil {
		return err
	}
	if err := oneOf("MQTT_ENCODING", c.MQTTEncoding, "json", "msgpack"); err != nil {
		return err
	}
	if err := oneOf("DIRECTORY", c.Directory, "mongo", "memory"); err != nil {
		return err
	}
	if err := oneOf("LEASES", c.Leases, "memory", "redis"); err != nil {
		return err
	}
	if err := oneOf("LOG_FORMAT", c.LogFormat, "text", "json"); err != nil {
		return err
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("SIM_TICK_INTERVAL must be positive")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("FLUSH_INTERVAL must be positive")
	}
	return nil
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, "|"), value)
}

func parseModes(raw string) ([]models.SearchMode, error) {
	var out []models.SearchMode
	for _, part := range strings.Split(raw, ",") {
		m := models.SearchMode(strings.ToLower(strings.TrimSpace(part)))
		if m == "" {
			continue
		}
		if !models.IsValidMode(m) {
			return nil, fmt.Errorf("ROUTE_MODES: unknown mode %q", m)
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("ROUTE_MODES: at least one mode required")
	}
	return out, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.WithField("key", key).Warn("Ignoring invalid integer setting")
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		log.WithField("key", key).Warn("Ignoring invalid boolean setting")
	}
	return def
}

// getDuration accepts Go durations ("500ms") or whole seconds ("2").
func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	log.WithField("key", key).Warn("Ignoring invalid duration setting")
	return def
}
