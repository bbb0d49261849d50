package logging

import (
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_LevelAndFormat(t *testing.T) {
	defer Setup(Options{Level: "info"})

	closer := Setup(Options{Level: "debug", Format: "json"})
	assert.Equal(t, log.DebugLevel, log.GetLevel())
	assert.IsType(t, &log.JSONFormatter{}, log.StandardLogger().Formatter)
	assert.NoError(t, closer.Close())

	Setup(Options{Level: "loud"})
	assert.Equal(t, log.InfoLevel, log.GetLevel())
	assert.IsType(t, &log.TextFormatter{}, log.StandardLogger().Formatter)
}

func TestSetup_File(t *testing.T) {
	defer Setup(Options{Level: "info"})

	path := filepath.Join(t.TempDir(), "sim.log")
	closer := Setup(Options{Level: "info", Format: "json", File: path})
	log.WithField("vehicle_id", "v1").Info("Trip started")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"vehicle_id":"v1"`)
	assert.Contains(t, string(data), "Trip started")
}
