package lease

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, store Store, vehicleID string) {
	ctx := context.Background()

	ok, err := store.Acquire(ctx, vehicleID, "session-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Acquire(ctx, vehicleID, "session-a")
	require.NoError(t, err)
	assert.True(t, ok, "owner may re-acquire")

	ok, err = store.Acquire(ctx, vehicleID, "session-b")
	require.NoError(t, err)
	assert.False(t, ok)

	owner, err := store.Owner(ctx, vehicleID)
	require.NoError(t, err)
	assert.Equal(t, "session-a", owner)

	require.NoError(t, store.Refresh(ctx, "session-a", vehicleID))

	// a foreign release is ignored
	require.NoError(t, store.Release(ctx, vehicleID, "session-b"))
	owner, _ = store.Owner(ctx, vehicleID)
	assert.Equal(t, "session-a", owner)

	require.NoError(t, store.Release(ctx, vehicleID, "session-a"))
	owner, err = store.Owner(ctx, vehicleID)
	require.NoError(t, err)
	assert.Empty(t, owner)

	ok, err = store.Acquire(ctx, vehicleID, "session-b")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, store.Release(ctx, vehicleID, "session-b"))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore(), "veh-1")
}

// Integration test (requires running Redis)
func TestRedisStore_Integration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping integration test")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unreachable: %v, skipping integration test", err)
	}

	store := NewRedisStore(client, time.Minute)
	store.Prefix = "fleet-sim-test:" + uuid.NewString() + ":"
	exerciseStore(t, store, "veh-1")
}
