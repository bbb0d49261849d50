// Package lease keeps one vehicle in use by at most one session, within a
// process or, with Redis, across simulator instances.
package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store hands out exclusive vehicle leases.
type Store interface {
	// Acquire takes the lease for owner. It reports false when another owner
	// holds it. Acquiring a lease already held by owner succeeds.
	Acquire(ctx context.Context, vehicleID, owner string) (bool, error)
	// Release gives the lease up if owner holds it.
	Release(ctx context.Context, vehicleID, owner string) error
	// Refresh extends the leases owner holds.
	Refresh(ctx context.Context, owner string, vehicleIDs ...string) error
	// Owner returns the current holder, or "".
	Owner(ctx context.Context, vehicleID string) (string, error)
}

// MemoryStore holds leases in process memory. They never expire.
type MemoryStore struct {
	mu     sync.Mutex
	owners map[string]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{owners: make(map[string]string)}
}

func (m *MemoryStore) Acquire(ctx context.Context, vehicleID, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.owners[vehicleID]; ok && cur != owner {
		return false, nil
	}
	m.owners[vehicleID] = owner
	return true, nil
}

func (m *MemoryStore) Release(ctx context.Context, vehicleID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owners[vehicleID] == owner {
		delete(m.owners, vehicleID)
	}
	return nil
}

func (m *MemoryStore) Refresh(ctx context.Context, owner string, vehicleIDs ...string) error {
	return nil
}

func (m *MemoryStore) Owner(ctx context.Context, vehicleID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owners[vehicleID], nil
}

// RedisStore keeps leases as expiring keys "{Prefix}{vehicleID}" holding the
// owner. A crashed simulator's leases lapse after TTL.
type RedisStore struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
}

// NewRedisStore creates a store on client.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisStore{Client: client, Prefix: "fleet-sim:lease:", TTL: ttl}
}

// Both scripts only touch the key when the caller still owns it.
var (
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

func (r *RedisStore) key(vehicleID string) string {
	return r.Prefix + vehicleID
}

func (r *RedisStore) Acquire(ctx context.Context, vehicleID, owner string) (bool, error) {
	ok, err := r.Client.SetNX(ctx, r.key(vehicleID), owner, r.TTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", vehicleID, err)
	}
	if ok {
		return true, nil
	}
	n, err := extendScript.Run(ctx, r.Client, []string{r.key(vehicleID)}, owner, r.TTL.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", vehicleID, err)
	}
	return n == 1, nil
}

func (r *RedisStore) Release(ctx context.Context, vehicleID, owner string) error {
	if err := releaseScript.Run(ctx, r.Client, []string{r.key(vehicleID)}, owner).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", vehicleID, err)
	}
	return nil
}

func (r *RedisStore) Refresh(ctx context.Context, owner string, vehicleIDs ...string) error {
	for _, id := range vehicleIDs {
		if err := extendScript.Run(ctx, r.Client, []string{r.key(id)}, owner, r.TTL.Milliseconds()).Err(); err != nil {
			return fmt.Errorf("refresh lease %s: %w", id, err)
		}
	}
	return nil
}

func (r *RedisStore) Owner(ctx context.Context, vehicleID string) (string, error) {
	owner, err := r.Client.Get(ctx, r.key(vehicleID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lease owner %s: %w", vehicleID, err)
	}
	return owner, nil
}
