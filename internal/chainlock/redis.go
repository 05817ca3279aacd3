package chainlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/dhtcore/internal/engine"
	"github.com/roach88/dhtcore/internal/ir"
)

// acquireScript sets the lock unless another subject holds it.
// KEYS[1] = lock key
// ARGV[1] = subject
// ARGV[2] = ttl in milliseconds
var acquireScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current and current ~= ARGV[1] then
    return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`)

// releaseScript deletes the lock only if it is held for the subject.
// KEYS[1] = lock key
// ARGV[1] = subject
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker keeps locks in Redis so several processes acting for the
// same agent share one lock. Expiry is enforced by key TTL.
type RedisLocker struct {
	client *redis.Client
	clock  engine.Clock
	prefix string
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker creates a locker over client. clock converts the
// absolute expiry into a TTL.
func NewRedisLocker(client *redis.Client, clock engine.Clock) *RedisLocker {
	return &RedisLocker{client: client, clock: clock, prefix: "dhtcore:chainlock:"}
}

// DialRedis connects to addr and checks the connection.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: %w", addr, err)
	}
	return client, nil
}

func (l *RedisLocker) key(agent ir.AgentKey) string {
	return l.prefix + string(agent)
}

// Acquire takes the lock.
func (l *RedisLocker) Acquire(ctx context.Context, agent ir.AgentKey, subject string, expiresAt ir.Timestamp) error {
	ttl := time.Duration(expiresAt-l.clock.Now()) * time.Microsecond
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	ok, err := acquireScript.Run(ctx, l.client, []string{l.key(agent)}, subject, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("acquire %s: %w", ir.Short(agent), err)
	}
	if ok != 1 {
		return fmt.Errorf("acquire %s: %w", ir.Short(agent), ErrLocked)
	}
	return nil
}

// Release drops the lock held for subject.
func (l *RedisLocker) Release(ctx context.Context, agent ir.AgentKey, subject string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key(agent)}, subject).Err(); err != nil {
		return fmt.Errorf("release %s: %w", ir.Short(agent), err)
	}
	return nil
}

// IsLocked reports whether another live subject holds the lock.
func (l *RedisLocker) IsLocked(ctx context.Context, agent ir.AgentKey, subject string) (bool, error) {
	current, err := l.client.Get(ctx, l.key(agent)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is locked %s: %w", ir.Short(agent), err)
	}
	return current != subject, nil
}
