package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLocked is returned when another worker holds the job lock.
	ErrLocked = errors.New("backup job is locked by another worker")
	// ErrLockLost is returned by ExtendLock when the lease expired or was
	// taken over by another worker.
	ErrLockLost = errors.New("backup job lock was lost")
)

// Locker provides mutual exclusion for a named job across workers.
type Locker interface {
	// TryAcquireLock returns a token when the lock was taken, or ok=false
	// when someone else holds it.
	TryAcquireLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// ExtendLock pushes the expiry of a held lease to ttl from now.
	ExtendLock(ctx context.Context, key, token string, ttl time.Duration) error
	ReleaseLock(ctx context.Context, key, token string) error
}

// LocalLocker is an in-process Locker.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]localLease
	now  func() time.Time
}

type localLease struct {
	token   string
	expires time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localLease), now: time.Now}
}

func (l *LocalLocker) TryAcquireLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if lease, ok := l.held[key]; ok && now.Before(lease.expires) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.held[key] = localLease{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

func (l *LocalLocker) ExtendLock(_ context.Context, key, token string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	lease, ok := l.held[key]
	if !ok || lease.token != token || !now.Before(lease.expires) {
		return ErrLockLost
	}
	l.held[key] = localLease{token: token, expires: now.Add(ttl)}
	return nil
}

func (l *LocalLocker) ReleaseLock(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lease, ok := l.held[key]; ok && lease.token == token {
		delete(l.held, key)
	}
	return nil
}

// releaseScript deletes the key only while it still holds our token, so an
// expired lease never releases a lock that was taken over.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker shares the job lock between processes through Redis.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker connects using a redis:// URL.
func NewRedisLocker(url string) (*RedisLocker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisLocker{client: redis.NewClient(opts)}, nil
}

// Ping checks connectivity.
func (r *RedisLocker) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisLocker) TryAcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (r *RedisLocker) ExtendLock(ctx context.Context, key, token string, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, r.client, []string{key}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

func (r *RedisLocker) ReleaseLock(ctx context.Context, key, token string) error {
	if key == "" || token == "" {
		return nil
	}
	return releaseScript.Run(ctx, r.client, []string{key}, token).Err()
}

func (r *RedisLocker) Close() error {
	return r.client.Close()
}
