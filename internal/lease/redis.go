package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

// releaseScript deletes KEYS[1] only while it still holds ARGV[1], so an
// expired-then-reacquired lease is never released by its previous owner.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends KEYS[1] to ARGV[2] milliseconds only while it still holds ARGV[1].
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisConfig holds connection parameters for the shared lease store.
type RedisConfig struct {
	Addr        string
	Username    string
	Password    string
	DB          int
	KeyPrefix   string
	DialTimeout time.Duration
}

// RedisLocker implements Locker on a Redis/Valkey server.
type RedisLocker struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisLocker connects and pings the server so bad credentials fail fast.
func NewRedisLocker(ctx context.Context, cfg RedisConfig) (*RedisLocker, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "remediator:lease:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return NewRedisLockerFromClient(client, cfg.KeyPrefix), nil
}

// NewRedisLockerFromClient wraps an existing client.
func NewRedisLockerFromClient(client *redis.Client, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix, now: time.Now}
}

func (r *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, ttl).Result()
	if err != nil {
		return Lease{}, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return Lease{}, models.ErrLeaseHeld
	}
	return Lease{Key: key, Token: token, ExpiresAt: r.now().Add(ttl)}, nil
}

func (r *RedisLocker) Renew(ctx context.Context, lease Lease, ttl time.Duration) (Lease, error) {
	n, err := renewScript.Run(ctx, r.client, []string{r.prefix + lease.Key}, lease.Token, ttl.Milliseconds()).Int()
	if err != nil {
		return Lease{}, fmt.Errorf("renew lease %s: %w", lease.Key, err)
	}
	if n == 0 {
		return Lease{}, models.ErrLeaseLost
	}
	lease.ExpiresAt = r.now().Add(ttl)
	return lease, nil
}

func (r *RedisLocker) Release(ctx context.Context, lease Lease) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.prefix + lease.Key}, lease.Token).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", lease.Key, err)
	}
	return nil
}

// Close closes the underlying client.
func (r *RedisLocker) Close() error {
	return r.client.Close()
}
