package scopelock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLockTimeout = errors.New("scope lock wait timed out")

// Deletes the key only while it still carries our token, so an expired lock
// taken over by another holder is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisOptions struct {
	// TTL bounds how long a crashed holder can block a scope.
	TTL time.Duration
	// Wait bounds how long Lock polls before giving up.
	Wait time.Duration
	// Retry is the poll interval.
	Retry  time.Duration
	Prefix string
	Logger *slog.Logger
}

// Redis is a lock shared by every replica pointed at the same Redis.
type Redis struct {
	client *redis.Client
	opts   RedisOptions
}

// NewRedis connects to redisURL and checks it with a PING.
func NewRedis(redisURL string, opts RedisOptions) (*Redis, error) {
	parsed, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(parsed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisWithClient(client, opts), nil
}

func NewRedisWithClient(client *redis.Client, opts RedisOptions) *Redis {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Second
	}
	if opts.Wait <= 0 {
		opts.Wait = 10 * time.Second
	}
	if opts.Retry <= 0 {
		opts.Retry = 25 * time.Millisecond
	}
	if opts.Prefix == "" {
		opts.Prefix = "storyboard:scope-lock:"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Redis{client: client, opts: opts}
}

func (r *Redis) key(scope string) string {
	return r.opts.Prefix + scope
}

func (r *Redis) Lock(ctx context.Context, scope string) (func(), error) {
	key := r.key(scope)
	token := uuid.NewString()

	ctx, cancel := context.WithTimeout(ctx, r.opts.Wait)
	defer cancel()

	ticker := time.NewTicker(r.opts.Retry)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.opts.TTL).Result()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("acquire scope lock %s: %w", scope, err)
		}
		if ok {
			return r.unlocker(key, token), nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", ErrLockTimeout, scope)
			}
			return nil, ctx.Err()
		}
	}
}

func (r *Redis) unlocker(key, token string) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		released, err := releaseScript.Run(ctx, r.client, []string{key}, token).Int()
		if err != nil {
			r.opts.Logger.Warn("release scope lock", "key", key, "error", err)
			return
		}
		if released == 0 {
			r.opts.Logger.Warn("scope lock expired before release", "key", key, "ttl", r.opts.TTL)
		}
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
