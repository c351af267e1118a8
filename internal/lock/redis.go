package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultLeaseTTL  = 30 * time.Second
	defaultRetryWait = 50 * time.Millisecond
)

// unlockScript deletes the key only if it still carries our token, so an
// expired lease that was taken over by another process is left alone.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Redis is a Locker shared across processes through SET NX PX leases.
type Redis struct {
	Client redis.UniversalClient
	Prefix string
	TTL    time.Duration
	Retry  time.Duration
	Wait   time.Duration
}

func NewRedis(client redis.UniversalClient, ttl time.Duration) *Redis {
	return &Redis{Client: client, Prefix: "afternote:lock:", TTL: ttl}
}

// NewRedisFromURL parses url, pings the server and returns the locker with its client.
func NewRedisFromURL(ctx context.Context, url string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedis(client, ttl), nil
}

func (l *Redis) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	ttl := l.TTL
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	retry := l.Retry
	if retry <= 0 {
		retry = defaultRetryWait
	}
	redisKey := l.Prefix + key
	token := uuid.NewString()

	waitCtx, cancel := withDefaultDeadline(ctx, l.Wait)
	defer cancel()
	for {
		ok, err := l.Client.SetNX(waitCtx, redisKey, token, ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if waitCtx.Err() != nil {
				return fmt.Errorf("subject %s: %w", key, ErrNotAcquired)
			}
			return fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		timer := time.NewTimer(retry)
		select {
		case <-timer.C:
		case <-waitCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("subject %s: %w", key, ErrNotAcquired)
		}
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = unlockScript.Run(releaseCtx, l.Client, []string{redisKey}, token).Err()
	}()
	return fn(ctx)
}

func (l *Redis) Close() error {
	return l.Client.Close()
}
