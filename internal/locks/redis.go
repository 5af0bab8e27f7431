package locks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// ErrLockLost is logged when a held lock expired before it was released.
var ErrLockLost = errors.New("lock lost")

// RedisLocker is a Locker shared by every process using the same Redis.
// Each lock is a key holding a random token with a TTL that is renewed while
// held, so a crashed holder frees the key after at most one TTL.
type RedisLocker struct {
	rdb       *redis.Client
	keyPrefix string
	ttl       time.Duration
	retry     time.Duration
}

func NewRedisLocker(rdb *redis.Client, keyPrefix string, ttl time.Duration) *RedisLocker {
	if keyPrefix == "" {
		keyPrefix = "pulse-compute:lock:"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{rdb: rdb, keyPrefix: keyPrefix, ttl: ttl, retry: 100 * time.Millisecond}
}

func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := r.keyPrefix + key
	token := uuid.NewString()

	for {
		ok, err := r.rdb.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.retry):
		}
	}

	renewCtx, stopRenew := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(r.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				n, err := renewScript.Run(renewCtx, r.rdb, []string{redisKey}, token, r.ttl.Milliseconds()).Int()
				if err != nil && renewCtx.Err() == nil {
					log.Warn().Err(err).Str("lock", key).Msg("Failed to renew lock")
					continue
				}
				if err == nil && n == 0 {
					log.Error().Err(ErrLockLost).Str("lock", key).Msg("Lock expired while held")
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stopRenew()
			wg.Wait()
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, r.rdb, []string{redisKey}, token).Err(); err != nil {
				log.Warn().Err(err).Str("lock", key).Msg("Failed to release lock")
			}
		})
	}, nil
}
