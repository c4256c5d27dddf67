package risk

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var redisContributionPrefix = "circle-contrib/"

// reserveScript admits min(weight, limit-used) atomically
var reserveScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local weight = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local admit = math.min(weight, math.max(0, limit - used))
if admit > 0 then
  redis.call('INCRBYFLOAT', KEYS[1], tostring(admit))
end
redis.call('EXPIRE', KEYS[1], ARGV[3])
return tostring(admit)
`)

// RedisCounter shares contribution budgets across engine instances
type RedisCounter struct {
	Client *redis.Client
	TTL    time.Duration
}

// NewRedisCounter connects and pings redis
func NewRedisCounter(ctx context.Context, redisURL string, ttl time.Duration) (*RedisCounter, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	return &RedisCounter{Client: rdb, TTL: ttl}, nil
}

func (r *RedisCounter) Reserve(ctx context.Context, accountID string, day time.Time, weight, limit float64) (float64, error) {
	key := redisContributionPrefix + counterKey(accountID, day)
	res, err := reserveScript.Run(ctx, r.Client, []string{key},
		strconv.FormatFloat(weight, 'f', -1, 64),
		strconv.FormatFloat(limit, 'f', -1, 64),
		int(r.TTL.Seconds()),
	).Text()
	if err != nil {
		return 0, fmt.Errorf("failed to reserve contribution: %w", err)
	}
	admit, err := strconv.ParseFloat(res, 64)
	if err != nil {
		return 0, fmt.Errorf("bad reserve result %q: %w", res, err)
	}
	return admit, nil
}

func (r *RedisCounter) Used(ctx context.Context, accountID string, day time.Time) (float64, error) {
	key := redisContributionPrefix + counterKey(accountID, day)
	v, err := r.Client.Get(ctx, key).Float64()
	if err == redis.Nil {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return v, nil
}

// Close closes the redis client
func (r *RedisCounter) Close() error {
	return r.Client.Close()
}
