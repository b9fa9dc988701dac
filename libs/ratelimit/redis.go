package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a fixed-window limiter shared by every worker process pointing at the same Redis.
// Batch jobs from overlapping cron runs draw from one budget per external API.
type Redis struct {
	rdb      *redis.Client
	logger   *slog.Logger
	key      string
	limit    int
	window   time.Duration
	failOpen bool
}

var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

func NewRedis(rdb *redis.Client, logger *slog.Logger, key string, limit int, window time.Duration, failOpen bool) *Redis {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "rl"
	}
	return &Redis{rdb: rdb, logger: logger, key: key, limit: limit, window: window, failOpen: failOpen}
}

// Wait blocks until the current window has budget left or ctx is done.
func (rl *Redis) Wait(ctx context.Context) error {
	for {
		count, err := rl.incr(ctx, rl.windowKey(time.Now()))
		if err != nil {
			if rl.failOpen {
				if rl.logger != nil {
					rl.logger.Warn("redis rate limiter error; proceeding", "err", err, "key", rl.key)
				}
				return nil
			}
			return err
		}
		if count <= int64(rl.limit) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(untilNextWindow(time.Now(), rl.window)):
		}
	}
}

func (rl *Redis) windowKey(now time.Time) string {
	slot := now.UnixMilli() / rl.window.Milliseconds()
	return rl.key + ":" + strconv.FormatInt(slot, 10)
}

func (rl *Redis) incr(ctx context.Context, key string) (int64, error) {
	ms := rl.window.Milliseconds()
	if ms <= 0 {
		ms = int64(time.Minute / time.Millisecond)
	}
	res, err := fixedWindowScript.Run(ctx, rl.rdb, []string{key}, ms).Result()
	if err != nil {
		return 0, err
	}
	return toInt64(res)
}

func toInt64(res any) (int64, error) {
	switch v := res.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case string:
		// Lua sometimes returns strings depending on Redis config/driver conversions.
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, err
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unexpected redis script result type %T", res)
	}
}

func untilNextWindow(now time.Time, window time.Duration) time.Duration {
	ms := window.Milliseconds()
	elapsed := now.UnixMilli() % ms
	return time.Duration(ms-elapsed) * time.Millisecond
}

// ReadyCheck pings Redis for /readyz.
func ReadyCheck(rdb *redis.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		if rdb == nil {
			return fmt.Errorf("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
}
