package pricecache

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// CmdExecutor is the subset of go-redis the shared cache needs.
type CmdExecutor interface {
	Do(ctx context.Context, args ...any) *goredis.Cmd
}

// observeScript shifts cur into prev and stores the new price, but only when
// the timestamp (unix microseconds) is strictly newer than the stored one.
const observeScript = `
local ts = redis.call('HGET', KEYS[1], 'ts')
if ts and tonumber(ARGV[2]) <= tonumber(ts) then
	return 0
end
local cur = redis.call('HGET', KEYS[1], 'cur')
if cur then
	redis.call('HSET', KEYS[1], 'prev', cur)
end
redis.call('HSET', KEYS[1], 'cur', ARGV[1], 'ts', ARGV[2])
return 1
`

// RedisConfig captures connection options for the shared cache.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	cfg := c
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 2 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	return cfg
}

// NewRedisClient builds a go-redis client from cfg.
func NewRedisClient(cfg RedisConfig) *goredis.Client {
	cfg = cfg.withDefaults()
	return goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
}

// Redis is a Store shared between engine replicas. One hash per symbol is
// updated atomically by a server-side script.
type Redis struct {
	client CmdExecutor
	prefix string
}

// NewRedis wraps client. Keys are "<prefix><symbol>"; an empty prefix
// defaults to "price:".
func NewRedis(client CmdExecutor, prefix string) *Redis {
	if prefix == "" {
		prefix = "price:"
	}
	return &Redis{client: client, prefix: prefix}
}

// Observe implements Store.
func (r *Redis) Observe(ctx context.Context, symbol string, price decimal.Decimal, ts time.Time) (bool, error) {
	applied, err := r.client.Do(ctx, "EVAL", observeScript, 1, r.prefix+symbol, price.String(), ts.UnixMicro()).Int()
	if err != nil {
		return false, fmt.Errorf("observe %q: %w", symbol, err)
	}
	return applied == 1, nil
}

// Delta implements Store.
func (r *Redis) Delta(ctx context.Context, symbol string) (Delta, bool, error) {
	vals, err := r.client.Do(ctx, "HMGET", r.prefix+symbol, "prev", "cur", "ts").Slice()
	if err != nil {
		return Delta{}, false, fmt.Errorf("delta %q: %w", symbol, err)
	}
	if len(vals) != 3 || vals[0] == nil || vals[1] == nil {
		return Delta{}, false, nil
	}

	prev, err := decimal.NewFromString(fmt.Sprint(vals[0]))
	if err != nil {
		return Delta{}, false, fmt.Errorf("parse previous %q: %w", symbol, err)
	}
	cur, err := decimal.NewFromString(fmt.Sprint(vals[1]))
	if err != nil {
		return Delta{}, false, fmt.Errorf("parse current %q: %w", symbol, err)
	}

	d := Delta{Previous: prev, Current: cur}
	if micros, err := decimal.NewFromString(fmt.Sprint(vals[2])); err == nil {
		d.ObservedAt = time.UnixMicro(micros.IntPart()).UTC()
	}
	return d, true, nil
}
