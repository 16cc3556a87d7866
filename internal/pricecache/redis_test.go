package pricecache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func TestRedisOrdering(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewRedisClient(RedisConfig{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	exerciseStore(t, NewRedis(client, ""))

	if got := mr.HGet("price:SOL", "prev"); got != "100" {
		t.Errorf("stored prev = %q, want 100", got)
	}
}

type failingExecutor struct{}

func (failingExecutor) Do(ctx context.Context, args ...any) *goredis.Cmd {
	cmd := goredis.NewCmd(ctx, args...)
	cmd.SetErr(errors.New("connection refused"))
	return cmd
}

func TestRedisPropagatesErrors(t *testing.T) {
	r := NewRedis(failingExecutor{}, "px:")
	if _, err := r.Observe(context.Background(), "SOL", price("1"), time.Now()); err == nil {
		t.Error("expected observe error")
	}
	if _, _, err := r.Delta(context.Background(), "SOL"); err == nil {
		t.Error("expected delta error")
	}
}
