package task

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// 需要真实 Redis：设置 QP_TEST_REDIS_ADDR 后运行。
func TestRedisQueueRedeliversFailedMessages(t *testing.T) {
	addr := os.Getenv("QP_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("QP_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	name := "querypilot:test:" + uuid.NewString()
	queue := NewRedisQueueWithClient(client, RedisQueueConfig{Queue: name, Consumer: "t", BlockWait: 100 * time.Millisecond})
	t.Cleanup(func() { client.Del(context.Background(), name, name+":processing:t") })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := queue.Publish(ctx, "job-1"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = queue.Consume(ctx, 1, func(_ context.Context, id string) error {
			if calls.Add(1) == 1 {
				return errors.New("transient")
			}
			cancel()
			return nil
		})
	}()
	<-done

	if calls.Load() != 2 {
		t.Fatalf("expected redelivery, handler called %d times", calls.Load())
	}
}
