package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "QueryPilot/internal/errors"
	"QueryPilot/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	Consumer  string
	BlockWait time.Duration
}

// RedisQueue 使用 Redis list 实现可靠队列：消息先原子地移入消费者自己的 processing 列表，
// 处理完成后再删除，进程崩溃后重启会把遗留消息放回主队列。
type RedisQueue struct {
	client     redis.Cmdable
	queue      string
	processing string
	wait       time.Duration
}

// NewRedisQueue 创建 Redis 队列实例并检查连通性。
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return NewRedisQueueWithClient(client, cfg), nil
}

// NewRedisQueueWithClient 基于已有客户端创建队列。
func NewRedisQueueWithClient(client redis.Cmdable, cfg RedisQueueConfig) *RedisQueue {
	queue := cfg.Queue
	if queue == "" {
		queue = "querypilot:turns"
	}
	consumer := cfg.Consumer
	if consumer == "" {
		consumer, _ = os.Hostname()
	}
	if consumer == "" {
		consumer = "default"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{
		client:     client,
		queue:      queue,
		processing: fmt.Sprintf("%s:processing:%s", queue, consumer),
		wait:       wait,
	}
}

// Publish 将任务投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, taskID string) error {
	if err := q.client.LPush(ctx, q.queue, taskID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布任务失败")
	}
	return nil
}

// Requeue 把 processing 列表中遗留的消息放回主队列，返回移动的数量。
func (q *RedisQueue) Requeue(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.queue, "RIGHT", "RIGHT").Err()
		if stdErrors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, xerrors.Wrap(xerrors.CodeQueueFailure, err, "恢复 processing 列表失败")
		}
		moved++
	}
}

// Consume 通过 BLMOVE 从 Redis 获取任务。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	if moved, err := q.Requeue(ctx); err != nil {
		return err
	} else if moved > 0 {
		logger.L().Info("恢复未确认的任务", "count", moved, "queue", q.queue)
	}

	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				if ctx.Err() != nil {
					errCh <- ctx.Err()
					return
				}
				taskID, err := q.client.BLMove(ctx, q.queue, q.processing, "RIGHT", "LEFT", q.wait).Result()
				if err != nil {
					if stdErrors.Is(err, redis.Nil) {
						continue
					}
					if stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					errCh <- xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取任务失败")
					return
				}
				q.ack(ctx, taskID, handler(ctx, taskID))
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// ack 从 processing 列表移除消息；处理失败时放回主队列的出队端以便尽快重试。
func (q *RedisQueue) ack(ctx context.Context, taskID string, handlerErr error) {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processing, 1, taskID)
	if handlerErr != nil {
		pipe.RPush(ctx, q.queue, taskID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.L().Error("确认 Redis 任务失败", "task_id", taskID, "error", err)
	}
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	if closer, ok := q.client.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

var _ Queue = (*RedisQueue)(nil)
