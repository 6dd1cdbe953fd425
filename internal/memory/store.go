package memory

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "QueryPilot/internal/errors"
)

// Store 持久化会话记忆，使追问判断在进程重启后仍然有效。
type Store interface {
	Load(ctx context.Context, sessionID string) ([]Turn, error)
	Save(ctx context.Context, sessionID string, turns []Turn) error
	Delete(ctx context.Context, sessionID string) error
}

// MemoryStore 是进程内的 Store 实现。
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]Turn
}

// NewMemoryStore 创建进程内存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]Turn)}
}

// Load 实现 Store。会话不存在时返回空列表。
func (s *MemoryStore) Load(_ context.Context, sessionID string) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Turn(nil), s.data[sessionID]...), nil
}

// Save 实现 Store。
func (s *MemoryStore) Save(_ context.Context, sessionID string, turns []Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[sessionID] = append([]Turn(nil), turns...)
	return nil
}

// Delete 实现 Store。
func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, sessionID)
	return nil
}

// RedisStoreConfig 描述 Redis 会话存储的连接参数。
type RedisStoreConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// RedisStore 把每个会话的记忆保存为一个带过期时间的 JSON 字符串。
type RedisStore struct {
	client redis.Cmdable
	closer func() error
	prefix string
	ttl    time.Duration
}

const (
	defaultSessionPrefix = "querypilot:session:"
	defaultSessionTTL    = 24 * time.Hour
)

// NewRedisStore 创建 Redis 会话存储并检查连接。
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
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
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	store := NewRedisStoreWithClient(client, cfg.Prefix, cfg.TTL)
	store.closer = client.Close
	return store, nil
}

// NewRedisStoreWithClient 基于已有客户端创建存储。
func NewRedisStoreWithClient(client redis.Cmdable, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = defaultSessionPrefix
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + sessionID
}

// Load 实现 Store。
func (s *RedisStore) Load(ctx context.Context, sessionID string) ([]Turn, error) {
	raw, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if stdErrors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("读取会话 %s 失败", sessionID))
	}
	var turns []Turn
	if err := json.Unmarshal(raw, &turns); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("解析会话 %s 失败", sessionID))
	}
	return turns, nil
}

// Save 实现 Store，每次写入都会刷新过期时间。
func (s *RedisStore) Save(ctx context.Context, sessionID string, turns []Turn) error {
	payload, err := json.Marshal(turns)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化会话失败")
	}
	if err := s.client.Set(ctx, s.key(sessionID), payload, s.ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("保存会话 %s 失败", sessionID))
	}
	return nil
}

// Delete 实现 Store。
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("删除会话 %s 失败", sessionID))
	}
	return nil
}

// Close 关闭由 NewRedisStore 创建的连接。
func (s *RedisStore) Close() error {
	if s == nil || s.closer == nil {
		return nil
	}
	return s.closer()
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)
