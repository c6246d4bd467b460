package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 会话后端的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// RedisBackend 使用 Redis 字符串键保存会话，过期依赖 Redis 自身的 TTL。
type RedisBackend struct {
	client redis.UniversalClient
}

// NewRedisBackend 创建 Redis 后端并检查连通性。
func NewRedisBackend(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisBackend{client: client}, nil
}

// NewRedisBackendWithClient 复用已有的 Redis 客户端。
func NewRedisBackendWithClient(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

// Get 实现 Backend 接口。
func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("Redis 读取会话失败: %w", err)
	}
	return value, true, nil
}

// SetWithExpiry 实现 Backend 接口。
func (r *RedisBackend) SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("Redis 写入会话失败: %w", err)
	}
	return nil
}

// Delete 实现 Backend 接口。
func (r *RedisBackend) Delete(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("Redis 删除会话失败: %w", err)
	}
	return n > 0, nil
}

// RefreshExpiry 实现 Backend 接口。
func (r *RedisBackend) RefreshExpiry(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("Redis 刷新会话过期时间失败: %w", err)
	}
	return ok, nil
}

// Close 关闭 Redis 连接。
func (r *RedisBackend) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

var _ Backend = (*RedisBackend)(nil)
