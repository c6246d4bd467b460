package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	xerrors "OpenMCP-Bridge/internal/errors"
)

// RedisConfig 描述 Redis 事件队列的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	List     string
}

// RedisPublisher 使用 Redis list 保存事件，消费方通过 BRPOP 依次读取。
type RedisPublisher struct {
	client redis.UniversalClient
	list   string
	owned  bool
}

// NewRedisPublisher 创建 Redis 事件发布器。
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
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
	publisher := NewRedisPublisherWithClient(client, cfg.List)
	publisher.owned = true
	return publisher, nil
}

// NewRedisPublisherWithClient 基于已有客户端创建发布器，关闭时不释放该客户端。
func NewRedisPublisherWithClient(client redis.UniversalClient, list string) *RedisPublisher {
	if list == "" {
		list = "bridgeagent:events"
	}
	return &RedisPublisher{client: client, list: list}
}

// Publish 将事件写入列表头部。
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	body, err := event.Encode()
	if err != nil {
		return xerrors.Wrap(xerrors.CodePublishFailure, err, "序列化事件失败")
	}
	if err := p.client.LPush(ctx, p.list, body).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodePublishFailure, err, "Redis 发布事件失败")
	}
	return nil
}

// Close 关闭自行创建的客户端。
func (p *RedisPublisher) Close() error {
	if p == nil || !p.owned {
		return nil
	}
	return p.client.Close()
}

var _ Publisher = (*RedisPublisher)(nil)
