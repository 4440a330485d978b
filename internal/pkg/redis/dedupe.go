// internal/pkg/redis/dedupe.go
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// NewClient 创建 redis 客户端并做一次连通性检查
func NewClient(ctx context.Context, addr string) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return rdb, nil
}

// DedupeStore 用 SETNX 标记已处理过的消息
type DedupeStore struct {
	rdb *goredis.Client
	ttl time.Duration
}

func NewDedupeStore(rdb *goredis.Client, ttl time.Duration) *DedupeStore {
	return &DedupeStore{rdb: rdb, ttl: ttl}
}

func (s *DedupeStore) Key(topic, eventID string) string {
	return fmt.Sprintf("reconcile:dedupe:%s:%s", topic, eventID)
}

// Seen 首次见到 key 时返回 false 并占位
func (s *DedupeStore) Seen(ctx context.Context, key string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, "1", s.ttl).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// Release 处理失败时释放占位，让重投的消息还能被处理
func (s *DedupeStore) Release(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}
