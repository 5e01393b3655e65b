package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// 计数小于上限时加一；首次创建时设置过期时间
var incrementIfBelowScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current >= tonumber(ARGV[1]) then
  return {0, current}
end
current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[2])
end
return {1, current}
`)

// RedisRateLimitStore 基于 Redis 的固定窗口计数，多个进程共享
type RedisRateLimitStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisRateLimitStore 创建 Redis 计数存储
func NewRedisRateLimitStore(client *redis.Client, prefix string) *RedisRateLimitStore {
	if prefix == "" {
		prefix = "arp"
	}
	return &RedisRateLimitStore{client: client, prefix: prefix, ttl: 2 * time.Hour}
}

var _ RateLimitStore = (*RedisRateLimitStore)(nil)

func (s *RedisRateLimitStore) key(scope, scopeID string, windowStart time.Time) string {
	return fmt.Sprintf("%s:ratelimit:%s:%s:%d", s.prefix, scope, scopeID, windowStart.UTC().Unix())
}

func (s *RedisRateLimitStore) IncrementIfBelow(ctx context.Context, scope, scopeID string, windowStart time.Time, limit int) (bool, int, error) {
	res, err := incrementIfBelowScript.Run(ctx, s.client,
		[]string{s.key(scope, scopeID, windowStart)},
		limit, int(s.ttl.Seconds())).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("更新限流计数失败: %v", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("限流脚本返回值异常: %v", res)
	}
	admitted, _ := res[0].(int64)
	count, _ := res[1].(int64)
	return admitted == 1, int(count), nil
}

func (s *RedisRateLimitStore) Count(ctx context.Context, scope, scopeID string, windowStart time.Time) (int, error) {
	n, err := s.client.Get(ctx, s.key(scope, scopeID, windowStart)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("读取限流计数失败: %v", err)
	}
	return n, nil
}
