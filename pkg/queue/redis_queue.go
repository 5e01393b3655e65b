package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrEmpty 在超时时间内没有可取的消息
var ErrEmpty = errors.New("queue empty")

// ExecutionMessage 队列中的执行消息
type ExecutionMessage struct {
	ExecutionID string `json:"execution_id"`
	RunbookID   string `json:"runbook_id"`
	Mode        string `json:"mode"`
	Created     int64  `json:"created"`
}

// ExecutionQueue 执行队列
type ExecutionQueue interface {
	Push(ctx context.Context, msg ExecutionMessage) error
	// Pop 阻塞等待最多 timeout，无消息返回 ErrEmpty
	Pop(ctx context.Context, timeout time.Duration) (*ExecutionMessage, error)
	Len(ctx context.Context) (int64, error)
}

// RedisQueue Redis队列实现
type RedisQueue struct {
	client *redis.Client
	prefix string
}

// Config Redis配置
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
	Prefix   string
}

// NewRedisQueue 创建Redis队列实例
func NewRedisQueue(config *Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,
	})
	return NewRedisQueueWithClient(client, config.Prefix)
}

// NewRedisQueueWithClient 复用已有客户端
func NewRedisQueueWithClient(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "arp"
	}
	return &RedisQueue{
		client: client,
		prefix: prefix,
	}
}

// Close 关闭Redis连接
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Ping 测试Redis连接
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Push 左侧入队
func (q *RedisQueue) Push(ctx context.Context, msg ExecutionMessage) error {
	if msg.Created == 0 {
		msg.Created = time.Now().Unix()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("序列化执行消息失败: %v", err)
	}

	if err := q.client.LPush(ctx, q.queueKey(), data).Err(); err != nil {
		return fmt.Errorf("执行入队失败: %v", err)
	}
	return nil
}

// Pop 右侧阻塞出队
func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (*ExecutionMessage, error) {
	result, err := q.client.BRPop(ctx, timeout, q.queueKey()).Result()
	if err == redis.Nil {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("执行出队失败: %v", err)
	}
	// result[0] 为键名，result[1] 为消息
	var msg ExecutionMessage
	if err := json.Unmarshal([]byte(result[1]), &msg); err != nil {
		return nil, fmt.Errorf("解析执行消息失败: %v", err)
	}
	return &msg, nil
}

// Len 队列长度
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.queueKey()).Result()
}

// Publish 发布消息到指定频道
func (q *RedisQueue) Publish(ctx context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %v", err)
	}
	if err := q.client.Publish(ctx, q.channelKey(channel), data).Err(); err != nil {
		return fmt.Errorf("发布消息失败: %v", err)
	}
	return nil
}

// Subscribe 订阅指定频道
func (q *RedisQueue) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return q.client.Subscribe(ctx, q.channelKey(channel))
}

// Client 获取Redis客户端
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

func (q *RedisQueue) queueKey() string {
	return fmt.Sprintf("%s:queue:executions", q.prefix)
}

func (q *RedisQueue) channelKey(channel string) string {
	return fmt.Sprintf("%s:channel:%s", q.prefix, channel)
}
