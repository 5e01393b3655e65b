package queue

import (
	"context"
	"fmt"
	"time"
)

// MemoryQueue 进程内有界队列
type MemoryQueue struct {
	ch chan ExecutionMessage
}

// NewMemoryQueue 创建进程内队列
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{ch: make(chan ExecutionMessage, size)}
}

// Push 队列已满时立即返回错误
func (q *MemoryQueue) Push(ctx context.Context, msg ExecutionMessage) error {
	if msg.Created == 0 {
		msg.Created = time.Now().Unix()
	}
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("执行队列已满(%d)", cap(q.ch))
	}
}

func (q *MemoryQueue) Pop(ctx context.Context, timeout time.Duration) (*ExecutionMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-q.ch:
		return &msg, nil
	case <-timer.C:
		return nil, ErrEmpty
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Len(ctx context.Context) (int64, error) {
	return int64(len(q.ch)), nil
}
