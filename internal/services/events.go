package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"arp/pkg/logger"
	"arp/pkg/queue"

	"github.com/sirupsen/logrus"
)

// 执行生命周期事件类型
const (
	EventQueued            = "execution.queued"
	EventApprovalRequested = "execution.approval_requested"
	EventApproved          = "execution.approved"
	EventRejected          = "execution.rejected"
	EventStarted           = "execution.started"
	EventStepCompleted     = "step.completed"
	EventStepFailed        = "step.failed"
	EventStepSkipped       = "step.skipped"
	EventCompleted         = "execution.completed"
	EventFailed            = "execution.failed"
	EventRolledBack        = "execution.rolled_back"
	EventCancelled         = "execution.cancelled"
)

// EventsChannel Redis 发布订阅频道名
const EventsChannel = "execution_events"

// ExecutionEvent 执行事件
type ExecutionEvent struct {
	Type        string    `json:"type"`
	ExecutionID string    `json:"execution_id"`
	RunbookID   string    `json:"runbook_id"`
	Status      string    `json:"status,omitempty"`
	StepOrder   int       `json:"step_order,omitempty"`
	StepName    string    `json:"step_name,omitempty"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	// ApprovalToken 仅 approval_requested 事件携带，由通知方投递给审批人
	ApprovalToken string `json:"approval_token,omitempty"`
}

// EventSink 事件接收方
type EventSink interface {
	Publish(ctx context.Context, evt ExecutionEvent)
}

// MultiSink 依次投递到多个接收方
type MultiSink []EventSink

func (m MultiSink) Publish(ctx context.Context, evt ExecutionEvent) {
	for _, s := range m {
		if s != nil {
			s.Publish(ctx, evt)
		}
	}
}

// LogSink 将事件写入日志
type LogSink struct {
	log *logrus.Logger
}

// NewLogSink 创建日志接收方
func NewLogSink() *LogSink {
	return &LogSink{log: logger.GetLogger()}
}

func (s *LogSink) Publish(ctx context.Context, evt ExecutionEvent) {
	s.log.WithFields(logrus.Fields{
		"event":        evt.Type,
		"execution_id": evt.ExecutionID,
		"runbook_id":   evt.RunbookID,
		"step_order":   evt.StepOrder,
		"status":       evt.Status,
	}).Debug(evt.Message)
}

// EventHub 进程内事件分发，供 WebSocket 订阅
type EventHub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*hubSubscriber
}

type hubSubscriber struct {
	ch          chan ExecutionEvent
	executionID string
}

// NewEventHub 创建事件中心
func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[int]*hubSubscriber)}
}

// Subscribe 订阅事件；executionID 为空表示订阅全部。返回的函数用于取消订阅
func (h *EventHub) Subscribe(executionID string, buffer int) (<-chan ExecutionEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &hubSubscriber{ch: make(chan ExecutionEvent, buffer), executionID: executionID}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Publish 非阻塞投递，订阅方缓冲区满时丢弃
func (h *EventHub) Publish(ctx context.Context, evt ExecutionEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.executionID != "" && sub.executionID != evt.ExecutionID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

// Subscribers 当前订阅数
func (h *EventHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// RedisEventSink 通过 Redis 发布事件，供多实例部署共享
type RedisEventSink struct {
	queue *queue.RedisQueue
	log   *logrus.Logger
}

// NewRedisEventSink 创建 Redis 事件发布方
func NewRedisEventSink(q *queue.RedisQueue) *RedisEventSink {
	return &RedisEventSink{queue: q, log: logger.GetLogger()}
}

func (s *RedisEventSink) Publish(ctx context.Context, evt ExecutionEvent) {
	if err := s.queue.Publish(ctx, EventsChannel, evt); err != nil {
		s.log.WithField("execution_id", evt.ExecutionID).Warnf("发布执行事件失败: %v", err)
	}
}

// BridgeRedisEvents 将 Redis 频道中的事件转发到本地事件中心，直到 ctx 结束
func BridgeRedisEvents(ctx context.Context, q *queue.RedisQueue, hub *EventHub) error {
	log := logger.GetLogger()
	pubsub := q.Subscribe(ctx, EventsChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var evt ExecutionEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				log.WithError(err).Warn("解析执行事件失败")
				continue
			}
			hub.Publish(ctx, evt)
		}
	}
}
