package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"arp/internal/metrics"
	"arp/pkg/logger"
	"arp/pkg/queue"

	"github.com/sirupsen/logrus"
)

// WorkerPool 从执行队列取出执行并运行，并发数固定
type WorkerPool struct {
	queue       queue.ExecutionQueue
	executions  *ExecutionService
	concurrency int
	popTimeout  time.Duration

	wg  sync.WaitGroup
	log *logrus.Logger
}

// NewWorkerPool 创建执行 worker 池
func NewWorkerPool(q queue.ExecutionQueue, executions *ExecutionService, concurrency int) *WorkerPool {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &WorkerPool{
		queue:       q,
		executions:  executions,
		concurrency: concurrency,
		popTimeout:  time.Second,
		log:         logger.GetLogger(),
	}
}

// Run 启动消费者并阻塞到 ctx 结束，返回前等待运行中的执行收尾
func (p *WorkerPool) Run(ctx context.Context) error {
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.consume(ctx, i)
	}
	p.log.WithField("concurrency", p.concurrency).Info("执行worker池启动成功")

	<-ctx.Done()
	p.wg.Wait()
	p.log.Info("执行worker池已停止")
	return nil
}

// consume 单个消费者循环
func (p *WorkerPool) consume(ctx context.Context, consumerID int) {
	defer p.wg.Done()
	log := p.log.WithField("consumer_id", consumerID)

	for {
		select {
		case <-ctx.Done():
			return
		default:
			if err := p.processOne(ctx, log); err != nil {
				log.WithError(err).Error("处理执行失败")
				// 避免错误循环
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
		}
	}
}

// processOne 取出一条消息并运行。已经出队的执行不随 ctx 取消而中断
func (p *WorkerPool) processOne(ctx context.Context, log *logrus.Entry) error {
	msg, err := p.queue.Pop(ctx, p.popTimeout)
	if err != nil {
		if errors.Is(err, queue.ErrEmpty) || errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	if n, err := p.queue.Len(ctx); err == nil {
		metrics.QueueDepth.Set(float64(n))
	}

	log.WithField("execution_id", msg.ExecutionID).Debug("取出执行")
	return p.executions.Run(context.WithoutCancel(ctx), msg.ExecutionID)
}
