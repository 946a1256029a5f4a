package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/streamstack/llm"
)

// Handler processes one dequeued item and returns its result payload.
type Handler func(ctx context.Context, item *Item) (*llm.ChatResponse, error)

// PoolConfig 工作池配置
type PoolConfig struct {
	// 并发 worker 数
	Concurrency int `yaml:"concurrency" json:"concurrency"`

	// 单次出队阻塞等待
	DequeueWait time.Duration `yaml:"dequeue_wait" json:"dequeue_wait"`
}

// DefaultPoolConfig returns the default worker pool configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Concurrency: 4,
		DequeueWait: 10 * time.Second,
	}
}

// Pool drains a queue with a fixed number of workers. Each item is processed
// under a deadline derived from its own timeout, and its outcome is published
// through Queue.Complete whether the handler succeeded or failed.
type Pool struct {
	queue   *Queue
	handler Handler
	config  PoolConfig
	logger  *zap.Logger
}

// NewPool 创建工作池
func NewPool(q *Queue, handler Handler, config PoolConfig, logger *zap.Logger) *Pool {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	if config.DequeueWait <= 0 {
		config.DequeueWait = 10 * time.Second
	}
	return &Pool{
		queue:   q,
		handler: handler,
		config:  config,
		logger:  logger.With(zap.String("component", "worker_pool"), zap.String("queue", q.Name())),
	}
}

// Run blocks until ctx is cancelled, then waits for in-flight items to
// finish. Dequeue errors are logged and retried; they never stop the pool.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool starting", zap.Int("concurrency", p.config.Concurrency))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.config.Concurrency; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			p.runWorker(gctx, workerID)
			return nil
		})
	}

	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	logger := p.logger.With(zap.String("worker_id", workerID))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		item, err := p.queue.Dequeue(ctx, p.config.DequeueWait, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("dequeue failed, retrying", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if item == nil {
			continue
		}

		p.process(ctx, logger, item)
	}
}

func (p *Pool) process(ctx context.Context, logger *zap.Logger, item *Item) {
	// An expired item may still surface between cleanup cycles; drop its
	// lease without running the upstream call.
	if item.Expired(p.queue.now()) {
		logger.Warn("dropping expired item", zap.String("item_id", item.ID))
		p.publish(ctx, logger, item.ID, nil, context.DeadlineExceeded)
		return
	}

	itemCtx, cancel := context.WithDeadline(ctx, item.ExpiresAt())
	defer cancel()

	result, err := p.handler(itemCtx, item)
	if err != nil {
		logger.Warn("item processing failed",
			zap.String("item_id", item.ID),
			zap.Error(err),
		)
	}

	p.publish(ctx, logger, item.ID, result, err)
}

// publish records the item's outcome. The worker context may already be
// cancelled during shutdown, so the KV write runs detached from it under
// its own short deadline.
func (p *Pool) publish(ctx context.Context, logger *zap.Logger, id string, result *llm.ChatResponse, procErr error) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := p.queue.Complete(pubCtx, id, result, procErr); err != nil {
		logger.Error("completion failed", zap.String("item_id", id), zap.Error(err))
	}
}
