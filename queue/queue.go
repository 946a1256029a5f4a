package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/streamstack/internal/kv"
	"github.com/BaSui01/streamstack/internal/metrics"
	"github.com/BaSui01/streamstack/llm"
)

// Config 队列配置
type Config struct {
	// 待处理列表容量上限
	MaxSize int64 `yaml:"max_size" json:"max_size"`

	// 单项默认超时
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout"`

	// 出队阻塞等待时长
	DequeueWait time.Duration `yaml:"dequeue_wait" json:"dequeue_wait"`

	// 清理守护周期
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`

	// 结果保留时长
	ResultRetention time.Duration `yaml:"result_retention" json:"result_retention"`
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:         1000,
		DefaultTimeout:  300 * time.Second,
		DequeueWait:     10 * time.Second,
		CleanupInterval: 60 * time.Second,
		ResultRetention: 600 * time.Second,
	}
}

// Queue is a named bounded queue. All state lives in the KV store, so any
// number of processes may enqueue and dequeue against the same name.
type Queue struct {
	name    string
	kv      *kv.Client
	config  Config
	logger  *zap.Logger
	metrics *metrics.Collector

	// now is swappable for tests.
	now func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New 创建队列
func New(name string, client *kv.Client, config Config, logger *zap.Logger, collector *metrics.Collector) *Queue {
	q := &Queue{
		name:    name,
		kv:      client,
		config:  config,
		logger:  logger.With(zap.String("component", "queue"), zap.String("queue", name)),
		metrics: collector,
		now:     time.Now,
	}

	q.logger.Info("queue initialized",
		zap.Int64("max_size", config.MaxSize),
		zap.Duration("default_timeout", config.DefaultTimeout),
	)

	return q
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) pendingKey() string    { return fmt.Sprintf("queue:%s:pending", q.name) }
func (q *Queue) processingKey() string { return fmt.Sprintf("queue:%s:processing", q.name) }
func (q *Queue) statsKey() string      { return fmt.Sprintf("queue:%s:stats", q.name) }
func (q *Queue) resultKey(id string) string {
	return fmt.Sprintf("queue:%s:results:%s", q.name, id)
}
func (q *Queue) idemKey(key string) string {
	return fmt.Sprintf("queue:%s:idem:%s", q.name, key)
}

// Start launches the cleanup daemon. Safe to call once.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.done = make(chan struct{})

	go q.cleanupLoop(ctx)
	q.logger.Info("queue started")
}

// Stop terminates the cleanup daemon and waits for it to exit.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.started {
		return
	}
	q.started = false
	q.cancel()
	<-q.done
	q.logger.Info("queue stopped")
}

// EnqueueOptions 入队选项
type EnqueueOptions struct {
	// Priority above zero head-jumps the FIFO.
	Priority int

	// Timeout overrides the queue's default item timeout.
	Timeout time.Duration

	// IdempotencyKey deduplicates resubmissions.
	IdempotencyKey string

	// UserID of the submitter, recorded on the item.
	UserID string
}

// Enqueue admits a request and returns its item id. A resubmission under a
// live idempotency key returns the original id without re-enqueueing. When
// the pending list is at capacity, expired items are evicted first; if the
// list is still full, ErrQueueFull is returned.
func (q *Queue) Enqueue(ctx context.Context, req llm.ChatRequest, opts EnqueueOptions) (string, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = q.config.DefaultTimeout
	}

	item := Item{
		ID:             uuid.NewString(),
		Request:        req,
		Priority:       opts.Priority,
		CreatedAt:      q.now().Unix(),
		UserID:         opts.UserID,
		IdempotencyKey: opts.IdempotencyKey,
		TimeoutSeconds: int(timeout / time.Second),
	}

	if opts.IdempotencyKey != "" {
		// SETNX 原子抢占映射：并发重复提交只有一个赢家入队，
		// 其余直接拿到赢家的 id。读后写会留并发窗口，不可用
		existing, reserved, err := q.reserveIdempotencyKey(ctx, opts.IdempotencyKey, item.ID, timeout)
		if err != nil {
			return "", err
		}
		if !reserved {
			q.logger.Info("duplicate request detected",
				zap.String("idempotency_key", opts.IdempotencyKey),
				zap.String("item_id", existing),
			)
			return existing, nil
		}
	}
	releaseReservation := func() {
		if opts.IdempotencyKey == "" {
			return
		}
		if err := q.kv.Del(ctx, q.idemKey(opts.IdempotencyKey)); err != nil {
			q.logger.Warn("idempotency reservation release failed",
				zap.String("idempotency_key", opts.IdempotencyKey),
				zap.Error(err),
			)
		}
	}

	size, err := q.kv.LLen(ctx, q.pendingKey())
	if err != nil {
		releaseReservation()
		return "", fmt.Errorf("queue size check failed: %w", err)
	}
	if size >= q.config.MaxSize {
		q.evictExpired(ctx)
		size, err = q.kv.LLen(ctx, q.pendingKey())
		if err != nil {
			releaseReservation()
			return "", fmt.Errorf("queue size check failed: %w", err)
		}
		if size >= q.config.MaxSize {
			q.logger.Warn("queue is full", zap.Int64("size", size))
			releaseReservation()
			return "", ErrQueueFull
		}
	}

	data, err := json.Marshal(item)
	if err != nil {
		releaseReservation()
		return "", fmt.Errorf("item serialization failed: %w", err)
	}

	if item.Priority > 0 {
		err = q.kv.LPush(ctx, q.pendingKey(), string(data))
	} else {
		err = q.kv.RPush(ctx, q.pendingKey(), string(data))
	}
	if err != nil {
		releaseReservation()
		return "", fmt.Errorf("enqueue failed: %w", err)
	}

	if _, err := q.kv.HIncrBy(ctx, q.statsKey(), "total", 1); err != nil {
		q.logger.Warn("stats update failed", zap.Error(err))
	}

	if q.metrics != nil {
		q.metrics.RecordQueueEnqueued(q.name)
		q.metrics.RecordQueueDepth(q.name, size+1)
	}

	q.logger.Info("item enqueued",
		zap.String("item_id", item.ID),
		zap.Int("priority", item.Priority),
		zap.Int64("queue_size", size+1),
	)

	return item.ID, nil
}

// reserveIdempotencyKey binds key to id with SETNX. When the key is already
// bound it returns the winner's id with reserved=false. A mapping that
// expires between the failed SETNX and the read is re-contended once.
func (q *Queue) reserveIdempotencyKey(ctx context.Context, key, id string, ttl time.Duration) (string, bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := q.kv.SetNX(ctx, q.idemKey(key), id, ttl)
		if err != nil {
			return "", false, fmt.Errorf("idempotency reserve failed: %w", err)
		}
		if ok {
			return "", true, nil
		}
		existing, err := q.kv.Get(ctx, q.idemKey(key))
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, kv.ErrNil) {
			return "", false, fmt.Errorf("idempotency lookup failed: %w", err)
		}
	}
	return "", false, fmt.Errorf("idempotency key %q: reservation contention", key)
}

// Dequeue blocks up to wait for the next pending item. On success the item
// is leased: a processing entry keyed by its id records the worker and start
// time. Returns (nil, nil) when the wait times out.
func (q *Queue) Dequeue(ctx context.Context, wait time.Duration, workerID string) (*Item, error) {
	data, err := q.kv.BLPop(ctx, wait, q.pendingKey())
	if errors.Is(err, kv.ErrNil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue failed: %w", err)
	}

	var item Item
	if err := json.Unmarshal([]byte(data), &item); err != nil {
		q.logger.Error("malformed pending item dropped", zap.Error(err))
		return nil, nil
	}

	entry, err := json.Marshal(lease{
		Item:      item,
		StartedAt: q.now().Unix(),
		WorkerID:  workerID,
	})
	if err != nil {
		return nil, fmt.Errorf("lease serialization failed: %w", err)
	}
	if err := q.kv.HSet(ctx, q.processingKey(), item.ID, string(entry)); err != nil {
		return nil, fmt.Errorf("lease write failed: %w", err)
	}

	if q.metrics != nil {
		q.metrics.RecordQueueWait(q.name, time.Duration(q.now().Unix()-item.CreatedAt)*time.Second)
		if depth, err := q.kv.LLen(ctx, q.pendingKey()); err == nil {
			q.metrics.RecordQueueDepth(q.name, depth)
		}
	}

	q.logger.Info("item dequeued",
		zap.String("item_id", item.ID),
		zap.String("worker_id", workerID),
	)

	return &item, nil
}

// Complete releases the lease on id and publishes its result for the
// retention window. Idempotent: a missing lease (already completed, or
// evaporated by the cleanup daemon) is logged and accepted without touching
// the stats counters.
func (q *Queue) Complete(ctx context.Context, id string, result any, procErr error) error {
	entry, err := q.kv.HGet(ctx, q.processingKey(), id)
	if errors.Is(err, kv.ErrNil) {
		q.logger.Warn("completion for unknown item", zap.String("item_id", id))
		return nil
	}
	if err != nil {
		return fmt.Errorf("lease lookup failed: %w", err)
	}

	var l lease
	startedAt := q.now().Unix()
	if err := json.Unmarshal([]byte(entry), &l); err == nil {
		startedAt = l.StartedAt
	}
	now := q.now().Unix()

	rec := Result{
		ItemID:       id,
		CompletedAt:  now,
		ProcessingMs: (now - startedAt) * 1000,
		Success:      procErr == nil,
	}
	if procErr != nil {
		rec.Error = procErr.Error()
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("result serialization failed: %w", err)
		}
		rec.Result = raw
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("result serialization failed: %w", err)
	}

	if err := q.kv.HDel(ctx, q.processingKey(), id); err != nil {
		return fmt.Errorf("lease release failed: %w", err)
	}
	if err := q.kv.SetEx(ctx, q.resultKey(id), string(data), q.config.ResultRetention); err != nil {
		return fmt.Errorf("result write failed: %w", err)
	}

	counter, outcome := "completed", "completed"
	if procErr != nil {
		counter, outcome = "failed", "failed"
	}
	if _, err := q.kv.HIncrBy(ctx, q.statsKey(), counter, 1); err != nil {
		q.logger.Warn("stats update failed", zap.Error(err))
	}
	if q.metrics != nil {
		q.metrics.RecordQueueOutcome(q.name, outcome)
	}

	q.logger.Info("item completed",
		zap.String("item_id", id),
		zap.Int64("processing_ms", rec.ProcessingMs),
		zap.Bool("success", rec.Success),
	)

	return nil
}

// GetResult returns the published result for id, or (nil, nil) when none
// exists or retention has elapsed.
func (q *Queue) GetResult(ctx context.Context, id string) (*Result, error) {
	data, err := q.kv.Get(ctx, q.resultKey(id))
	if errors.Is(err, kv.ErrNil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("result lookup failed: %w", err)
	}

	var rec Result
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("result deserialization failed: %w", err)
	}
	return &rec, nil
}

// Stats returns the queue's current counters and lengths.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	raw, err := q.kv.HGetAll(ctx, q.statsKey())
	if err != nil {
		return Stats{}, fmt.Errorf("stats lookup failed: %w", err)
	}

	pending, err := q.kv.LLen(ctx, q.pendingKey())
	if err != nil {
		return Stats{}, fmt.Errorf("stats lookup failed: %w", err)
	}
	processing, err := q.kv.HLen(ctx, q.processingKey())
	if err != nil {
		return Stats{}, fmt.Errorf("stats lookup failed: %w", err)
	}

	parse := func(field string) int64 {
		var n int64
		fmt.Sscan(raw[field], &n)
		return n
	}

	return Stats{
		Total:      parse("total"),
		Pending:    pending,
		Processing: processing,
		Completed:  parse("completed"),
		Failed:     parse("failed"),
	}, nil
}

func (q *Queue) cleanupLoop(ctx context.Context) {
	defer close(q.done)

	ticker := time.NewTicker(q.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.evictExpired(ctx)
		}
	}
}

// evictExpired removes expired items from both the pending list and the
// processing map. Expired leases are deleted and never re-driven: the
// upstream call may still be running, so re-delivery would risk double
// execution. Malformed entries are deleted unconditionally.
func (q *Queue) evictExpired(ctx context.Context) int {
	now := q.now()
	removed := 0

	pending, err := q.kv.LRange(ctx, q.pendingKey(), 0, -1)
	if err != nil {
		q.logger.Error("cleanup: pending scan failed", zap.Error(err))
	} else {
		for _, data := range pending {
			var item Item
			if err := json.Unmarshal([]byte(data), &item); err != nil {
				if n, _ := q.kv.LRem(ctx, q.pendingKey(), 1, data); n > 0 {
					removed++
					q.logger.Warn("malformed pending item removed")
				}
				continue
			}
			if item.Expired(now) {
				if n, _ := q.kv.LRem(ctx, q.pendingKey(), 1, data); n > 0 {
					removed++
					if q.metrics != nil {
						q.metrics.RecordQueueOutcome(q.name, "evicted")
					}
					q.logger.Warn("expired pending item evicted", zap.String("item_id", item.ID))
				}
			}
		}
	}

	leases, err := q.kv.HGetAll(ctx, q.processingKey())
	if err != nil {
		q.logger.Error("cleanup: processing scan failed", zap.Error(err))
	} else {
		for id, data := range leases {
			var l lease
			if err := json.Unmarshal([]byte(data), &l); err != nil {
				q.logger.Warn("malformed processing entry removed", zap.String("item_id", id))
				_ = q.kv.HDel(ctx, q.processingKey(), id)
				removed++
				continue
			}
			if l.Item.Expired(now) {
				if err := q.kv.HDel(ctx, q.processingKey(), id); err == nil {
					removed++
					if q.metrics != nil {
						q.metrics.RecordQueueOutcome(q.name, "expired")
					}
					q.logger.Warn("expired processing item removed", zap.String("item_id", id))
				}
			}
		}
	}

	if removed > 0 {
		q.logger.Info("cleanup completed", zap.Int("removed_items", removed))
	}
	return removed
}
