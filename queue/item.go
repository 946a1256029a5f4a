// Package queue implements a bounded, priority-aware, idempotent request
// queue on the shared KV store. Items move PENDING → PROCESSING →
// (DONE | FAILED | EVAPORATED); EVAPORATED is reached only through the
// cleanup daemon when a lease outlives its item timeout.
package queue

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/BaSui01/streamstack/llm"
)

// ErrQueueFull is returned by Enqueue when the pending list is at capacity
// and eviction freed nothing.
var ErrQueueFull = errors.New("queue: full")

// Item 队列项
type Item struct {
	// ID is the primary key, a UUIDv4 assigned at enqueue.
	ID string `json:"id"`

	// Request is the chat request to process.
	Request llm.ChatRequest `json:"request"`

	// Priority above zero head-jumps the FIFO. Two levels only: elevated
	// items are LIFO among themselves, everything else keeps insertion order.
	Priority int `json:"priority"`

	// CreatedAt is the enqueue time in epoch seconds.
	CreatedAt int64 `json:"created_at"`

	// UserID of the submitter, when known.
	UserID string `json:"user_id,omitempty"`

	// IdempotencyKey deduplicates resubmissions within the item's TTL.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// TimeoutSeconds bounds the item's whole lifetime; past
	// CreatedAt+TimeoutSeconds the item is expired wherever it sits.
	TimeoutSeconds int `json:"timeout_seconds"`
}

// ExpiresAt returns the hard expiry instant.
func (it *Item) ExpiresAt() time.Time {
	return time.Unix(it.CreatedAt+int64(it.TimeoutSeconds), 0)
}

// Expired reports whether the item is past its hard expiry at now.
func (it *Item) Expired(now time.Time) bool {
	return now.Unix() > it.CreatedAt+int64(it.TimeoutSeconds)
}

// lease is the processing-map entry recording which worker holds an item.
type lease struct {
	Item      Item   `json:"item"`
	StartedAt int64  `json:"started_at"`
	WorkerID  string `json:"worker_id"`
}

// Result 处理结果记录
type Result struct {
	ItemID       string          `json:"item_id"`
	CompletedAt  int64           `json:"completed_at"`
	ProcessingMs int64           `json:"processing_ms"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	Success      bool            `json:"success"`
}

// Stats 队列统计
type Stats struct {
	Total      int64 `json:"total"`
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}
