package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/streamstack/llm"
	"github.com/BaSui01/streamstack/queue"
)

// =============================================================================
// 🧪 QueueHandler 测试
// =============================================================================

func TestQueueHandler_ResultPending(t *testing.T) {
	q := newHandlerQueue(t, queue.DefaultConfig())
	handler := NewQueueHandler(q, zap.NewNop())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/queue/results/11111111-2222-3333-4444-555555555555", nil)

	handler.HandleResult(w, r)

	assert.Equal(t, http.StatusAccepted, w.Code)

	var resp PendingResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "pending", resp.Status)
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", resp.ID)
}

func TestQueueHandler_ResultCompleted(t *testing.T) {
	q := newHandlerQueue(t, queue.DefaultConfig())
	handler := NewQueueHandler(q, zap.NewNop())
	ctx := context.Background()

	req := llm.ChatRequest{
		Model:    "gpt-3.5-turbo",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
	}
	id, err := q.Enqueue(ctx, req, queue.EnqueueOptions{})
	require.NoError(t, err)

	item, err := q.Dequeue(ctx, time.Second, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, item)

	resp := &llm.ChatResponse{ID: "chatcmpl-done", Model: req.Model}
	require.NoError(t, q.Complete(ctx, id, resp, nil))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/queue/results/"+id, nil)

	handler.HandleResult(w, r)

	assert.Equal(t, http.StatusOK, w.Code)

	var result queue.Result
	require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
	assert.Equal(t, id, result.ItemID)
	assert.True(t, result.Success)
	assert.Contains(t, string(result.Result), "chatcmpl-done")
}

func TestQueueHandler_ResultMissingID(t *testing.T) {
	q := newHandlerQueue(t, queue.DefaultConfig())
	handler := NewQueueHandler(q, zap.NewNop())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/queue/results/", nil)

	handler.HandleResult(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQueueHandler_Stats(t *testing.T) {
	q := newHandlerQueue(t, queue.DefaultConfig())
	handler := NewQueueHandler(q, zap.NewNop())
	ctx := context.Background()

	req := llm.ChatRequest{
		Model:    "gpt-3.5-turbo",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
	}
	for i := 0; i < 2; i++ {
		_, err := q.Enqueue(ctx, req, queue.EnqueueOptions{})
		require.NoError(t, err)
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/queue/stats", nil)

	handler.HandleStats(w, r)

	assert.Equal(t, http.StatusOK, w.Code)

	var stats queue.Stats
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(2), stats.Pending)
	assert.Equal(t, int64(0), stats.Processing)
}
