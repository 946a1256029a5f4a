package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/streamstack/llm"
)

// =============================================================================
// 🧪 ModelsHandler 测试
// =============================================================================

func TestModelsHandler_HandleModels(t *testing.T) {
	handler := NewModelsHandler(newStubProvider(), zap.NewNop())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/models", nil)

	handler.HandleModels(w, r)

	assert.Equal(t, http.StatusOK, w.Code)

	var list ModelList
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))

	assert.Equal(t, "list", list.Object)
	require.Len(t, list.Data, 2)
	assert.Equal(t, "gpt-3.5-turbo", list.Data[0].ID)
	assert.Equal(t, "model", list.Data[0].Object)
	assert.Equal(t, "stub", list.Data[0].OwnedBy)
}

func TestModelsHandler_HandleModels_Empty(t *testing.T) {
	handler := NewModelsHandler(&stubProvider{}, zap.NewNop())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/models", nil)

	handler.HandleModels(w, r)

	assert.Equal(t, http.StatusOK, w.Code)

	var list ModelList
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	assert.NotNil(t, list.Data)
	assert.Empty(t, list.Data)
}

func TestModelsHandler_HandleUsage(t *testing.T) {
	provider := newStubProvider()
	provider.usage = llm.ProviderUsage{
		Requests:       42,
		TokensConsumed: 1234,
		CostUSD:        0.05,
		AvgLatencyMs:   87.5,
	}
	handler := NewModelsHandler(provider, zap.NewNop())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)

	handler.HandleUsage(w, r)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp UsageResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))

	assert.Equal(t, "stub", resp.Provider)
	assert.Equal(t, int64(42), resp.Usage.Requests)
	assert.Equal(t, int64(1234), resp.Usage.TokensConsumed)
}
