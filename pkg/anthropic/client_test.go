package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messageHandler(t *testing.T, text string, inspect func(body map[string]any)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/messages")

		if inspect != nil {
			raw, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			var body map[string]any
			require.NoError(t, json.Unmarshal(raw, &body))
			inspect(body)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"id":   "msg_test_001",
			"type": "message",
			"role": "assistant",
			"content": []map[string]any{
				{"type": "text", "text": text},
			},
			"model":       "claude-haiku-4-5-20251001",
			"stop_reason": "end_turn",
			"usage": map[string]any{
				"input_tokens":                10,
				"output_tokens":               5,
				"cache_creation_input_tokens": 0,
				"cache_read_input_tokens":     8,
			},
		})
	}
}

func TestSDKClient_CreateMessage(t *testing.T) {
	ts := httptest.NewServer(messageHandler(t, `{"action":"IGNORE"}`, func(body map[string]any) {
		_, hasSystem := body["system"]
		assert.False(t, hasSystem)
		msgs := body["messages"].([]any)
		require.Len(t, msgs, 1)
		assert.Equal(t, "user", msgs[0].(map[string]any)["role"])
	}))
	defer ts.Close()

	client := NewClient("test-key", ts.URL)
	resp, err := client.CreateMessage(context.Background(), MessageRequest{
		Model:     "claude-haiku-4-5-20251001",
		MaxTokens: 1024,
		Prompt:    "Hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "msg_test_001", resp.ID)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, `{"action":"IGNORE"}`, resp.Text)
	assert.Equal(t, int64(10), resp.Usage.InputTokens)
	assert.Equal(t, int64(8), resp.Usage.CacheReadTokens)
}

func TestSDKClient_CreateMessage_CachedSystemAndTemperature(t *testing.T) {
	ts := httptest.NewServer(messageHandler(t, "ok", func(body map[string]any) {
		system, ok := body["system"].([]any)
		require.True(t, ok, "system should be a block list")
		require.Len(t, system, 1)
		block := system[0].(map[string]any)
		assert.Equal(t, "be careful", block["text"])
		cc := block["cache_control"].(map[string]any)
		assert.Equal(t, "ephemeral", cc["type"])
		assert.InDelta(t, 0.2, body["temperature"], 0.0001)
	}))
	defer ts.Close()

	temp := 0.2
	client := NewClient("test-key", ts.URL)
	_, err := client.CreateMessage(context.Background(), MessageRequest{
		Model:       "claude-haiku-4-5-20251001",
		MaxTokens:   64,
		System:      "be careful",
		CacheSystem: true,
		Prompt:      "hi",
		Temperature: &temp,
	})
	require.NoError(t, err)
}

func TestSDKClient_CreateMessage_UncachedSystem(t *testing.T) {
	ts := httptest.NewServer(messageHandler(t, "ok", func(body map[string]any) {
		system := body["system"].([]any)
		require.Len(t, system, 1)
		_, cached := system[0].(map[string]any)["cache_control"]
		assert.False(t, cached)
	}))
	defer ts.Close()

	_, err := NewClient("test-key", ts.URL).CreateMessage(context.Background(), MessageRequest{
		Model: "claude-haiku-4-5-20251001", MaxTokens: 16, System: "sys", Prompt: "p",
	})
	require.NoError(t, err)
}

func TestSDKClient_CreateMessage_Error(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`)) //nolint:errcheck
	}))
	defer ts.Close()

	client := NewClient("test-key", ts.URL)
	_, err := client.CreateMessage(context.Background(), MessageRequest{
		Model:     "claude-haiku-4-5-20251001",
		MaxTokens: 16,
		Prompt:    "hi",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic: create message")
	assert.Equal(t, http.StatusServiceUnavailable, StatusCode(err))
}

func TestStatusCode_NonAPIError(t *testing.T) {
	assert.Equal(t, 0, StatusCode(io.EOF))
	assert.Equal(t, 0, StatusCode(nil))
}

func TestUsage_Cost(t *testing.T) {
	u := Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000}
	assert.InDelta(t, 6.0, u.Cost("claude-haiku-4-5-20251001"), 0.0001)
	assert.InDelta(t, 18.0, u.Cost("claude-sonnet-4-5-20250929"), 0.0001)
	assert.Zero(t, u.Cost("unknown"))

	assert.InDelta(t, 0.1, Usage{CacheReadTokens: 1_000_000}.Cost("claude-haiku-4-5-20251001"), 0.0001)
	assert.InDelta(t, 1.25, Usage{CacheWriteTokens: 1_000_000}.Cost("claude-haiku-4-5-20251001"), 0.0001)
}

func TestUsage_Log(t *testing.T) {
	assert.NotPanics(t, func() { Usage{InputTokens: 10}.Log("claude-haiku-4-5-20251001") })
}
