package reasoning

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/inbox-cli/internal/resilience"
	"github.com/sells-group/inbox-cli/pkg/anthropic"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*anthropic.MessageResponse)
	return resp, args.Error(1)
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Multiplier:     1,
	}
}

func textResponse(s string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{Text: s}
}

func TestAnthropicProvider_Generate(t *testing.T) {
	client := &mockClient{}
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-haiku-4-5-20251001" &&
			req.MaxTokens == 512 &&
			req.System == "sys" && req.CacheSystem &&
			req.Prompt == "hello"
	})).Return(textResponse(`{"action":"IGNORE"}`), nil)

	p := NewAnthropicProvider(client, "claude-haiku-4-5-20251001", 512, fastRetry(), nil)
	out, err := p.Generate(context.Background(), "hello", "sys")
	require.NoError(t, err)
	assert.Equal(t, `{"action":"IGNORE"}`, out)
	client.AssertExpectations(t)
}

func TestAnthropicProvider_RetriesTransient(t *testing.T) {
	client := &mockClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, eris.New("overloaded_error: busy")).Once()
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse("ok"), nil).Once()

	p := NewAnthropicProvider(client, "m", 0, fastRetry(), nil)
	out, err := p.Generate(context.Background(), "x", "")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	client.AssertNumberOfCalls(t, "CreateMessage", 2)
}

func TestAnthropicProvider_PermanentErrorNotRetried(t *testing.T) {
	client := &mockClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, eris.New("invalid api key"))

	p := NewAnthropicProvider(client, "m", 0, fastRetry(), nil)
	_, err := p.Generate(context.Background(), "x", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reasoning: generate")
	client.AssertNumberOfCalls(t, "CreateMessage", 1)
}

func TestAnthropicProvider_CircuitOpens(t *testing.T) {
	client := &mockClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, eris.New("overloaded_error"))

	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})
	retry := fastRetry()
	retry.MaxAttempts = 1
	p := NewAnthropicProvider(client, "m", 0, retry, cb)

	for i := 0; i < 2; i++ {
		_, err := p.Generate(context.Background(), "x", "")
		require.Error(t, err)
	}
	_, err := p.Generate(context.Background(), "x", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	client.AssertNumberOfCalls(t, "CreateMessage", 2)
}
