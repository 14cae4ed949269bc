// Package reasoning asks a language model what to do with a work item and
// applies the answer through the lifecycle rules.
package reasoning

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/inbox-cli/internal/resilience"
	"github.com/sells-group/inbox-cli/pkg/anthropic"
)

// Provider generates a completion for a prompt.
type Provider interface {
	Generate(ctx context.Context, prompt, systemPrompt string) (string, error)
}

// AnthropicProvider implements Provider on the Messages API with retries and
// a circuit breaker.
type AnthropicProvider struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	retry     resilience.RetryConfig
	breaker   *resilience.CircuitBreaker
}

// NewAnthropicProvider creates a provider. A nil breaker disables circuit
// breaking.
func NewAnthropicProvider(client anthropic.Client, model string, maxTokens int64, retry resilience.RetryConfig, breaker *resilience.CircuitBreaker) *AnthropicProvider {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("anthropic", "create_message")
	}
	return &AnthropicProvider{
		client:    client,
		model:     model,
		maxTokens: maxTokens,
		retry:     retry,
		breaker:   breaker,
	}
}

// Generate implements Provider.
func (p *AnthropicProvider) Generate(ctx context.Context, prompt, systemPrompt string) (string, error) {
	req := anthropic.MessageRequest{
		Model:       p.model,
		MaxTokens:   p.maxTokens,
		System:      systemPrompt,
		CacheSystem: true,
		Prompt:      prompt,
	}

	call := func(ctx context.Context) (*anthropic.MessageResponse, error) {
		resp, err := p.client.CreateMessage(ctx, req)
		if err != nil {
			if code := anthropic.StatusCode(err); resilience.IsTransientHTTPStatus(code) {
				return nil, resilience.NewTransientError(err, code)
			}
			return nil, err
		}
		return resp, nil
	}

	resp, err := resilience.DoVal(ctx, p.retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		if p.breaker == nil {
			return call(ctx)
		}
		return resilience.ExecuteVal(ctx, p.breaker, call)
	})
	if err != nil {
		return "", eris.Wrap(err, "reasoning: generate")
	}

	resp.Usage.Log(p.model)
	return resp.Text, nil
}
