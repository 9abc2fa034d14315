package oracle

import (
	"context"
	"errors"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/rotisserie/eris"

	"github.com/sells-group/tender-cli/internal/resilience"
	"github.com/sells-group/tender-cli/pkg/anthropic"
	"github.com/sells-group/tender-cli/pkg/deepseek"
)

// Provider sends one prompt to a language model and returns its raw reply.
type Provider interface {
	Name() string
	Complete(ctx context.Context, p Prompt) (string, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, p Prompt) (string, error)

// Name implements Provider.
func (f ProviderFunc) Name() string { return "func" }

// Complete implements Provider.
func (f ProviderFunc) Complete(ctx context.Context, p Prompt) (string, error) { return f(ctx, p) }

// DeepSeekProvider calls DeepSeek chat completions in JSON mode.
type DeepSeekProvider struct {
	client deepseek.Client
	model  string
}

// NewDeepSeekProvider wraps a DeepSeek client. An empty model uses the
// client default.
func NewDeepSeekProvider(client deepseek.Client, model string) *DeepSeekProvider {
	return &DeepSeekProvider{client: client, model: model}
}

// Name implements Provider.
func (p *DeepSeekProvider) Name() string { return "deepseek" }

// Complete implements Provider.
func (p *DeepSeekProvider) Complete(ctx context.Context, pr Prompt) (string, error) {
	temp := pr.Temperature
	maxTokens := pr.MaxTokens
	resp, err := p.client.ChatCompletion(ctx, deepseek.ChatCompletionRequest{
		Model: p.model,
		Messages: []deepseek.Message{
			{Role: "system", Content: pr.System},
			{Role: "user", Content: pr.User},
		},
		Temperature:    &temp,
		MaxTokens:      &maxTokens,
		ResponseFormat: deepseek.JSONObject,
	})
	if err != nil {
		var se *deepseek.StatusError
		if errors.As(err, &se) && resilience.IsTransientHTTPStatus(se.Code) {
			return "", resilience.Transient(err, se.Code)
		}
		return "", err
	}
	out := resp.Content()
	if out == "" {
		return "", eris.New("deepseek: empty reply")
	}
	return out, nil
}

// AnthropicProvider calls the Anthropic Messages API. The system prompt is
// cached since it repeats across the documents of a multi-call run.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

// NewAnthropicProvider wraps an Anthropic client.
func NewAnthropicProvider(client anthropic.Client, model string) *AnthropicProvider {
	return &AnthropicProvider{client: client, model: model}
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete implements Provider.
func (p *AnthropicProvider) Complete(ctx context.Context, pr Prompt) (string, error) {
	temp := pr.Temperature
	resp, err := p.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       p.model,
		MaxTokens:   int64(pr.MaxTokens),
		System:      []anthropic.SystemBlock{{Text: pr.System, Cached: true}},
		Messages:    []anthropic.Message{{Role: "user", Content: pr.User}},
		Temperature: &temp,
	})
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) && resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
			return "", resilience.Transient(err, apiErr.StatusCode)
		}
		return "", err
	}
	resp.Usage.LogCost(p.model, string(pr.Phase))
	out := resp.Text()
	if out == "" {
		return "", eris.New("anthropic: empty reply")
	}
	return out, nil
}
