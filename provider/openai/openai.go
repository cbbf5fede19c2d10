// Package openai provides a completion backend for the OpenAI Chat
// Completions API.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"

	"github.com/durapensa/ksi/provider"
)

// Options configures the OpenAI backend.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	System              string
}

// Backend implements provider.Backend against the OpenAI Chat Completions
// API.
type Backend struct {
	client *openai.Client
	opts   Options
}

var _ provider.Backend = (*Backend)(nil)

// New creates a backend using the official client with its environment
// configuration.
func New(optFns ...func(o *Options)) *Backend {
	client := openai.NewClient()
	return NewFromClient(&client, optFns...)
}

// NewFromClient creates a backend from an existing client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Backend {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Backend{client: client, opts: opts}
}

// Complete implements provider.Backend.
func (b *Backend) Complete(ctx context.Context, req provider.Request) (string, error) {
	model := b.opts.Model
	if req.Model != "" {
		model = req.Model
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if b.opts.System != "" {
		messages = append(messages, openai.SystemMessage(b.opts.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	resp, err := b.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               model,
		Temperature:         openai.Float(b.opts.Temperature),
		MaxCompletionTokens: openai.Int(b.opts.MaxCompletionTokens),
	})
	if err != nil {
		return "", fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// Info implements provider.Backend.
func (b *Backend) Info() provider.Info {
	return provider.Info{Name: b.opts.Model, Provider: "openai"}
}
