// Package llm builds the chat model used for message generation.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
)

type Options struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

// NewChatModel returns an OpenAI-compatible chat model.
func NewChatModel(ctx context.Context, opts Options) (model.ChatModel, error) {
	if opts.APIKey == "" {
		return nil, errors.New("openai api key required")
	}
	if opts.Model == "" {
		opts.Model = "gpt-4"
	}
	cfg := &openai.ChatModelConfig{
		APIKey:      opts.APIKey,
		BaseURL:     opts.BaseURL,
		Model:       opts.Model,
		Temperature: &opts.Temperature,
		Timeout:     opts.Timeout,
	}
	if opts.MaxTokens > 0 {
		maxTokens := opts.MaxTokens
		cfg.MaxTokens = &maxTokens
	}
	cm, err := openai.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create chat model: %w", err)
	}
	return cm, nil
}
