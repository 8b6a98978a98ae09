// Package providers names the paid model providers the control plane
// brokers access to and builds API clients for the trusted runtime
// side, where sealed credentials are opened.
package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	OpenAI    = "openai"
	Anthropic = "anthropic"
)

// Known reports whether the handshake may request this provider.
func Known(provider string) bool {
	switch strings.TrimSpace(strings.ToLower(provider)) {
	case OpenAI, Anthropic:
		return true
	}
	return false
}

// Normalize lowercases and trims a provider name.
func Normalize(provider string) string {
	return strings.TrimSpace(strings.ToLower(provider))
}

// ChatConfig configures a provider chat client.
type ChatConfig struct {
	APIKey  string
	BaseURL string // optional, for OpenAI-compatible gateways
}

// NewChatClient builds a client for an OpenAI-compatible endpoint.
func NewChatClient(cfg ChatConfig) *openai.Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return openai.NewClientWithConfig(clientCfg)
}

// Complete runs a single-turn chat completion. The smoke tool uses it
// to verify an unsealed credential end to end.
func Complete(ctx context.Context, client *openai.Client, model, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty completion response")
	}
	return resp.Choices[0].Message.Content, nil
}
