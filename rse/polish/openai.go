package polish

import (
	"context"
	"fmt"
	"strings"

	"github.com/nzcbass/refsession/rse/config"

	openai "github.com/sashabaranov/go-openai"
)

const systemPrompt = "You proofread reference-check answers. Fix grammar, spelling, and " +
	"punctuation only. Keep the meaning, tone, and all factual content exactly as given. " +
	"Reply with the corrected text and nothing else."

// OpenAITransformer calls an OpenAI-compatible chat endpoint to proofread
// answer text.
type OpenAITransformer struct {
	client *openai.Client
	model  string
}

// NewOpenAITransformer creates a transformer from polish config.
func NewOpenAITransformer(cfg *config.PolishConfig) *OpenAITransformer {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAITransformer{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
	}
}

// Transform implements Transformer.
func (t *OpenAITransformer) Transform(ctx context.Context, questionPrompt, content string) (string, error) {
	resp, err := t.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: t.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: fmt.Sprintf("Question: %s\n\nAnswer: %s", questionPrompt, content),
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("polish request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("polish request returned no choices")
	}

	polished := strings.TrimSpace(resp.Choices[0].Message.Content)
	if polished == "" {
		return "", fmt.Errorf("polish request returned empty content")
	}
	return polished, nil
}

var _ Transformer = (*OpenAITransformer)(nil)
