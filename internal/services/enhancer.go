package services

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

// PromptEnhancer optionally polishes a substituted template prompt
// before it is sent to the generation service. It is best effort: any
// failure falls back to the raw prompt so generation never blocks on
// the enhancer.
type PromptEnhancer struct {
	client *openai.Client
	logger zerolog.Logger
}

func NewPromptEnhancer(apiKey string, logger zerolog.Logger) *PromptEnhancer {
	return &PromptEnhancer{
		client: openai.NewClient(apiKey),
		logger: logger.With().Str("component", "enhancer").Logger(),
	}
}

const enhancerSystemPrompt = `You rewrite short prompts for an image-to-video generation model that animates accommodation photos into marketing clips. Keep the subject and every factual detail. Add concise cinematography direction: gentle camera motion, natural light, inviting atmosphere. Reply with the rewritten prompt only, no preamble. Stay under 120 words.`

// Enhance returns a polished version of prompt, or the original prompt
// when the model call fails or produces nothing usable.
func (e *PromptEnhancer) Enhance(ctx context.Context, prompt string) string {
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: openai.GPT4oMini,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: enhancerSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0.7,
	})
	if err != nil {
		e.logger.Warn().Err(err).Msg("prompt enhancement failed, using raw prompt")
		return prompt
	}

	if len(resp.Choices) == 0 {
		return prompt
	}

	enhanced := strings.TrimSpace(resp.Choices[0].Message.Content)
	if enhanced == "" {
		return prompt
	}

	e.logger.Debug().
		Int("raw_len", len(prompt)).
		Int("enhanced_len", len(enhanced)).
		Msg("prompt enhanced")

	return enhanced
}
