package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/copilot/internal/models"
	"github.com/wuwenbin0122/copilot/internal/prompt"
)

const defaultModel = openai.GPT4oMini

// ChatStreamer is the subset of *openai.Client the backend uses.
type ChatStreamer interface {
	CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// NewOpenAIClient builds a client for any OpenAI-compatible endpoint.
func NewOpenAIClient(cfg OpenAIConfig) *openai.Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		clientCfg.BaseURL = base
	}
	return openai.NewClientWithConfig(clientCfg)
}

type OpenAI struct {
	client ChatStreamer
	model  string
	logger *zap.Logger
}

func NewOpenAI(client ChatStreamer, model string, logger *zap.Logger) *OpenAI {
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAI{client: client, model: model, logger: logger}
}

func (o *OpenAI) Stream(ctx context.Context, turns []prompt.Turn, settings models.GenerationSettings) (Stream, error) {
	req := openai.ChatCompletionRequest{
		Model:            o.model,
		Messages:         toMessages(turns, settings.Tone),
		Temperature:      temperature(settings.Temperature),
		TopP:             settings.TopP,
		MaxTokens:        settings.MaxTokens,
		PresencePenalty:  settings.PresencePenalty,
		FrequencyPenalty: settings.FrequencyPenalty,
		Stream:           true,
	}

	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			o.logger.Warn("chat completion rejected", zap.Int("status", apiErr.HTTPStatusCode), zap.String("message", apiErr.Message))
		}
		return nil, fmt.Errorf("%w: create stream: %v", ErrBackend, err)
	}

	o.logger.Debug("chat completion stream opened", zap.String("model", o.model), zap.Int("turns", len(turns)))
	return &openAIStream{stream: stream}, nil
}

// temperature keeps an explicit zero on the wire; go-openai omits a zero
// value and the server would fall back to its own default.
func temperature(value float32) float32 {
	if value == 0 {
		return math.SmallestNonzeroFloat32
	}
	return value
}

// toMessages converts turns and folds the tone preference into the leading
// system turn.
func toMessages(turns []prompt.Turn, tone string) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(turns))
	tone = strings.TrimSpace(tone)
	for i, turn := range turns {
		content := turn.Content
		if i == 0 && turn.Role == models.RoleSystem && tone != "" {
			content += "\n\nPreferred tone: " + tone + "."
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    roleName(turn.Role),
			Content: content,
		})
	}
	return messages
}

func roleName(role models.Role) string {
	switch role {
	case models.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	case models.RoleSystem:
		return openai.ChatMessageRoleSystem
	default:
		return openai.ChatMessageRoleUser
	}
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
}

func (s *openAIStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", fmt.Errorf("%w: recv: %v", ErrBackend, err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if chunk := resp.Choices[0].Delta.Content; chunk != "" {
			return chunk, nil
		}
	}
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}
