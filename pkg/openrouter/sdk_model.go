package openrouter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	openaisdk "github.com/openai/openai-go"
)

var errStreamUnsupported = errors.New("openrouter: streaming is not supported by the sdk chat model")

// SDKChatModel adapts the openai-go chat completions client to eino's BaseChatModel.
type SDKChatModel struct {
	client      *openaisdk.Client
	model       string
	temperature float64
	maxTokens   int64
}

var _ model.BaseChatModel = (*SDKChatModel)(nil)

func NewSDKChatModel(cfg *Config) (*SDKChatModel, error) {
	if cfg == nil {
		return nil, errors.New("openrouter: nil config")
	}
	client := NewClient(*cfg)
	if client == nil {
		return nil, errors.New("openrouter: api key is required")
	}
	modelName := strings.TrimSpace(cfg.Model)
	if modelName == "" {
		return nil, errors.New("openrouter: model is required")
	}

	m := &SDKChatModel{
		client:      client,
		model:       modelName,
		temperature: float64(cfg.Temperature),
	}
	if cfg.MaxCompletionToken != nil && *cfg.MaxCompletionToken > 0 {
		m.maxTokens = int64(*cfg.MaxCompletionToken)
	}
	return m, nil
}

func (m *SDKChatModel) Generate(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	messages, err := toSDKMessages(input)
	if err != nil {
		return nil, err
	}

	params := openaisdk.ChatCompletionNewParams{
		Model:       m.model,
		Messages:    messages,
		Temperature: openaisdk.Float(m.temperature),
	}
	if m.maxTokens > 0 {
		params.MaxCompletionTokens = openaisdk.Int(m.maxTokens)
	}

	resp, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openrouter: chat completion: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, errors.New("openrouter: chat completion returned no choices")
	}

	return &schema.Message{
		Role:    schema.Assistant,
		Content: resp.Choices[0].Message.Content,
	}, nil
}

func (m *SDKChatModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errStreamUnsupported
}

func toSDKMessages(input []*schema.Message) ([]openaisdk.ChatCompletionMessageParamUnion, error) {
	out := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(input))
	for _, msg := range input {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case schema.System:
			out = append(out, openaisdk.SystemMessage(msg.Content))
		case schema.User:
			out = append(out, openaisdk.UserMessage(msg.Content))
		case schema.Assistant:
			out = append(out, openaisdk.AssistantMessage(msg.Content))
		default:
			return nil, fmt.Errorf("openrouter: unsupported message role %q", msg.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openrouter: no messages to send")
	}
	return out, nil
}
