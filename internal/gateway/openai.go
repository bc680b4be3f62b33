package gateway

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const (
	openaiDefaultFastModel = "gpt-4o-mini"
	openaiDefaultDeepModel = "gpt-4o"
)

func init() {
	RegisterFactory("openai", func(config map[string]any) (Provider, error) {
		apiKey := ""
		if key, ok := config["api_key"].(string); ok {
			apiKey = key
		}
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, NewError("openai", CodeNoCredential, "OPENAI_API_KEY not set", nil)
		}

		fastModel := openaiDefaultFastModel
		if m, ok := config["fast_model"].(string); ok && m != "" {
			fastModel = m
		}
		deepModel := openaiDefaultDeepModel
		if m, ok := config["deep_model"].(string); ok && m != "" {
			deepModel = m
		}

		return NewOpenAIProvider(apiKey, fastModel, deepModel), nil
	})
}

// OpenAIProvider implements Provider for the OpenAI chat completion API.
type OpenAIProvider struct {
	client    *openai.Client
	fastModel string
	deepModel string
}

// NewOpenAIProvider creates an OpenAI provider with per-tier model names.
func NewOpenAIProvider(apiKey, fastModel, deepModel string) *OpenAIProvider {
	return &OpenAIProvider{
		client:    openai.NewClient(apiKey),
		fastModel: fastModel,
		deepModel: deepModel,
	}
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Ping verifies reachability and credentials with a model listing
// call, which costs no generation tokens.
func (p *OpenAIProvider) Ping(ctx context.Context) error {
	if _, err := p.client.ListModels(ctx); err != nil {
		return p.wrapError(ctx, err)
	}
	return nil
}

func (p *OpenAIProvider) modelFor(cfg RequestConfig) string {
	if cfg.Model != "" {
		return cfg.Model
	}
	if cfg.Tier == TierDeep {
		return p.deepModel
	}
	return p.fastModel
}

// Generate performs exactly one chat completion call.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (*Reply, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	chatReq := openai.ChatCompletionRequest{
		Model:       p.modelFor(req.Config),
		Messages:    messages,
		Temperature: float32(req.Config.Temperature),
		MaxTokens:   req.Config.MaxTokens,
	}
	if req.Config.JSONMode {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, p.wrapError(ctx, err)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, NewError("openai", CodeParseError, "no content in completion choices", nil)
	}

	return &Reply{
		Text:         resp.Choices[0].Message.Content,
		Model:        resp.Model,
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// wrapError classifies OpenAI API errors into the gateway taxonomy.
func (p *OpenAIProvider) wrapError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return NewError("openai", CodeTimeout, err.Error(), err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := CodeServerError
		switch apiErr.HTTPStatusCode {
		case 401, 403:
			code = CodeNoCredential
		case 404:
			code = CodeInvalidEndpoint
		case 429:
			code = CodeRateLimited
		default:
			if apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 {
				code = CodeInvalidEndpoint
			}
		}
		ge := NewError("openai", code, apiErr.Message, err)
		ge.StatusCode = apiErr.HTTPStatusCode
		return ge
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError("openai", CodeTimeout, err.Error(), err)
	}
	if strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return NewError("openai", CodeTimeout, err.Error(), err)
	}

	return NewError("openai", CodeNetworkError, err.Error(), err)
}
