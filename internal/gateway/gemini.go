package gateway

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	geminiClientTimeout    = 30 * time.Second
	geminiDefaultFastModel = "gemini-2.5-flash"
	geminiDefaultDeepModel = "gemini-2.5-pro"
)

func init() {
	RegisterFactory("gemini", func(config map[string]any) (Provider, error) {
		apiKey := ""
		if key, ok := config["api_key"].(string); ok {
			apiKey = key
		}
		if apiKey == "" {
			apiKey = os.Getenv("GOOGLE_API_KEY")
		}
		if apiKey == "" {
			return nil, NewError("gemini", CodeNoCredential, "GOOGLE_API_KEY not set", nil)
		}

		fastModel := geminiDefaultFastModel
		if m, ok := config["fast_model"].(string); ok && m != "" {
			fastModel = m
		}
		deepModel := geminiDefaultDeepModel
		if m, ok := config["deep_model"].(string); ok && m != "" {
			deepModel = m
		}

		return NewGeminiProvider(apiKey, fastModel, deepModel)
	})
}

// GeminiProvider implements Provider for the Gemini API using the
// Google Gen AI SDK.
type GeminiProvider struct {
	client    *genai.Client
	fastModel string
	deepModel string
}

// NewGeminiProvider creates a Gemini provider with per-tier model names.
func NewGeminiProvider(apiKey, fastModel, deepModel string) (*GeminiProvider, error) {
	ctx, cancel := context.WithTimeout(context.Background(), geminiClientTimeout)
	defer cancel()

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &GeminiProvider{
		client:    client,
		fastModel: fastModel,
		deepModel: deepModel,
	}, nil
}

// Name returns the provider name.
func (p *GeminiProvider) Name() string {
	return "gemini"
}

// Ping verifies reachability and credentials with a model metadata
// read, which costs no generation tokens.
func (p *GeminiProvider) Ping(ctx context.Context) error {
	if _, err := p.client.Models.Get(ctx, p.fastModel, nil); err != nil {
		return p.wrapError(ctx, err)
	}
	return nil
}

func (p *GeminiProvider) modelFor(cfg RequestConfig) string {
	if cfg.Model != "" {
		return cfg.Model
	}
	if cfg.Tier == TierDeep {
		return p.deepModel
	}
	return p.fastModel
}

// Generate performs exactly one generation call. Retry lives in Client.
func (p *GeminiProvider) Generate(ctx context.Context, req Request) (*Reply, error) {
	model := p.modelFor(req.Config)

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Config.Temperature)),
	}
	if req.Config.MaxTokens > 0 && req.Config.MaxTokens <= math.MaxInt32 {
		config.MaxOutputTokens = int32(req.Config.MaxTokens)
	}
	if req.Config.JSONMode {
		config.ResponseMIMEType = "application/json"
	}
	if budget := req.Config.ThinkingBudget.Tokens(); budget > 0 {
		config.ThinkingConfig = &genai.ThinkingConfig{
			ThinkingBudget: genai.Ptr(budget),
		}
	}
	if req.SystemPrompt != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemPrompt}},
		}
	}

	resp, err := p.client.Models.GenerateContent(ctx, model, genai.Text(req.Prompt), config)
	if err != nil {
		return nil, p.wrapError(ctx, err)
	}

	return p.parseResponse(resp, model)
}

// parseResponse unwraps the candidate envelope. Absence of any parseable
// content is a parse error, not a silent empty string.
func (p *GeminiProvider) parseResponse(resp *genai.GenerateContentResponse, model string) (*Reply, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, NewError("gemini", CodeParseError, "no candidates in response", nil)
	}

	candidate := resp.Candidates[0]
	var content strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				content.WriteString(part.Text)
			}
		}
	}
	if content.Len() == 0 {
		return nil, NewError("gemini", CodeParseError,
			fmt.Sprintf("candidate carries no text (finish reason %s)", candidate.FinishReason), nil)
	}

	var usage Usage
	if resp.UsageMetadata != nil {
		usage.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		usage.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}

	return &Reply{
		Text:         content.String(),
		Model:        model,
		FinishReason: string(candidate.FinishReason),
		Usage:        usage,
	}, nil
}

// wrapError classifies Gen AI SDK errors into the gateway taxonomy.
func (p *GeminiProvider) wrapError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return NewError("gemini", CodeTimeout, err.Error(), err)
	}

	msg := strings.ToLower(err.Error())
	code := CodeNetworkError
	switch {
	case strings.Contains(msg, "api key") || strings.Contains(msg, "credential") ||
		strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "permission"):
		code = CodeNoCredential
	case strings.Contains(msg, "not found") || strings.Contains(msg, "404"):
		code = CodeInvalidEndpoint
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") ||
		strings.Contains(msg, "quota") || strings.Contains(msg, "resource exhausted"):
		code = CodeRateLimited
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		code = CodeTimeout
	case strings.Contains(msg, "500") || strings.Contains(msg, "503") ||
		strings.Contains(msg, "internal") || strings.Contains(msg, "unavailable") ||
		strings.Contains(msg, "overloaded"):
		code = CodeServerError
	}

	return NewError("gemini", code, err.Error(), err)
}
