// Package gateway sends prompts to the remote generator. It owns error
// classification, bounded retry with backoff, and the deep-to-fast tier
// fallback; model selection policy lives with the caller.
package gateway

import (
	"context"
	"fmt"
	"sync"
)

// Tier selects between the cheap low-latency model and the expensive
// high-quality model.
type Tier string

const (
	TierFast Tier = "fast"
	TierDeep Tier = "deep"
)

// ThinkingBudget controls how much internal deliberation the generator
// performs before responding. Higher budgets cost more time and money.
type ThinkingBudget string

const (
	BudgetNone    ThinkingBudget = "none"
	BudgetMinimal ThinkingBudget = "minimal"
	BudgetLow     ThinkingBudget = "low"
	BudgetMedium  ThinkingBudget = "medium"
	BudgetHigh    ThinkingBudget = "high"
)

// Tokens returns the provider-side token allowance for the budget.
func (b ThinkingBudget) Tokens() int32 {
	switch b {
	case BudgetMinimal:
		return 512
	case BudgetLow:
		return 2048
	case BudgetMedium:
		return 8192
	case BudgetHigh:
		return 24576
	default:
		return 0
	}
}

// RequestConfig carries the per-request generation knobs.
type RequestConfig struct {
	Tier           Tier
	ThinkingBudget ThinkingBudget
	MaxTokens      int
	Temperature    float64
	JSONMode       bool
	// Model overrides the provider's default model for the tier.
	Model string
}

// Request is a single prompt/system-prompt pair with its config.
type Request struct {
	Prompt       string
	SystemPrompt string
	Config       RequestConfig
}

// Usage tracks token usage reported by the provider envelope. It is
// recorded for observability only and never affects control flow.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Reply is the text output of a single generation call.
type Reply struct {
	Text         string
	Model        string
	FinishReason string
	Usage        Usage
	// Attempts is the total number of provider calls the client made
	// before this reply, including failed ones. Set by the client, not
	// by providers.
	Attempts int
}

// Provider defines a single upstream generator backend. Implementations
// classify their own failures as *Error; they do not retry.
type Provider interface {
	Generate(ctx context.Context, req Request) (*Reply, error)
	Name() string
}

// Pinger is implemented by providers that can verify reachability and
// credentials without spending generation tokens.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Factory creates a provider from string-keyed configuration.
type Factory func(config map[string]any) (Provider, error)

var (
	factoryMu sync.RWMutex
	factories = make(map[string]Factory)
)

// RegisterFactory registers a provider factory by name. Called from
// provider init functions.
func RegisterFactory(name string, f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[name] = f
}

// NewProvider builds a registered provider by name.
func NewProvider(name string, config map[string]any) (Provider, error) {
	factoryMu.RLock()
	f, ok := factories[name]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	return f(config)
}
