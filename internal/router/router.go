// Package router maps semantic pipeline tasks to generation request
// configurations. Final-plan quality and safety (allergen avoidance,
// injury safety) matter far more than a single gathering question, and
// the fast tier is materially cheaper and lower-latency, so routing is
// a deliberate cost/quality trade-off rather than a default.
package router

import (
	"github.com/planfit-dev/planfit/internal/gateway"
)

// Task identifies what the caller needs from the generator.
type Task string

const (
	// TaskGathering drives a conversational information-gathering turn.
	TaskGathering Task = "gathering"
	// TaskClarification asks a short follow-up about a prior answer.
	TaskClarification Task = "clarification"
	// TaskPlanGeneration produces the full multi-day structured plan.
	TaskPlanGeneration Task = "plan-generation"
)

// Router resolves tasks to request configs. The zero value uses the
// built-in table; overrides replace individual task entries.
type Router struct {
	overrides map[Task]gateway.RequestConfig
}

// New creates a Router with the default task table.
func New() *Router {
	return &Router{}
}

// Override replaces the config for one task (product tuning, tests).
func (r *Router) Override(task Task, cfg gateway.RequestConfig) {
	if r.overrides == nil {
		r.overrides = make(map[Task]gateway.RequestConfig)
	}
	r.overrides[task] = cfg
}

// Config returns the recommended request configuration for a task.
// Unknown tasks get the clarification config, the cheapest option.
func (r *Router) Config(task Task) gateway.RequestConfig {
	if cfg, ok := r.overrides[task]; ok {
		return cfg
	}

	switch task {
	case TaskPlanGeneration:
		return gateway.RequestConfig{
			Tier:           gateway.TierDeep,
			ThinkingBudget: gateway.BudgetHigh,
			MaxTokens:      16384,
			Temperature:    0.7,
			JSONMode:       true,
		}
	case TaskGathering:
		return gateway.RequestConfig{
			Tier:           gateway.TierFast,
			ThinkingBudget: gateway.BudgetMinimal,
			MaxTokens:      1024,
			Temperature:    0.6,
			JSONMode:       true,
		}
	default:
		return gateway.RequestConfig{
			Tier:           gateway.TierFast,
			ThinkingBudget: gateway.BudgetNone,
			MaxTokens:      512,
			Temperature:    0.5,
		}
	}
}
