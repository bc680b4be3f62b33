package router

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/planfit-dev/planfit/internal/gateway"
)

func TestPlanGenerationGetsDeepTierAndHighestBudget(t *testing.T) {
	cfg := New().Config(TaskPlanGeneration)

	assert.Equal(t, gateway.TierDeep, cfg.Tier)
	assert.Equal(t, gateway.BudgetHigh, cfg.ThinkingBudget)
	assert.True(t, cfg.JSONMode)

	gathering := New().Config(TaskGathering)
	assert.Greater(t, cfg.MaxTokens, gathering.MaxTokens,
		"full multi-day output needs the largest token budget")
}

func TestGatheringGetsFastTier(t *testing.T) {
	cfg := New().Config(TaskGathering)

	assert.Equal(t, gateway.TierFast, cfg.Tier)
	assert.Equal(t, gateway.BudgetMinimal, cfg.ThinkingBudget)
	assert.True(t, cfg.JSONMode)
}

func TestClarificationIsCheapest(t *testing.T) {
	cfg := New().Config(TaskClarification)

	assert.Equal(t, gateway.TierFast, cfg.Tier)
	assert.Equal(t, gateway.BudgetNone, cfg.ThinkingBudget)
	assert.False(t, cfg.JSONMode)
}

func TestUnknownTaskFallsBackToClarification(t *testing.T) {
	r := New()
	assert.Equal(t, r.Config(TaskClarification), r.Config(Task("mystery")))
}

func TestOverrideReplacesTaskEntry(t *testing.T) {
	r := New()
	custom := gateway.RequestConfig{Tier: gateway.TierFast, MaxTokens: 42}
	r.Override(TaskPlanGeneration, custom)

	assert.Equal(t, custom, r.Config(TaskPlanGeneration))
	assert.Equal(t, gateway.TierFast, New().Config(TaskGathering).Tier,
		"overrides are per-instance")
}
