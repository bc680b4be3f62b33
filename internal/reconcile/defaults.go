package reconcile

import (
	"fmt"
	"math"

	"github.com/planfit-dev/planfit/pkg/plan"
)

// Baseline calorie targets per meal slot, used when the model omits or
// zeroes the calorie count for a meal.
var slotCalories = map[plan.MealSlot]int{
	plan.SlotBreakfast: 400,
	plan.SlotLunch:     600,
	plan.SlotDinner:    700,
	plan.SlotSnack:     200,
}

// Macro split applied when a meal states calories but no macros:
// 25% protein, 45% carbs, 30% fat by calories, at 4/4/9 kcal per gram.
const (
	proteinCalorieShare = 0.25
	carbCalorieShare    = 0.45
	fatCalorieShare     = 0.30

	proteinKcalPerGram = 4
	carbKcalPerGram    = 4
	fatKcalPerGram     = 9

	defaultSodiumMg = 500
)

// Workout fallbacks for exercises missing prescription fields.
const (
	defaultSets        = 3
	defaultReps        = 10
	defaultRestSeconds = 60
)

func proteinGrams(calories int) int {
	return int(math.Round(float64(calories) * proteinCalorieShare / proteinKcalPerGram))
}

func carbGrams(calories int) int {
	return int(math.Round(float64(calories) * carbCalorieShare / carbKcalPerGram))
}

func fatGrams(calories int) int {
	return int(math.Round(float64(calories) * fatCalorieShare / fatKcalPerGram))
}

func placeholderMealName(slot plan.MealSlot) string {
	return fmt.Sprintf("Balanced %s (placeholder)", slot)
}

func placeholderRecipe(slot plan.MealSlot) string {
	return fmt.Sprintf("Placeholder recipe: prepare a simple, balanced %s using ingredients on hand.", slot)
}

const (
	placeholderFocus        = "Full body (placeholder)"
	placeholderExerciseName = "Bodyweight circuit (placeholder)"
	placeholderInstructions = "Placeholder exercise: perform a controlled bodyweight movement for the prescribed sets and reps."
)
