// Package reconcile turns a partially complete plan document into a
// usable plan by substituting deterministic defaults for every missing
// or zero-valued field. The same input document always produces the
// same output plan and the same fill report.
package reconcile

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/planfit-dev/planfit/pkg/plan"
)

// Result reports the outcome of reconciling one generated document.
type Result struct {
	// Success is false only when no minimum viable skeleton could be
	// built: the document had no days, or a day had no items even
	// after placeholder substitution was attempted.
	Success bool

	// Plan is the assembled plan. Nil when Success is false.
	Plan *plan.Plan

	// FilledFields describes every defaulted field, in document
	// traversal order. Empty when the document was complete.
	FilledFields []string

	// Status is StatusCompleted when nothing was filled,
	// StatusPartialSuccess otherwise.
	Status plan.Status
}

// Reconciler assembles plans from analyzer output documents.
type Reconciler struct {
	now func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock overrides the timestamp source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New returns a Reconciler with the default wall clock.
func New(opts ...Option) *Reconciler {
	r := &Reconciler{now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile builds a plan of the given type for userID from doc,
// filling gaps with defaults. The document is the parsed model output
// as produced by the analyzer.
func (r *Reconciler) Reconcile(userID string, planType plan.Type, doc map[string]any) Result {
	if doc == nil {
		return Result{Success: false, Status: plan.StatusPending}
	}

	p := &plan.Plan{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      planType,
		CreatedAt: r.now().UTC(),
	}

	var filled []string

	p.Title = asString(doc["title"])
	if p.Title == "" {
		p.Title = defaultTitle(planType)
		filled = append(filled, "plan title (defaulted)")
	}

	rawDays, _ := doc["days"].([]any)
	if len(rawDays) == 0 {
		return Result{Success: false, Status: plan.StatusPending}
	}

	if planType.IsWorkout() {
		for i, raw := range rawDays {
			day, notes := reconcileWorkoutDay(i+1, raw)
			p.Workouts = append(p.Workouts, day)
			filled = append(filled, notes...)
		}
	} else {
		for i, raw := range rawDays {
			day, notes := reconcileMealDay(i+1, raw)
			p.Days = append(p.Days, day)
			filled = append(filled, notes...)
		}
	}

	p.FilledFields = filled
	if len(filled) == 0 {
		p.Status = plan.StatusCompleted
	} else {
		p.Status = plan.StatusPartialSuccess
	}
	return Result{Success: true, Plan: p, FilledFields: filled, Status: p.Status}
}

func defaultTitle(planType plan.Type) string {
	switch planType {
	case plan.TypeWorkoutHome:
		return "7-Day Home Workout Plan"
	case plan.TypeWorkoutGym:
		return "7-Day Gym Workout Plan"
	default:
		return "7-Day Nutrition Plan"
	}
}

func reconcileMealDay(dayNum int, raw any) (plan.MealDay, []string) {
	day := plan.MealDay{Day: dayNum}
	var notes []string

	obj, _ := raw.(map[string]any)
	rawMeals, _ := obj["meals"].([]any)
	if len(rawMeals) == 0 {
		// A day with no meals still gets one placeholder so the plan
		// remains usable end to end.
		meal, mealNotes := reconcileMeal(dayNum, plan.SlotLunch, nil)
		meal.Estimated = true
		day.Meals = append(day.Meals, meal)
		notes = append(notes, fmt.Sprintf("day %d meals (placeholder)", dayNum))
		notes = append(notes, mealNotes...)
	} else {
		for i, rawMeal := range rawMeals {
			slot := slotForIndex(i, rawMeal)
			meal, mealNotes := reconcileMeal(dayNum, slot, rawMeal)
			day.Meals = append(day.Meals, meal)
			notes = append(notes, mealNotes...)
		}
	}

	day.TotalCalories = asInt(obj["totalCalories"])
	if day.TotalCalories <= 0 {
		for _, m := range day.Meals {
			day.TotalCalories += m.Nutrition.Calories
		}
		notes = append(notes, fmt.Sprintf("day %d total calories (recomputed)", dayNum))
	}
	return day, notes
}

// slotForIndex resolves a meal's slot from its document position,
// honoring an explicit slot field when the model supplied a valid one.
func slotForIndex(index int, raw any) plan.MealSlot {
	if obj, ok := raw.(map[string]any); ok {
		s := plan.MealSlot(strings.ToLower(asString(obj["slot"])))
		for _, known := range plan.MealSlots {
			if s == known {
				return s
			}
		}
	}
	if index < len(plan.MealSlots) {
		return plan.MealSlots[index]
	}
	return plan.SlotSnack
}

func reconcileMeal(dayNum int, slot plan.MealSlot, raw any) (plan.Meal, []string) {
	meal := plan.Meal{Slot: slot}
	var notes []string

	obj, _ := raw.(map[string]any)

	meal.Name = asString(obj["name"])
	if meal.Name == "" {
		meal.Name = placeholderMealName(slot)
		meal.Estimated = true
		notes = append(notes, fmt.Sprintf("day %d %s name (placeholder)", dayNum, slot))
	}
	meal.Recipe = asString(obj["recipe"])
	if meal.Recipe == "" {
		meal.Recipe = placeholderRecipe(slot)
		meal.Estimated = true
		notes = append(notes, fmt.Sprintf("day %d %s recipe (placeholder)", dayNum, slot))
	}

	nutrition, _ := obj["nutrition"].(map[string]any)

	meal.Nutrition.Calories = asInt(nutrition["calories"])
	if meal.Nutrition.Calories <= 0 {
		meal.Nutrition.Calories = slotCalories[slot]
		meal.Estimated = true
		notes = append(notes, fmt.Sprintf("day %d %s calories (estimated)", dayNum, slot))
	}

	meal.Nutrition.ProteinGrams = asInt(nutrition["proteinGrams"])
	meal.Nutrition.CarbGrams = asInt(nutrition["carbGrams"])
	meal.Nutrition.FatGrams = asInt(nutrition["fatGrams"])
	macrosFilled := false
	if meal.Nutrition.ProteinGrams <= 0 {
		meal.Nutrition.ProteinGrams = proteinGrams(meal.Nutrition.Calories)
		macrosFilled = true
	}
	if meal.Nutrition.CarbGrams <= 0 {
		meal.Nutrition.CarbGrams = carbGrams(meal.Nutrition.Calories)
		macrosFilled = true
	}
	if meal.Nutrition.FatGrams <= 0 {
		meal.Nutrition.FatGrams = fatGrams(meal.Nutrition.Calories)
		macrosFilled = true
	}
	if macrosFilled {
		meal.Estimated = true
		notes = append(notes, fmt.Sprintf("day %d %s macros (estimated)", dayNum, slot))
	}

	meal.Nutrition.SodiumMg = asInt(nutrition["sodiumMg"])
	if meal.Nutrition.SodiumMg <= 0 {
		meal.Nutrition.SodiumMg = defaultSodiumMg
		meal.Estimated = true
		notes = append(notes, fmt.Sprintf("day %d %s sodium (estimated)", dayNum, slot))
	}

	return meal, notes
}

func reconcileWorkoutDay(dayNum int, raw any) (plan.WorkoutDay, []string) {
	day := plan.WorkoutDay{Day: dayNum}
	var notes []string

	obj, _ := raw.(map[string]any)

	day.Focus = asString(obj["focus"])
	if day.Focus == "" {
		day.Focus = placeholderFocus
		notes = append(notes, fmt.Sprintf("day %d focus (placeholder)", dayNum))
	}

	rawExercises, _ := obj["exercises"].([]any)
	if len(rawExercises) == 0 {
		ex, exNotes := reconcileExercise(dayNum, 1, nil)
		ex.Estimated = true
		day.Exercises = append(day.Exercises, ex)
		notes = append(notes, fmt.Sprintf("day %d exercises (placeholder)", dayNum))
		notes = append(notes, exNotes...)
		return day, notes
	}

	for i, rawEx := range rawExercises {
		ex, exNotes := reconcileExercise(dayNum, i+1, rawEx)
		day.Exercises = append(day.Exercises, ex)
		notes = append(notes, exNotes...)
	}
	return day, notes
}

func reconcileExercise(dayNum, pos int, raw any) (plan.Exercise, []string) {
	var ex plan.Exercise
	var notes []string

	obj, _ := raw.(map[string]any)

	ex.Name = asString(obj["name"])
	if ex.Name == "" {
		ex.Name = placeholderExerciseName
		ex.Estimated = true
		notes = append(notes, fmt.Sprintf("day %d exercise %d name (placeholder)", dayNum, pos))
	}
	ex.Instructions = asString(obj["instructions"])
	if ex.Instructions == "" {
		ex.Instructions = placeholderInstructions
		ex.Estimated = true
		notes = append(notes, fmt.Sprintf("day %d exercise %d instructions (placeholder)", dayNum, pos))
	}

	ex.Sets = asInt(obj["sets"])
	ex.Reps = asInt(obj["reps"])
	ex.RestSeconds = asInt(obj["restSeconds"])
	prescriptionFilled := false
	if ex.Sets <= 0 {
		ex.Sets = defaultSets
		prescriptionFilled = true
	}
	if ex.Reps <= 0 {
		ex.Reps = defaultReps
		prescriptionFilled = true
	}
	if ex.RestSeconds <= 0 {
		ex.RestSeconds = defaultRestSeconds
		prescriptionFilled = true
	}
	if prescriptionFilled {
		ex.Estimated = true
		notes = append(notes, fmt.Sprintf("day %d exercise %d prescription (estimated)", dayNum, pos))
	}
	return ex, notes
}

func asString(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

// asInt accepts the numeric shapes encoding/json produces plus string
// digits, which some models emit for counts.
func asInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(math.Round(n))
	case int:
		return n
	case int64:
		return int(n)
	case string:
		var out int
		if _, err := fmt.Sscanf(strings.TrimSpace(n), "%d", &out); err == nil {
			return out
		}
	}
	return 0
}
