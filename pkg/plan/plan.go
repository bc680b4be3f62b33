// Package plan defines the structured plan entities produced by the
// generation pipeline and the storage interface they are handed to.
package plan

import (
	"context"
	"time"
)

// Type identifies the kind of plan a conversation produces.
type Type string

const (
	TypeDiet        Type = "diet"
	TypeWorkoutHome Type = "workout-home"
	TypeWorkoutGym  Type = "workout-gym"
)

// Valid reports whether t is a known plan type.
func (t Type) Valid() bool {
	switch t {
	case TypeDiet, TypeWorkoutHome, TypeWorkoutGym:
		return true
	}
	return false
}

// IsWorkout reports whether t is one of the workout plan types.
func (t Type) IsWorkout() bool {
	return t == TypeWorkoutHome || t == TypeWorkoutGym
}

// MealSlot is the position of a meal within a day.
type MealSlot string

const (
	SlotBreakfast MealSlot = "breakfast"
	SlotLunch     MealSlot = "lunch"
	SlotDinner    MealSlot = "dinner"
	SlotSnack     MealSlot = "snack"
)

// MealSlots lists the slots every diet day is expected to carry, in order.
var MealSlots = []MealSlot{SlotBreakfast, SlotLunch, SlotDinner, SlotSnack}

// Nutrition holds per-meal nutritional values. Grams and milligrams are
// whole numbers; generated fractions are rounded during reconciliation.
type Nutrition struct {
	Calories     int `json:"calories"`
	ProteinGrams int `json:"proteinGrams"`
	CarbGrams    int `json:"carbGrams"`
	FatGrams     int `json:"fatGrams"`
	SodiumMg     int `json:"sodiumMg"`
}

// Meal is a single meal within a diet day.
type Meal struct {
	Slot      MealSlot  `json:"slot"`
	Name      string    `json:"name"`
	Recipe    string    `json:"recipe"`
	Nutrition Nutrition `json:"nutrition"`
	// Estimated marks meals whose nutrition was filled with defaults
	// rather than generated.
	Estimated bool `json:"estimated,omitempty"`
}

// MealDay is one day of a diet plan.
type MealDay struct {
	Day           int    `json:"day"`
	TotalCalories int    `json:"totalCalories"`
	Meals         []Meal `json:"meals"`
}

// Exercise is a single exercise within a workout day.
type Exercise struct {
	Name         string `json:"name"`
	Instructions string `json:"instructions"`
	Sets         int    `json:"sets"`
	Reps         int    `json:"reps"`
	RestSeconds  int    `json:"restSeconds"`
	// Estimated marks exercises whose set/rep scheme was defaulted.
	Estimated bool `json:"estimated,omitempty"`
}

// WorkoutDay is one day of a workout plan.
type WorkoutDay struct {
	Day       int        `json:"day"`
	Focus     string     `json:"focus"`
	Exercises []Exercise `json:"exercises"`
}

// Status describes how a plan came into existence.
type Status string

const (
	// StatusCompleted means every field came from the generator.
	StatusCompleted Status = "completed"
	// StatusPartialSuccess means some fields were filled with defaults.
	StatusPartialSuccess Status = "partial_success"
	// StatusPending means the plan has not been acknowledged by the user.
	StatusPending Status = "pending"
)

// Plan is a fully-built weekly plan. Exactly one of Days or Workouts is
// populated, according to Type.
type Plan struct {
	ID       string       `json:"id"`
	UserID   string       `json:"userId"`
	Type     Type         `json:"type"`
	Title    string       `json:"title"`
	Days     []MealDay    `json:"days,omitempty"`
	Workouts []WorkoutDay `json:"workouts,omitempty"`
	Status   Status       `json:"status"`
	// FilledFields describes every value substituted during
	// reconciliation, in deterministic order.
	FilledFields []string  `json:"filledFields,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// DayCount returns the number of days in the plan regardless of type.
func (p *Plan) DayCount() int {
	if p.Type.IsWorkout() {
		return len(p.Workouts)
	}
	return len(p.Days)
}

// Store persists finished plans. Implementations live outside the
// pipeline; the reconciler hands them a fully-built entity.
type Store interface {
	Save(ctx context.Context, p *Plan) error
	LoadPending(ctx context.Context, userID string) ([]*Plan, error)
	Update(ctx context.Context, p *Plan) error
}
