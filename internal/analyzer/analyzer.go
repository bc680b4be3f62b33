// Package analyzer scores the structural completeness of generated plan
// documents and recommends how to recover from incomplete ones. Large
// structured generations routinely hit output-length or formatting
// limits on only the tail of the response; rejecting them outright
// would waste the already-paid generation cost, so completeness is
// graduated instead of binary.
package analyzer

import (
	"encoding/json"
	"fmt"

	"github.com/planfit-dev/planfit/pkg/observability"
	"github.com/planfit-dev/planfit/pkg/plan"
)

// Strategy is the analyzer's verdict on a generated response.
type Strategy string

const (
	// StrategyAbort rejects the response entirely.
	StrategyAbort Strategy = "abort"
	// StrategyAcceptWithDefaults accepts it, filling gaps downstream.
	StrategyAcceptWithDefaults Strategy = "acceptWithDefaults"
	// StrategyAccept accepts the response as-is.
	StrategyAccept Strategy = "accept"
)

// DefaultThreshold is the minimum completeness fraction accepted with
// defaults. Product-tunable; below it recovery is not attempted.
const DefaultThreshold = 0.70

// DefaultExpectedDays is the day count a weekly plan is expected to carry.
const DefaultExpectedDays = 7

// Outcome is the result of analyzing one generated response.
type Outcome struct {
	Valid         bool
	Completeness  float64
	MissingFields []string
	// Doc is the loosely-typed document tree, nil when parsing failed.
	Doc      map[string]any
	Strategy Strategy
}

// Analyzer walks generated documents against a fixed checklist of
// required fields for the target plan shape.
type Analyzer struct {
	threshold    float64
	expectedDays int
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithThreshold overrides the acceptable-completeness threshold.
func WithThreshold(t float64) Option {
	return func(a *Analyzer) {
		if t > 0 && t <= 1 {
			a.threshold = t
		}
	}
}

// WithExpectedDays overrides the expected day count.
func WithExpectedDays(n int) Option {
	return func(a *Analyzer) {
		if n > 0 {
			a.expectedDays = n
		}
	}
}

// New creates an Analyzer with default thresholds.
func New(opts ...Option) *Analyzer {
	a := &Analyzer{
		threshold:    DefaultThreshold,
		expectedDays: DefaultExpectedDays,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze extracts JSON from raw generator text, scores its structural
// completeness against the checklist for planType, and recommends a
// recovery strategy. Completeness at exactly the threshold is accepted
// with defaults, not aborted.
func (a *Analyzer) Analyze(raw string, planType plan.Type) Outcome {
	extracted := ExtractJSON(raw)
	if extracted == "" {
		return Outcome{Strategy: StrategyAbort, MissingFields: []string{"(no JSON object found)"}}
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(extracted), &doc); err != nil {
		return Outcome{Strategy: StrategyAbort, MissingFields: []string{fmt.Sprintf("(parse failed: %v)", err)}}
	}

	walk := newChecklistWalk()
	if planType.IsWorkout() {
		a.walkWorkout(walk, doc)
	} else {
		a.walkDiet(walk, doc)
	}

	completeness := walk.fraction()
	observability.AnalyzerCompleteness.Observe(completeness)

	out := Outcome{
		Completeness:  completeness,
		MissingFields: walk.missing,
		Doc:           doc,
	}
	switch {
	case completeness >= 1.0:
		out.Valid = true
		out.Strategy = StrategyAccept
	case completeness >= a.threshold:
		out.Valid = true
		out.Strategy = StrategyAcceptWithDefaults
	default:
		out.Strategy = StrategyAbort
	}
	return out
}

// checklistWalk accumulates present/missing counts in traversal order so
// MissingFields is deterministic.
type checklistWalk struct {
	total   int
	present int
	missing []string
}

func newChecklistWalk() *checklistWalk {
	return &checklistWalk{}
}

func (w *checklistWalk) check(path string, ok bool) {
	w.total++
	if ok {
		w.present++
	} else {
		w.missing = append(w.missing, path)
	}
}

// checkAbsent counts n checklist units as missing under one path,
// used when a whole expected day is absent.
func (w *checklistWalk) checkAbsent(path string, n int) {
	w.total += n
	w.missing = append(w.missing, path)
}

func (w *checklistWalk) fraction() float64 {
	if w.total == 0 {
		return 0
	}
	return float64(w.present) / float64(w.total)
}

// Per-item checklist widths, used to weight wholly absent days.
const (
	dietMealFields        = 7 // name, recipe, 5 nutrition fields
	workoutExerciseFields = 5 // name, instructions, sets, reps, restSeconds
)

func (a *Analyzer) walkDiet(w *checklistWalk, doc map[string]any) {
	w.check("title", nonEmptyString(doc["title"]))

	days, _ := doc["days"].([]any)
	w.check("days", len(days) > 0)

	for i := 0; i < a.expectedDays; i++ {
		if i >= len(days) {
			// 2 day-level units plus one minimum meal's worth.
			w.checkAbsent(fmt.Sprintf("days[%d]", i), 2+dietMealFields)
			continue
		}
		day, _ := days[i].(map[string]any)
		prefix := fmt.Sprintf("days[%d]", i)
		w.check(prefix+".totalCalories", positiveNumber(day["totalCalories"]))

		meals, _ := day["meals"].([]any)
		w.check(prefix+".meals", len(meals) > 0)

		for j, m := range meals {
			meal, _ := m.(map[string]any)
			mp := fmt.Sprintf("%s.meals[%d]", prefix, j)
			w.check(mp+".name", nonEmptyString(meal["name"]))
			w.check(mp+".recipe", nonEmptyString(meal["recipe"]))

			nutrition, _ := meal["nutrition"].(map[string]any)
			for _, field := range []string{"calories", "proteinGrams", "carbGrams", "fatGrams", "sodiumMg"} {
				w.check(mp+".nutrition."+field, positiveNumber(nutrition[field]))
			}
		}
	}
}

func (a *Analyzer) walkWorkout(w *checklistWalk, doc map[string]any) {
	w.check("title", nonEmptyString(doc["title"]))

	days, _ := doc["days"].([]any)
	w.check("days", len(days) > 0)

	for i := 0; i < a.expectedDays; i++ {
		if i >= len(days) {
			w.checkAbsent(fmt.Sprintf("days[%d]", i), 2+workoutExerciseFields)
			continue
		}
		day, _ := days[i].(map[string]any)
		prefix := fmt.Sprintf("days[%d]", i)
		w.check(prefix+".focus", nonEmptyString(day["focus"]))

		exercises, _ := day["exercises"].([]any)
		w.check(prefix+".exercises", len(exercises) > 0)

		for j, e := range exercises {
			ex, _ := e.(map[string]any)
			ep := fmt.Sprintf("%s.exercises[%d]", prefix, j)
			w.check(ep+".name", nonEmptyString(ex["name"]))
			w.check(ep+".instructions", nonEmptyString(ex["instructions"]))
			w.check(ep+".sets", positiveNumber(ex["sets"]))
			w.check(ep+".reps", positiveNumber(ex["reps"]))
			w.check(ep+".restSeconds", positiveNumber(ex["restSeconds"]))
		}
	}
}

func nonEmptyString(v any) bool {
	s, ok := v.(string)
	return ok && s != ""
}

// positiveNumber treats zero the same as absent: a zero-valued stat in a
// generated plan is a truncation artifact, not a real value.
func positiveNumber(v any) bool {
	f, ok := v.(float64)
	return ok && f > 0
}
