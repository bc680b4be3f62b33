// Package conversation drives the interview that collects a user's
// requirements and turns them into a generated plan. Each user has at
// most one conversation per plan type, persisted after every mutation
// so a restarted process resumes where the user left off.
package conversation

import (
	"fmt"
	"time"

	"github.com/planfit-dev/planfit/pkg/plan"
)

// Phase is the discriminant of the conversation state. Exactly the
// variant payload for the current phase is populated; the rest of the
// record stays zero.
type Phase string

const (
	// PhaseIdle precedes the first user interaction.
	PhaseIdle Phase = "idle"
	// PhaseGathering is the question-and-answer interview.
	PhaseGathering Phase = "gathering"
	// PhaseReady means the interview produced enough to generate.
	PhaseReady Phase = "ready"
	// PhaseGenerating means a generation attempt is in flight.
	PhaseGenerating Phase = "generating"
	// PhaseCompleted means a plan was produced and saved.
	PhaseCompleted Phase = "completed"
	// PhaseFailed means generation ended without a plan.
	PhaseFailed Phase = "failed"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of the interview transcript.
type Message struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// State is the conversation record persisted as a single document. The
// Phase field selects which variant payload is meaningful:
//
//	gathering:  Messages, UserTurns, Preferences, CollectedContext
//	ready:      Messages, UserTurns, ReadySummary, ForcedReady, Stale
//	generating: Messages, ReadySummary, LedgerID, Progress
//	completed:  PlanID, PlanStatus
//	failed:     ErrMessage, FailKind
type State struct {
	Phase    Phase     `json:"phase"`
	PlanType plan.Type `json:"planType"`

	Messages  []Message `json:"messages,omitempty"`
	UserTurns int       `json:"userTurns,omitempty"`

	// Preferences is the seed text from the user's first turn.
	Preferences string `json:"preferences,omitempty"`

	// CollectedContext accumulates the user's answers as free text for
	// the generation prompt.
	CollectedContext string `json:"collectedContext,omitempty"`

	// ReadySummary is the model's recap of the gathered requirements,
	// echoed back to the user before generation starts.
	ReadySummary string `json:"readySummary,omitempty"`
	// ForcedReady is set when the turn cap ended the interview.
	ForcedReady bool `json:"forcedReady,omitempty"`
	// Stale marks a ready state recovered from an interrupted
	// generation. Generation never resumes on its own; the user must
	// trigger it again.
	Stale bool `json:"stale,omitempty"`

	// LedgerID references the generation ledger entry for this run.
	LedgerID string `json:"ledgerId,omitempty"`
	// Progress is the generation progress fraction while generating.
	Progress float64 `json:"progress,omitempty"`

	PlanID     string      `json:"planId,omitempty"`
	PlanStatus plan.Status `json:"planStatus,omitempty"`

	ErrMessage string `json:"errMessage,omitempty"`
	// FailKind classifies the failure; retryable kinds may be retried
	// without changing input.
	FailKind FailureKind `json:"failKind,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// transitions lists the allowed phase moves. StartOver resets to idle
// from any phase and is not listed here.
var transitions = map[Phase][]Phase{
	PhaseIdle:       {PhaseGathering},
	PhaseGathering:  {PhaseGathering, PhaseReady},
	PhaseReady:      {PhaseGathering, PhaseGenerating},
	PhaseGenerating: {PhaseCompleted, PhaseFailed},
	PhaseCompleted:  {PhaseGathering},
	PhaseFailed:     {PhaseGathering, PhaseReady},
}

// canTransition reports whether moving from one phase to another is
// allowed.
func canTransition(from, to Phase) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition wraps a rejected phase move.
type ErrInvalidTransition struct {
	From Phase
	To   Phase
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid conversation transition %s -> %s", e.From, e.To)
}
