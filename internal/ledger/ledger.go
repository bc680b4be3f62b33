// Package ledger records every plan generation attempt from first user
// message to final outcome. Entries let support answer "what happened
// to my plan" and let the notifier find finished plans the user has not
// been told about yet.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/planfit-dev/planfit/pkg/plan"
)

// Phase is the lifecycle stage of a generation attempt. Phases only
// move forward; writing an earlier phase is rejected.
type Phase string

const (
	PhaseGathering  Phase = "gathering"
	PhaseGenerating Phase = "generating"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
)

var phaseRank = map[Phase]int{
	PhaseGathering:  0,
	PhaseGenerating: 1,
	PhaseCompleted:  2,
	PhaseFailed:     2,
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	_, ok := phaseRank[p]
	return ok
}

// Terminal reports whether p is a final phase.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

var (
	// ErrNotFound is returned when no entry exists for the given ID.
	ErrNotFound = errors.New("ledger entry not found")
	// ErrPhaseRegression is returned when a write would move an entry
	// to an earlier phase.
	ErrPhaseRegression = errors.New("ledger phase regression")
)

// Message mirrors one conversation turn into the remote record, so the
// transcript survives independently of the local conversation store.
type Message struct {
	Role    string    `firestore:"role" json:"role"`
	Content string    `firestore:"content" json:"content"`
	At      time.Time `firestore:"at" json:"at"`
}

// Entry is one generation attempt. A user has at most one active entry
// per plan type; completed and failed entries accumulate until the
// retention cleanup removes them.
type Entry struct {
	ID       string    `firestore:"id" json:"id"`
	UserID   string    `firestore:"user_id" json:"userId"`
	PlanType plan.Type `firestore:"plan_type" json:"planType"`
	Phase    Phase     `firestore:"phase" json:"phase"`

	// History mirrors the interview transcript.
	History []Message `firestore:"history,omitempty" json:"history,omitempty"`
	// CollectedContext is the gathered requirements text, written when
	// generation starts.
	CollectedContext string `firestore:"collected_context,omitempty" json:"collectedContext,omitempty"`
	// MessageCount counts mirrored messages.
	MessageCount int `firestore:"message_count" json:"messageCount"`
	// Attempts counts generation calls, including retries and the
	// fallback attempt.
	Attempts int `firestore:"attempts" json:"attempts"`
	// Model is the model that produced the accepted response.
	Model string `firestore:"model,omitempty" json:"model,omitempty"`
	// PlanID references the saved plan once one exists.
	PlanID string `firestore:"plan_id,omitempty" json:"planId,omitempty"`
	// FailureReason holds the user-facing reason for failed entries.
	FailureReason string `firestore:"failure_reason,omitempty" json:"failureReason,omitempty"`
	// FilledFieldCount records how many fields reconciliation defaulted.
	FilledFieldCount int `firestore:"filled_field_count" json:"filledFieldCount"`

	NotificationSent bool `firestore:"notification_sent" json:"notificationSent"`

	CreatedAt   time.Time  `firestore:"created_at" json:"createdAt"`
	UpdatedAt   time.Time  `firestore:"updated_at" json:"updatedAt"`
	CompletedAt *time.Time `firestore:"completed_at,omitempty" json:"completedAt,omitempty"`
}

// Outcome carries the terminal details written when generation ends.
type Outcome struct {
	Attempts         int
	Model            string
	PlanID           string
	FilledFieldCount int
	FailureReason    string
}

// Ledger persists generation attempt records.
type Ledger interface {
	// Create opens a new entry in the gathering phase.
	Create(ctx context.Context, entry *Entry) error
	// Get returns the entry with the given ID.
	Get(ctx context.Context, id string) (*Entry, error)
	// AppendMessage mirrors one transcript message into an active entry.
	AppendMessage(ctx context.Context, id string, msg Message) error
	// StartGeneration moves the entry to the generating phase and
	// records the gathered context.
	StartGeneration(ctx context.Context, id, collectedContext string) error
	// MarkCompleted closes the entry with a successful outcome.
	MarkCompleted(ctx context.Context, id string, outcome Outcome) error
	// MarkFailed closes the entry with a failure reason.
	MarkFailed(ctx context.Context, id string, outcome Outcome) error
	// MarkNotificationSent flags a terminal entry as notified.
	MarkNotificationSent(ctx context.Context, id string) error
	// ListActive returns the user's non-terminal entries.
	ListActive(ctx context.Context, userID string) ([]*Entry, error)
	// ListCompletedUnnotified returns the user's completed entries that
	// have not triggered a notification yet.
	ListCompletedUnnotified(ctx context.Context, userID string) ([]*Entry, error)
	// Cleanup deletes terminal entries not updated since cutoff and
	// returns how many were removed.
	Cleanup(ctx context.Context, cutoff time.Time) (int, error)
}

// RetentionPeriod is how long terminal entries are kept before the
// janitor removes them.
const RetentionPeriod = 7 * 24 * time.Hour

// checkAdvance validates a phase write against the forward-only rule.
// Writing the current phase again is an idempotent no-op, reported via
// the bool return.
func checkAdvance(current, next Phase) (noop bool, err error) {
	if !next.Valid() {
		return false, fmt.Errorf("unknown ledger phase %q", next)
	}
	if current == next {
		return true, nil
	}
	if phaseRank[next] < phaseRank[current] {
		return false, fmt.Errorf("%w: %s -> %s", ErrPhaseRegression, current, next)
	}
	if current.Terminal() {
		// completed and failed share a rank but never convert.
		return false, fmt.Errorf("%w: %s -> %s", ErrPhaseRegression, current, next)
	}
	return false, nil
}
