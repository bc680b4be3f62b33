package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/planfit-dev/planfit/internal/analyzer"
	"github.com/planfit-dev/planfit/internal/gateway"
	"github.com/planfit-dev/planfit/internal/guard"
	"github.com/planfit-dev/planfit/internal/ledger"
	"github.com/planfit-dev/planfit/internal/reconcile"
	"github.com/planfit-dev/planfit/internal/router"
	"github.com/planfit-dev/planfit/internal/userctx"
	"github.com/planfit-dev/planfit/pkg/observability"
	"github.com/planfit-dev/planfit/pkg/plan"
)

// DefaultMaxUserTurns caps the interview length. Reaching the cap
// forces the conversation into the ready phase.
const DefaultMaxUserTurns = 20

// Config wires a Machine. All dependencies are injected; the machine
// holds no globals.
type Config struct {
	UserID   string
	PlanType plan.Type

	Gateway    *gateway.Client
	Router     *router.Router
	Analyzer   *analyzer.Analyzer
	Reconciler *reconcile.Reconciler
	Plans      plan.Store
	Ledger     ledger.Ledger
	Profiles   userctx.Provider
	Store      Store
	// Guard screens interview input. Defaults to guard.New().
	Guard *guard.Guard

	// MaxUserTurns overrides DefaultMaxUserTurns when positive.
	MaxUserTurns int
	// ExpectedDays is the plan length requested from the generator.
	ExpectedDays int
	// Now overrides the time source. Used in tests.
	Now func() time.Time
}

// Machine is the per-user, per-plan-type conversation state machine.
// All exported methods are safe for concurrent use; at most one model
// call runs at a time.
type Machine struct {
	userID       string
	planType     plan.Type
	gw           *gateway.Client
	routes       *router.Router
	analyzer     *analyzer.Analyzer
	reconciler   *reconcile.Reconciler
	plans        plan.Store
	ledger       ledger.Ledger
	profiles     userctx.Provider
	store        Store
	guard        *guard.Guard
	maxUserTurns int
	expectedDays int
	now          func() time.Time

	mu         sync.Mutex
	state      State
	processing bool
	// epoch invalidates in-flight work. StartOver increments it; any
	// result carrying an older epoch is discarded.
	epoch int
}

// NewMachine builds a machine and restores persisted state. A record
// interrupted mid-generation is folded back to ready and marked stale;
// generation never resumes without an explicit user action.
func NewMachine(ctx context.Context, cfg Config) (*Machine, error) {
	switch {
	case cfg.UserID == "":
		return nil, errors.New("user ID is required")
	case !cfg.PlanType.Valid():
		return nil, fmt.Errorf("invalid plan type %q", cfg.PlanType)
	case cfg.Gateway == nil, cfg.Router == nil, cfg.Analyzer == nil,
		cfg.Reconciler == nil, cfg.Plans == nil, cfg.Ledger == nil,
		cfg.Profiles == nil, cfg.Store == nil:
		return nil, errors.New("all machine dependencies are required")
	}

	m := &Machine{
		userID:       cfg.UserID,
		planType:     cfg.PlanType,
		gw:           cfg.Gateway,
		routes:       cfg.Router,
		analyzer:     cfg.Analyzer,
		reconciler:   cfg.Reconciler,
		plans:        cfg.Plans,
		ledger:       cfg.Ledger,
		profiles:     cfg.Profiles,
		store:        cfg.Store,
		guard:        cfg.Guard,
		maxUserTurns: cfg.MaxUserTurns,
		expectedDays: cfg.ExpectedDays,
		now:          cfg.Now,
	}
	if m.guard == nil {
		m.guard = guard.New()
	}
	if m.maxUserTurns <= 0 {
		m.maxUserTurns = DefaultMaxUserTurns
	}
	if m.expectedDays <= 0 {
		m.expectedDays = analyzer.DefaultExpectedDays
	}
	if m.now == nil {
		m.now = time.Now
	}

	stored, err := m.store.Get(ctx, m.userID, m.planType)
	switch {
	case errors.Is(err, ErrStateNotFound):
		m.state = State{Phase: PhaseIdle, PlanType: m.planType, UpdatedAt: m.now().UTC()}
	case err != nil:
		return nil, fmt.Errorf("restore conversation: %w", err)
	default:
		m.state = *stored
		if m.state.Phase == PhaseGenerating {
			m.state.Phase = PhaseReady
			m.state.Stale = true
			m.state.Progress = 0
			log.Printf("[Conversation] user %s %s: interrupted generation restored as stale ready", m.userID, m.planType)
			if err := m.persist(ctx); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// Observers. Each returns a snapshot under the lock.

func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Phase
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.state
	out.Messages = append([]Message(nil), m.state.Messages...)
	return out
}

func (m *Machine) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.state.Messages...)
}

func (m *Machine) ReadySummary() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ReadySummary
}

func (m *Machine) ErrMessage() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ErrMessage
}

func (m *Machine) IsProcessing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processing
}

func (m *Machine) MessageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UserTurns
}

// StartConversation opens the interview. The seed is the user's own
// description of what they want; it becomes the first transcript
// message and the session's preferences. A blank seed is rejected
// before any model call is spent.
func (m *Machine) StartConversation(ctx context.Context, seed string) error {
	seed = m.guard.Normalize(seed)
	if seed == "" {
		return ErrEmptyPreferences
	}
	if f := m.guard.Inspect(seed); f.Flagged {
		observability.GuardRejections.WithLabelValues(string(f.Category)).Inc()
		log.Printf("[Conversation] user %s: seed rejected (%s, confidence %.2f)", m.userID, f.Category, f.Confidence)
		return ErrMessageRejected
	}

	epoch, err := m.begin(PhaseGathering)
	if err != nil {
		return err
	}
	defer m.done()

	var profile userctx.Profile
	ledgerID := uuid.NewString()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := m.profiles.Fetch(gctx, m.userID)
		if err != nil {
			log.Printf("[Conversation] user %s: profile fetch failed, continuing without: %v", m.userID, err)
			return nil
		}
		profile = p
		return nil
	})
	g.Go(func() error {
		return m.ledger.Create(gctx, &ledger.Entry{
			ID:       ledgerID,
			UserID:   m.userID,
			PlanType: m.planType,
		})
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("open ledger entry: %w", err)
	}

	seedMsg := Message{Role: RoleUser, Content: seed, At: m.now().UTC()}
	m.mirrorToLedger(ctx, ledgerID, ledger.Message{Role: string(RoleUser), Content: seed, At: seedMsg.At})

	cfg := m.routes.Config(router.TaskGathering)
	reply, err := m.gw.Send(ctx, transcriptPrompt([]Message{seedMsg}), gatheringSystemPrompt(m.planType, profile), cfg)
	if err != nil {
		return fmt.Errorf("ask opening question: %w", err)
	}

	parsed := parseInterviewReply(reply.Text)
	target := PhaseGathering
	summary := ""
	answer := parsed.question()
	if parsed.Type == "ready" {
		// A detailed seed can be enough on its own.
		target = PhaseReady
		summary = parsed.Summary
		if summary == "" {
			summary = parsed.question()
		}
		answer = summary
	}
	m.mirrorToLedger(ctx, ledgerID, ledger.Message{Role: string(RoleAssistant), Content: answer, At: m.now().UTC()})

	return m.apply(ctx, epoch, func(s *State) {
		// A completed or failed conversation restarts from scratch;
		// only the phase survives for the transition log.
		*s = State{
			Phase:            s.Phase,
			PlanType:         m.planType,
			LedgerID:         ledgerID,
			Preferences:      seed,
			CollectedContext: seed,
			UserTurns:        1,
			ReadySummary:     summary,
			Messages: []Message{
				seedMsg,
				{Role: RoleAssistant, Content: answer, At: m.now().UTC()},
			},
		}
	}, target)
}

// mirrorToLedger copies one transcript message into the remote record.
// Mirror failures never fail the turn.
func (m *Machine) mirrorToLedger(ctx context.Context, ledgerID string, msg ledger.Message) {
	if err := m.ledger.AppendMessage(ctx, ledgerID, msg); err != nil {
		log.Printf("[Conversation] user %s: ledger append failed: %v", m.userID, err)
	}
}

// SendMessage records one user answer and fetches the next question.
// When the interview has enough, or when the turn cap is reached, the
// conversation moves to ready instead. Input the guard flags is
// rejected before anything is recorded.
func (m *Machine) SendMessage(ctx context.Context, text string) error {
	text = m.guard.Normalize(text)
	if text == "" {
		return errors.New("message is empty")
	}
	if f := m.guard.Inspect(text); f.Flagged {
		observability.GuardRejections.WithLabelValues(string(f.Category)).Inc()
		log.Printf("[Conversation] user %s: message rejected (%s, confidence %.2f)", m.userID, f.Category, f.Confidence)
		return ErrMessageRejected
	}

	m.mu.Lock()
	if m.processing {
		m.mu.Unlock()
		return ErrBusy
	}
	if m.state.Phase != PhaseGathering {
		from := m.state.Phase
		forcedOut := m.state.ForcedReady
		m.mu.Unlock()
		if from == PhaseReady && forcedOut {
			return ErrAtMaxMessages
		}
		return &ErrInvalidTransition{From: from, To: PhaseGathering}
	}
	if m.state.UserTurns >= m.maxUserTurns {
		// The summary turn that should have closed the interview failed
		// earlier. Retry it with the transcript as it stands; the new
		// message is not recorded.
		m.processing = true
		epoch := m.epoch
		transcript := append([]Message(nil), m.state.Messages...)
		ledgerID := m.state.LedgerID
		m.mu.Unlock()
		defer m.done()

		if err := m.forceReady(ctx, epoch, ledgerID, transcript); err != nil {
			return err
		}
		return ErrAtMaxMessages
	}
	m.processing = true
	epoch := m.epoch
	now := m.now().UTC()
	m.state.Messages = append(m.state.Messages, Message{Role: RoleUser, Content: text, At: now})
	m.state.UserTurns++
	if m.state.CollectedContext != "" {
		m.state.CollectedContext += "\n"
	}
	m.state.CollectedContext += text
	m.state.UpdatedAt = now
	forced := m.state.UserTurns >= m.maxUserTurns
	transcript := append([]Message(nil), m.state.Messages...)
	ledgerID := m.state.LedgerID
	m.mu.Unlock()
	defer m.done()

	if err := m.persistTurn(ctx, epoch); err != nil {
		return fmt.Errorf("persist conversation: %w", err)
	}
	m.mirrorToLedger(ctx, ledgerID, ledger.Message{Role: string(RoleUser), Content: text, At: now})

	if forced {
		return m.forceReady(ctx, epoch, ledgerID, transcript)
	}

	profile, _ := m.profiles.Fetch(ctx, m.userID)
	cfg := m.routes.Config(router.TaskGathering)
	reply, err := m.gw.Send(ctx, transcriptPrompt(transcript), gatheringSystemPrompt(m.planType, profile), cfg)
	if err != nil {
		// The user's answer is already recorded; the next message
		// retries the model call.
		return fmt.Errorf("interview turn: %w", err)
	}

	parsed := parseInterviewReply(reply.Text)
	if parsed.Type == "ready" {
		summary := parsed.Summary
		if summary == "" {
			summary = parsed.question()
		}
		m.mirrorToLedger(ctx, ledgerID, ledger.Message{Role: string(RoleAssistant), Content: summary, At: m.now().UTC()})
		return m.apply(ctx, epoch, func(s *State) {
			s.ReadySummary = summary
			s.ForcedReady = false
			s.Stale = false
			s.Messages = append(s.Messages, Message{Role: RoleAssistant, Content: summary, At: m.now().UTC()})
		}, PhaseReady)
	}

	question := parsed.question()
	m.mirrorToLedger(ctx, ledgerID, ledger.Message{Role: string(RoleAssistant), Content: question, At: m.now().UTC()})
	return m.apply(ctx, epoch, func(s *State) {
		s.Messages = append(s.Messages, Message{Role: RoleAssistant, Content: question, At: m.now().UTC()})
	}, PhaseGathering)
}

// forceReady issues the summary turn that closes a capped interview
// and moves the conversation to ready regardless of what the model
// would prefer to ask next.
func (m *Machine) forceReady(ctx context.Context, epoch int, ledgerID string, transcript []Message) error {
	profile, _ := m.profiles.Fetch(ctx, m.userID)
	systemPrompt := gatheringSystemPrompt(m.planType, profile) + "\n\n" + forcedReadyPrompt

	cfg := m.routes.Config(router.TaskGathering)
	reply, err := m.gw.Send(ctx, transcriptPrompt(transcript), systemPrompt, cfg)
	if err != nil {
		return fmt.Errorf("interview turn: %w", err)
	}

	parsed := parseInterviewReply(reply.Text)
	summary := parsed.Summary
	if summary == "" {
		summary = parsed.question()
	}
	m.mirrorToLedger(ctx, ledgerID, ledger.Message{Role: string(RoleAssistant), Content: summary, At: m.now().UTC()})
	return m.apply(ctx, epoch, func(s *State) {
		s.ReadySummary = summary
		s.ForcedReady = true
		s.Stale = false
		s.Messages = append(s.Messages, Message{Role: RoleAssistant, Content: summary, At: m.now().UTC()})
	}, PhaseReady)
}

// RequestMoreQuestions reopens the interview from the ready phase.
func (m *Machine) RequestMoreQuestions(ctx context.Context) error {
	epoch, err := m.begin(PhaseGathering)
	if err != nil {
		return err
	}
	defer m.done()

	m.mu.Lock()
	transcript := append([]Message(nil), m.state.Messages...)
	ledgerID := m.state.LedgerID
	m.mu.Unlock()

	profile, _ := m.profiles.Fetch(ctx, m.userID)
	systemPrompt := gatheringSystemPrompt(m.planType, profile) +
		"\n\nThe client wants to share more details. Ask your next question."

	cfg := m.routes.Config(router.TaskGathering)
	reply, err := m.gw.Send(ctx, transcriptPrompt(transcript), systemPrompt, cfg)
	if err != nil {
		return fmt.Errorf("reopen interview: %w", err)
	}
	question := parseInterviewReply(reply.Text).question()
	m.mirrorToLedger(ctx, ledgerID, ledger.Message{Role: string(RoleAssistant), Content: question, At: m.now().UTC()})

	return m.apply(ctx, epoch, func(s *State) {
		s.ReadySummary = ""
		s.ForcedReady = false
		s.Stale = false
		s.Messages = append(s.Messages, Message{Role: RoleAssistant, Content: question, At: m.now().UTC()})
	}, PhaseGathering)
}

// StartPlanGeneration runs the full generation pipeline: deep-tier
// request with retry and fallback, completeness analysis, default
// reconciliation, plan save, ledger close. It blocks until the attempt
// finishes; a concurrent StartOver discards the result.
func (m *Machine) StartPlanGeneration(ctx context.Context) error {
	epoch, err := m.begin(PhaseGenerating)
	if err != nil {
		return err
	}
	defer m.done()

	ctx, span := observability.StartSpan(ctx, "conversation.generate_plan",
		trace.WithAttributes(attribute.String("plan.type", string(m.planType))),
	)
	defer span.End()

	m.mu.Lock()
	summary := m.state.ReadySummary
	collected := m.state.CollectedContext
	transcript := append([]Message(nil), m.state.Messages...)
	ledgerID := m.state.LedgerID
	m.mu.Unlock()

	// Persist generating(0) so an interrupted process is detectable on
	// restore.
	if err := m.apply(ctx, epoch, func(s *State) { s.Progress = 0 }, PhaseGenerating); err != nil {
		return err
	}

	var profile userctx.Profile
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := m.profiles.Fetch(gctx, m.userID)
		if err != nil {
			log.Printf("[Conversation] user %s: profile fetch failed, generating without: %v", m.userID, err)
			return nil
		}
		profile = p
		return nil
	})
	g.Go(func() error {
		if err := m.ledger.StartGeneration(gctx, ledgerID, collected); err != nil {
			log.Printf("[Conversation] user %s: ledger phase write failed: %v", m.userID, err)
		}
		return nil
	})
	_ = g.Wait()
	m.setProgress(ctx, epoch, 0.2)

	cfg := m.routes.Config(router.TaskPlanGeneration)
	reply, err := m.gw.SendWithFallback(ctx, generationPrompt(summary, collected, transcript),
		generationSystemPrompt(m.planType, profile, m.expectedDays), cfg)
	if err != nil {
		return m.failGeneration(ctx, epoch, ledgerID, nil, classifyGateway(err))
	}
	m.setProgress(ctx, epoch, 0.7)

	outcome := m.analyzer.Analyze(reply.Text, m.planType)
	if outcome.Strategy == analyzer.StrategyAbort {
		perr := &PipelineError{
			Kind:    FailInsufficientData,
			Message: "The generated plan was incomplete. Please try again.",
			Detail:  fmt.Sprintf("completeness %.2f below threshold", outcome.Completeness),
			Fields:  outcome.MissingFields,
		}
		if outcome.Doc == nil {
			perr.Kind = FailParsing
			perr.Message = "The generated plan could not be read. Please try again."
			perr.Detail = "response carries no parseable JSON document"
		}
		return m.failGeneration(ctx, epoch, ledgerID, reply, perr)
	}

	m.setProgress(ctx, epoch, 0.9)
	res := m.reconciler.Reconcile(m.userID, m.planType, outcome.Doc)
	if !res.Success {
		return m.failGeneration(ctx, epoch, ledgerID, reply, &PipelineError{
			Kind:    FailValidation,
			Message: "The generated plan was unusable. Please try again.",
			Detail:  "no viable plan skeleton even with defaults",
			Fields:  outcome.MissingFields,
		})
	}

	if err := m.plans.Save(ctx, res.Plan); err != nil {
		return m.failGeneration(ctx, epoch, ledgerID, reply, &PipelineError{
			Kind:    FailService,
			Message: "Your plan was generated but could not be saved. Please try again.",
			Detail:  err.Error(),
			cause:   err,
		})
	}

	if err := m.ledger.MarkCompleted(ctx, ledgerID, ledger.Outcome{
		Attempts:         reply.Attempts,
		Model:            reply.Model,
		PlanID:           res.Plan.ID,
		FilledFieldCount: len(res.FilledFields),
	}); err != nil {
		log.Printf("[Conversation] user %s: ledger completion write failed: %v", m.userID, err)
	}
	observability.GenerationOutcomes.WithLabelValues(string(m.planType), string(res.Status)).Inc()

	return m.apply(ctx, epoch, func(s *State) {
		s.PlanID = res.Plan.ID
		s.PlanStatus = res.Status
		s.Progress = 0
	}, PhaseCompleted)
}

// setProgress advances the generating progress fraction. Persistence
// failures are logged; progress is advisory.
func (m *Machine) setProgress(ctx context.Context, epoch int, p float64) {
	if err := m.apply(ctx, epoch, func(s *State) { s.Progress = p }, PhaseGenerating); err != nil {
		log.Printf("[Conversation] user %s: progress persist failed: %v", m.userID, err)
	}
}

// failGeneration records a classified failure in the ledger and the
// session state, then returns the classified error so callers can
// inspect the kind and retryability. The raw diagnostic is logged; the
// user only ever sees the short message.
func (m *Machine) failGeneration(ctx context.Context, epoch int, ledgerID string, reply *gateway.Reply, perr *PipelineError) error {
	log.Printf("[Conversation] user %s %s: generation failed (%s): %s", m.userID, m.planType, perr.Kind, perr.Detail)
	if len(perr.Fields) > 0 {
		log.Printf("[Conversation] user %s %s: missing fields: %v", m.userID, m.planType, perr.Fields)
	}

	outcome := ledger.Outcome{FailureReason: perr.Message}
	if reply != nil {
		outcome.Attempts = reply.Attempts
		outcome.Model = reply.Model
	}
	if err := m.ledger.MarkFailed(ctx, ledgerID, outcome); err != nil {
		log.Printf("[Conversation] user %s: ledger failure write failed: %v", m.userID, err)
	}
	observability.GenerationOutcomes.WithLabelValues(string(m.planType), "failed").Inc()

	if err := m.apply(ctx, epoch, func(s *State) {
		s.ErrMessage = perr.Message
		s.FailKind = perr.Kind
		s.Progress = 0
	}, PhaseFailed); err != nil {
		return err
	}
	return perr
}

// RetryGeneration moves a failed conversation back to ready using the
// summary it already gathered.
func (m *Machine) RetryGeneration(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.processing {
		return ErrBusy
	}
	if m.state.Phase != PhaseFailed {
		return &ErrInvalidTransition{From: m.state.Phase, To: PhaseReady}
	}
	m.transition(PhaseReady)
	m.state.ErrMessage = ""
	m.state.FailKind = ""
	m.state.UpdatedAt = m.now().UTC()
	return m.store.Set(ctx, m.userID, m.planType, m.copyLocked())
}

// StartOver abandons the conversation from any phase. An in-flight
// generation keeps running but its result is discarded.
func (m *Machine) StartOver(ctx context.Context) error {
	m.mu.Lock()
	m.epoch++
	ledgerID := m.state.LedgerID
	m.state = State{Phase: PhaseIdle, PlanType: m.planType, UpdatedAt: m.now().UTC()}
	// Delete under the lock so an in-flight turn cannot re-persist its
	// pre-reset snapshot afterwards.
	delErr := m.store.Delete(ctx, m.userID, m.planType)
	m.mu.Unlock()

	if ledgerID != "" {
		err := m.ledger.MarkFailed(ctx, ledgerID, ledger.Outcome{FailureReason: "user started over"})
		if err != nil && !errors.Is(err, ledger.ErrPhaseRegression) && !errors.Is(err, ledger.ErrNotFound) {
			log.Printf("[Conversation] user %s: ledger abandon write failed: %v", m.userID, err)
		}
	}

	log.Printf("[Conversation] user %s %s: started over", m.userID, m.planType)
	return delErr
}

// begin acquires the single-flight slot after validating the phase
// transition. Callers must call done when finished.
func (m *Machine) begin(to Phase) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.processing {
		return 0, ErrBusy
	}
	if !canTransition(m.state.Phase, to) {
		return 0, &ErrInvalidTransition{From: m.state.Phase, To: to}
	}
	m.processing = true
	return m.epoch, nil
}

func (m *Machine) done() {
	m.mu.Lock()
	m.processing = false
	m.mu.Unlock()
}

// apply mutates the state and moves it to the target phase, unless the
// epoch advanced while the caller was off the lock. Stale results are
// dropped without touching the state. The store write happens under
// the lock so a concurrent StartOver cannot interleave its delete
// between the epoch check and the write.
func (m *Machine) apply(ctx context.Context, epoch int, mutate func(*State), to Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if epoch != m.epoch {
		log.Printf("[Conversation] user %s %s: dropping stale result for %s", m.userID, m.planType, to)
		return nil
	}
	mutate(&m.state)
	if m.state.Phase != to {
		m.transition(to)
	}
	m.state.UpdatedAt = m.now().UTC()
	return m.store.Set(ctx, m.userID, m.planType, m.copyLocked())
}

// persistTurn writes the current snapshot mid-turn, unless the
// conversation was reset while the caller was off the lock.
func (m *Machine) persistTurn(ctx context.Context, epoch int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if epoch != m.epoch {
		return nil
	}
	return m.store.Set(ctx, m.userID, m.planType, m.copyLocked())
}

// transition records the phase change. Callers hold the lock and have
// already validated the move.
func (m *Machine) transition(to Phase) {
	from := m.state.Phase
	m.state.Phase = to
	observability.ConversationTransitions.WithLabelValues(string(m.planType), string(to)).Inc()
	log.Printf("[Conversation] user %s %s: %s -> %s", m.userID, m.planType, from, to)
}

// copyLocked copies the current state for persistence. Callers hold
// the lock.
func (m *Machine) copyLocked() *State {
	out := m.state
	out.Messages = append([]Message(nil), m.state.Messages...)
	return &out
}

func (m *Machine) persist(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Set(ctx, m.userID, m.planType, m.copyLocked()); err != nil {
		return fmt.Errorf("persist conversation: %w", err)
	}
	return nil
}

// interviewReply is the JSON envelope the interview model answers with.
type interviewReply struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Summary string `json:"summary"`

	raw string
}

// question returns the reply's question text, falling back to the raw
// model output when the envelope was malformed.
func (r interviewReply) question() string {
	if r.Content != "" {
		return r.Content
	}
	if r.Summary != "" {
		return r.Summary
	}
	return r.raw
}

// parseInterviewReply tolerates fenced or prefixed output. A reply that
// carries no envelope at all is treated as a plain question.
func parseInterviewReply(text string) interviewReply {
	out := interviewReply{raw: text}
	cleaned := analyzer.ExtractJSON(text)
	if cleaned == "" {
		return out
	}
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return interviewReply{raw: text}
	}
	return out
}
