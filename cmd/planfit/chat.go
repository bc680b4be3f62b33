package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/planfit-dev/planfit/internal/analyzer"
	"github.com/planfit-dev/planfit/internal/conversation"
	"github.com/planfit-dev/planfit/internal/gateway"
	"github.com/planfit-dev/planfit/internal/ledger"
	"github.com/planfit-dev/planfit/internal/reconcile"
	"github.com/planfit-dev/planfit/internal/router"
	"github.com/planfit-dev/planfit/internal/userctx"
	"github.com/planfit-dev/planfit/pkg/config"
	"github.com/planfit-dev/planfit/pkg/observability"
	"github.com/planfit-dev/planfit/pkg/plan"
)

func newChatCmd() *cobra.Command {
	var planType string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Run the interactive plan interview",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(planType)
		},
	}
	cmd.Flags().StringVar(&planType, "plan-type", "diet",
		"plan type: diet, workout-home or workout-gym")
	return cmd
}

// deps bundles everything the chat session needs, plus the handles
// that must be closed on exit.
type deps struct {
	machine *conversation.Machine
	checks  []*observability.HealthCheck
	closers []func() error
}

func (d *deps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}
}

func runChat(planTypeFlag string) error {
	if userID == "" {
		return errors.New("--user is required (or set PLANFIT_USER)")
	}
	pt := plan.Type(planTypeFlag)
	if !pt.Valid() {
		return fmt.Errorf("invalid plan type %q", planTypeFlag)
	}

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	observability.InitMetrics()
	if err := observability.InitTracingFromEnv(); err != nil {
		log.Printf("tracing disabled: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := buildDeps(ctx, cfg, pt)
	if err != nil {
		return err
	}
	defer d.close()

	checker := observability.NewHealthChecker(Version)
	for _, check := range d.checks {
		checker.RegisterCheck(check)
	}
	obsServer := observability.NewServer(cfg.MetricsAddr, checker)
	go func() {
		if err := obsServer.Start(); err != nil {
			log.Printf("observability server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		cancel()
	}()

	replErr := repl(ctx, d.machine)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := obsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("observability server shutdown: %v", err)
	}
	if err := observability.ShutdownTracing(shutdownCtx); err != nil {
		log.Printf("tracing shutdown: %v", err)
	}
	return replErr
}

func buildDeps(ctx context.Context, cfg *config.Config, pt plan.Type) (*deps, error) {
	d := &deps{}

	provider, err := gateway.NewProvider(cfg.Provider, cfg.ProviderConfig())
	if err != nil {
		return nil, err
	}

	if p, ok := provider.(gateway.Pinger); ok {
		d.checks = append(d.checks, observability.ProviderCheck(provider.Name(), p.Ping))
	}

	limiter := rate.NewLimiter(rate.Limit(float64(cfg.Pipeline.RequestsPerMinute)/60.0), 1)
	client := gateway.NewClient(provider, provider,
		gateway.WithRateLimiter(limiter),
		gateway.WithDebug(cfg.Debug),
	)

	var convStore conversation.Store
	if cfg.Redis.Addr != "" {
		redisStore, err := conversation.NewRedisStore(conversation.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		})
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, redisStore.Close)
		d.checks = append(d.checks, observability.ConversationStoreCheck(redisStore.Ping))
		convStore = redisStore
	} else {
		log.Printf("no redis configured, conversations are process-local")
		convStore = conversation.NewMemoryStore()
	}

	var led ledger.Ledger
	if cfg.GCPProject != "" {
		fs, err := ledger.NewFirestore(ctx,
			ledger.WithProjectID(cfg.GCPProject),
			ledger.WithCredentialsFile(cfg.GCPCredentials),
			ledger.WithCollection(cfg.LedgerCollection),
		)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, fs.Close)
		d.checks = append(d.checks, observability.LedgerCheck(fs.Ping))
		led = fs
	} else {
		log.Printf("no GCP project configured, ledger is process-local")
		led = ledger.NewMemory()
	}

	profiles := userctx.NewCached(userctx.ProviderFunc(
		func(ctx context.Context, userID string) (userctx.Profile, error) {
			// Profile enrichment comes from the account service in
			// production; the CLI interviews from scratch.
			return userctx.Profile{UserID: userID}, nil
		},
	))

	machine, err := conversation.NewMachine(ctx, conversation.Config{
		UserID:       userID,
		PlanType:     pt,
		Gateway:      client,
		Router:       router.New(),
		Analyzer:     analyzer.New(analyzer.WithThreshold(cfg.Pipeline.CompletenessThreshold), analyzer.WithExpectedDays(cfg.Pipeline.ExpectedDays)),
		Reconciler:   reconcile.New(),
		Plans:        plan.NewMemoryStore(),
		Ledger:       led,
		Profiles:     profiles,
		Store:        convStore,
		MaxUserTurns: cfg.Pipeline.MaxUserTurns,
		ExpectedDays: cfg.Pipeline.ExpectedDays,
	})
	if err != nil {
		return nil, err
	}
	d.machine = machine
	return d, nil
}

func repl(ctx context.Context, m *conversation.Machine) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	fmt.Println("planfit interview. Commands: /generate /more /state /startover /quit")

	if m.Phase() == conversation.PhaseIdle {
		if err := seedConversation(ctx, line, m); err != nil {
			if errors.Is(err, liner.ErrPromptAborted) {
				return nil
			}
			return err
		}
	}
	printLastAssistant(m)

	for ctx.Err() == nil {
		input, err := line.Prompt("you> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) {
				return nil
			}
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		switch input {
		case "/quit":
			return nil
		case "/state":
			printState(m)
			continue
		case "/startover":
			if err := m.StartOver(ctx); err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			if err := seedConversation(ctx, line, m); err != nil {
				if errors.Is(err, liner.ErrPromptAborted) {
					return nil
				}
				return err
			}
			printLastAssistant(m)
			continue
		case "/more":
			if err := m.RequestMoreQuestions(ctx); err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			printLastAssistant(m)
			continue
		case "/generate":
			if m.Phase() == conversation.PhaseFailed {
				if err := m.RetryGeneration(ctx); err != nil {
					fmt.Printf("error: %v\n", err)
					continue
				}
			}
			fmt.Println("generating your plan, this can take a minute...")
			if err := m.StartPlanGeneration(ctx); err != nil {
				var perr *conversation.PipelineError
				if !errors.As(err, &perr) {
					fmt.Printf("error: %v\n", err)
					continue
				}
				// Classified failures land in the state; printOutcome
				// shows the user-facing message and the retry hint.
			}
			printOutcome(m)
			continue
		}

		if err := m.SendMessage(ctx, input); err != nil {
			if errors.Is(err, conversation.ErrAtMaxMessages) {
				fmt.Println("coach> That's plenty to work with, let's stop there.")
				fmt.Printf("coach> %s\n", m.ReadySummary())
				fmt.Println("(type /generate to build the plan)")
				continue
			}
			fmt.Printf("error: %v\n", err)
			continue
		}
		if m.Phase() == conversation.PhaseReady {
			fmt.Printf("coach> %s\n", m.ReadySummary())
			fmt.Println("(type /generate to build the plan, or keep answering with /more)")
			continue
		}
		printLastAssistant(m)
	}
	return nil
}

// seedConversation prompts until the user describes what they want,
// then opens the interview with that description.
func seedConversation(ctx context.Context, line *liner.State, m *conversation.Machine) error {
	fmt.Println("coach> Tell me what you're after and we'll take it from there.")
	for ctx.Err() == nil {
		input, err := line.Prompt("you> ")
		if err != nil {
			return err
		}
		input = strings.TrimSpace(input)
		if input != "" {
			line.AppendHistory(input)
		}
		switch err := m.StartConversation(ctx, input); {
		case err == nil:
			return nil
		case errors.Is(err, conversation.ErrEmptyPreferences):
			fmt.Println("coach> Give me something to work with, even one sentence helps.")
		case errors.Is(err, conversation.ErrMessageRejected):
			fmt.Println("coach> Let's keep this about your plan. What are you after?")
		default:
			return err
		}
	}
	return ctx.Err()
}

func printLastAssistant(m *conversation.Machine) {
	msgs := m.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == conversation.RoleAssistant {
			fmt.Printf("coach> %s\n", msgs[i].Content)
			return
		}
	}
}

func printState(m *conversation.Machine) {
	state := m.State()
	fmt.Printf("phase: %s, turns: %d", state.Phase, state.UserTurns)
	if state.Stale {
		fmt.Print(" (stale: a previous generation was interrupted)")
	}
	fmt.Println()
}

func printOutcome(m *conversation.Machine) {
	state := m.State()
	switch state.Phase {
	case conversation.PhaseCompleted:
		fmt.Printf("done! plan %s saved (status %s)\n", state.PlanID, state.PlanStatus)
	case conversation.PhaseFailed:
		fmt.Printf("coach> %s\n", state.ErrMessage)
		if state.FailKind.Retryable() {
			fmt.Println("(type /generate to retry, or /startover to begin again)")
		} else {
			fmt.Println("(type /startover to begin again)")
		}
	}
}
