package ledger

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/planfit-dev/planfit/pkg/observability"
)

// DefaultCleanupSchedule runs retention cleanup nightly at 03:00.
const DefaultCleanupSchedule = "0 3 * * *"

// Janitor periodically deletes terminal ledger entries older than the
// retention period.
type Janitor struct {
	ledger    Ledger
	cron      *cron.Cron
	schedule  string
	retention time.Duration
	now       func() time.Time
}

// JanitorOption configures a Janitor.
type JanitorOption func(*Janitor)

// WithSchedule overrides the cron schedule.
func WithSchedule(spec string) JanitorOption {
	return func(j *Janitor) { j.schedule = spec }
}

// WithRetention overrides the retention period.
func WithRetention(d time.Duration) JanitorOption {
	return func(j *Janitor) { j.retention = d }
}

// WithJanitorClock overrides the time source. Used in tests.
func WithJanitorClock(now func() time.Time) JanitorOption {
	return func(j *Janitor) { j.now = now }
}

// NewJanitor returns a Janitor over the given ledger with the default
// nightly schedule and seven day retention.
func NewJanitor(l Ledger, opts ...JanitorOption) *Janitor {
	j := &Janitor{
		ledger:    l,
		cron:      cron.New(),
		schedule:  DefaultCleanupSchedule,
		retention: RetentionPeriod,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start schedules the cleanup job and starts the cron runner.
func (j *Janitor) Start(ctx context.Context) error {
	_, err := j.cron.AddFunc(j.schedule, func() {
		if err := j.RunOnce(ctx); err != nil {
			log.Printf("[Ledger] cleanup failed: %v", err)
		}
	})
	if err != nil {
		return err
	}
	j.cron.Start()
	log.Printf("[Ledger] retention janitor started (schedule %q, retention %s)", j.schedule, j.retention)
	return nil
}

// Stop stops the cron runner and waits for a running job to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// RunOnce performs a single cleanup pass.
func (j *Janitor) RunOnce(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.retention)
	removed, err := j.ledger.Cleanup(ctx, cutoff)
	if err != nil {
		return err
	}
	if removed > 0 {
		observability.LedgerCleanups.Add(float64(removed))
		log.Printf("[Ledger] removed %d entries older than %s", removed, cutoff.Format(time.RFC3339))
	}
	return nil
}
