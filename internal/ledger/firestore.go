package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultCollection = "generation_ledger"

// Firestore persists ledger entries in a Firestore collection. Field
// updates write only the fields that changed.
//
// A composite index on (user_id, phase) is required for ListActive and
// one on (user_id, phase, notification_sent) for ListCompletedUnnotified.
type Firestore struct {
	client     *firestore.Client
	collection *firestore.CollectionRef
	now        func() time.Time
}

// FirestoreConfig carries connection settings for the ledger backend.
type FirestoreConfig struct {
	ProjectID       string
	CredentialsFile string
	Collection      string
}

// FirestoreOption configures a Firestore ledger.
type FirestoreOption func(*FirestoreConfig)

// WithProjectID sets the GCP project ID. Required.
func WithProjectID(projectID string) FirestoreOption {
	return func(c *FirestoreConfig) { c.ProjectID = projectID }
}

// WithCredentialsFile uses service account credentials instead of
// Application Default Credentials.
func WithCredentialsFile(path string) FirestoreOption {
	return func(c *FirestoreConfig) { c.CredentialsFile = path }
}

// WithCollection overrides the default collection name.
func WithCollection(name string) FirestoreOption {
	return func(c *FirestoreConfig) { c.Collection = name }
}

// NewFirestore connects to Firestore and returns a ledger backed by it.
func NewFirestore(ctx context.Context, opts ...FirestoreOption) (*Firestore, error) {
	config := &FirestoreConfig{Collection: defaultCollection}
	for _, opt := range opts {
		opt(config)
	}
	if config.ProjectID == "" {
		return nil, fmt.Errorf("project ID is required")
	}

	var clientOpts []option.ClientOption
	if config.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(config.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, config.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}

	return &Firestore{
		client:     client,
		collection: client.Collection(config.Collection),
		now:        time.Now,
	}, nil
}

// Close closes the underlying Firestore client.
func (f *Firestore) Close() error {
	return f.client.Close()
}

// Ping verifies Firestore connectivity with a single document read. A
// missing probe document is a healthy outcome.
func (f *Firestore) Ping(ctx context.Context) error {
	if _, err := f.Get(ctx, "healthcheck"); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

func (f *Firestore) Create(ctx context.Context, entry *Entry) error {
	now := f.now().UTC()
	entry.Phase = PhaseGathering
	entry.CreatedAt = now
	entry.UpdatedAt = now

	if _, err := f.collection.Doc(entry.ID).Create(ctx, entry); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("ledger entry %s already exists", entry.ID)
		}
		return fmt.Errorf("failed to create ledger entry %s: %w", entry.ID, err)
	}
	return nil
}

func (f *Firestore) Get(ctx context.Context, id string) (*Entry, error) {
	snap, err := f.collection.Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get ledger entry %s: %w", id, err)
	}

	var entry Entry
	if err := snap.DataTo(&entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ledger entry %s: %w", id, err)
	}
	return &entry, nil
}

func (f *Firestore) AppendMessage(ctx context.Context, id string, msg Message) error {
	entry, err := f.Get(ctx, id)
	if err != nil {
		return err
	}
	if entry.Phase.Terminal() {
		return ErrPhaseRegression
	}

	_, err = f.collection.Doc(id).Update(ctx, []firestore.Update{
		{Path: "history", Value: firestore.ArrayUnion(msg)},
		{Path: "message_count", Value: firestore.Increment(1)},
		{Path: "updated_at", Value: f.now().UTC()},
	})
	if err != nil {
		return fmt.Errorf("failed to append message to ledger entry %s: %w", id, err)
	}
	return nil
}

func (f *Firestore) StartGeneration(ctx context.Context, id, collectedContext string) error {
	return f.advance(ctx, id, PhaseGenerating, nil,
		firestore.Update{Path: "collected_context", Value: collectedContext})
}

func (f *Firestore) MarkCompleted(ctx context.Context, id string, outcome Outcome) error {
	return f.advance(ctx, id, PhaseCompleted, &outcome)
}

func (f *Firestore) MarkFailed(ctx context.Context, id string, outcome Outcome) error {
	return f.advance(ctx, id, PhaseFailed, &outcome)
}

func (f *Firestore) advance(ctx context.Context, id string, next Phase, outcome *Outcome, extra ...firestore.Update) error {
	entry, err := f.Get(ctx, id)
	if err != nil {
		return err
	}
	noop, err := checkAdvance(entry.Phase, next)
	if err != nil {
		return err
	}
	if noop {
		return nil
	}

	now := f.now().UTC()
	updates := []firestore.Update{
		{Path: "phase", Value: next},
		{Path: "updated_at", Value: now},
	}
	updates = append(updates, extra...)
	if outcome != nil {
		updates = append(updates,
			firestore.Update{Path: "attempts", Value: outcome.Attempts},
			firestore.Update{Path: "model", Value: outcome.Model},
			firestore.Update{Path: "plan_id", Value: outcome.PlanID},
			firestore.Update{Path: "filled_field_count", Value: outcome.FilledFieldCount},
			firestore.Update{Path: "failure_reason", Value: outcome.FailureReason},
		)
	}
	if next.Terminal() {
		updates = append(updates, firestore.Update{Path: "completed_at", Value: now})
	}

	if _, err := f.collection.Doc(id).Update(ctx, updates); err != nil {
		return fmt.Errorf("failed to advance ledger entry %s to %s: %w", id, next, err)
	}
	return nil
}

func (f *Firestore) MarkNotificationSent(ctx context.Context, id string) error {
	_, err := f.collection.Doc(id).Update(ctx, []firestore.Update{
		{Path: "notification_sent", Value: true},
		{Path: "updated_at", Value: f.now().UTC()},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return ErrNotFound
		}
		return fmt.Errorf("failed to mark ledger entry %s notified: %w", id, err)
	}
	return nil
}

func (f *Firestore) ListActive(ctx context.Context, userID string) ([]*Entry, error) {
	query := f.collection.
		Where("user_id", "==", userID).
		Where("phase", "in", []Phase{PhaseGathering, PhaseGenerating})
	return f.runQuery(ctx, query)
}

func (f *Firestore) ListCompletedUnnotified(ctx context.Context, userID string) ([]*Entry, error) {
	query := f.collection.
		Where("user_id", "==", userID).
		Where("phase", "==", PhaseCompleted).
		Where("notification_sent", "==", false)
	return f.runQuery(ctx, query)
}

func (f *Firestore) runQuery(ctx context.Context, query firestore.Query) ([]*Entry, error) {
	iter := query.Documents(ctx)
	defer iter.Stop()

	var out []*Entry
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate ledger entries: %w", err)
		}

		var entry Entry
		if err := doc.DataTo(&entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal ledger entry: %w", err)
		}
		out = append(out, &entry)
	}
	sortByCreated(out)
	return out, nil
}

func (f *Firestore) Cleanup(ctx context.Context, cutoff time.Time) (int, error) {
	query := f.collection.
		Where("phase", "in", []Phase{PhaseCompleted, PhaseFailed}).
		Where("updated_at", "<", cutoff)

	iter := query.Documents(ctx)
	defer iter.Stop()

	bulkWriter := f.client.BulkWriter(ctx)
	defer bulkWriter.End()

	removed := 0
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return removed, fmt.Errorf("failed to iterate expired ledger entries: %w", err)
		}

		if _, err := bulkWriter.Delete(doc.Ref); err != nil {
			return removed, fmt.Errorf("failed to queue delete: %w", err)
		}
		removed++
	}
	return removed, nil
}
