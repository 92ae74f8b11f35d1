package training

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-intel/internal/confidence"
	"github.com/JakeFAU/scraper-intel/internal/scrape"
	"github.com/JakeFAU/scraper-intel/internal/storage"
)

// Estimator recomputes a pattern's confidence from its counters.
type Estimator interface {
	BayesianConfidence(positive, negative int) float64
}

// FeedbackObserver is told about every verdict; *metrics.Metrics satisfies it.
type FeedbackObserver interface {
	ObserveConfidenceAdjustment(positive bool)
}

// Options holds optional collaborators.
type Options struct {
	Clock     scrape.Clock
	IDs       scrape.IDGenerator
	Estimator Estimator
	Observer  FeedbackObserver
	Logger    *zap.Logger
}

// Repository persists patterns and their history. Every mutation bumps the
// version and appends a history entry in the same transaction.
type Repository struct {
	store     storage.DocumentStore
	clock     scrape.Clock
	ids       scrape.IDGenerator
	estimator Estimator
	observer  FeedbackObserver
	logger    *zap.Logger
}

// NewRepository builds a Repository. IDs are required; the estimator defaults
// to a confidence.Scorer with default config.
func NewRepository(store storage.DocumentStore, opts Options) (*Repository, error) {
	if store == nil {
		return nil, errors.New("training repository: store is required")
	}
	if opts.IDs == nil {
		return nil, errors.New("training repository: id generator is required")
	}
	if opts.Clock == nil {
		opts.Clock = scrape.ClockFunc(func() time.Time { return time.Now().UTC() })
	}
	if opts.Estimator == nil {
		opts.Estimator = confidence.New(confidence.DefaultConfig(), opts.Clock)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Repository{
		store:     store,
		clock:     opts.Clock,
		ids:       opts.IDs,
		estimator: opts.Estimator,
		observer:  opts.Observer,
		logger:    opts.Logger.Named("training"),
	}, nil
}

// Store exposes the underlying document store to packages that write
// patterns and history together, such as branch merges.
func (r *Repository) Store() storage.DocumentStore { return r.store }

// Create stores a new pattern at version 1. An empty ID is generated; a zero
// confidence is derived from the counters.
func (r *Repository) Create(ctx context.Context, p Pattern) (*Pattern, error) {
	if p.ID == "" {
		id, err := r.ids.NewID()
		if err != nil {
			return nil, err
		}
		p.ID = id
	}
	now := r.clock.Now()
	p.Version = 1
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.Confidence == 0 {
		p.Confidence = r.estimator.BayesianConfidence(p.PositiveCount, p.NegativeCount)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	err := r.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := storage.CreateJSON(ctx, tx, Collection, p.ID, p); err != nil {
			return err
		}
		return r.AppendHistory(ctx, tx, &p, ChangeCreated, "")
	})
	if err != nil {
		return nil, fmt.Errorf("create pattern %s: %w", p.ID, err)
	}
	r.logger.Debug("pattern created", zap.String("pattern_id", p.ID), zap.String("type", string(p.Type)))
	return &p, nil
}

// Get loads one pattern.
func (r *Repository) Get(ctx context.Context, id string) (*Pattern, error) {
	return r.get(ctx, r.store, id)
}

// GetTx loads one pattern through g, typically a transaction.
func (r *Repository) GetTx(ctx context.Context, g storage.Getter, id string) (*Pattern, error) {
	return r.get(ctx, g, id)
}

func (r *Repository) get(ctx context.Context, g storage.Getter, id string) (*Pattern, error) {
	p, err := storage.GetJSON[Pattern](ctx, g, Collection, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load pattern %s: %w", id, err)
	}
	return &p, nil
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	Industry   string
	SignalID   string
	Type       PatternType
	ActiveOnly bool
	Limit      int
}

// List returns patterns ordered by id.
func (r *Repository) List(ctx context.Context, f ListFilter) ([]*Pattern, error) {
	q := storage.Query{Limit: f.Limit}
	if f.Industry != "" {
		q.Filters = append(q.Filters, storage.Where("industry", storage.OpEq, f.Industry))
	}
	if f.SignalID != "" {
		q.Filters = append(q.Filters, storage.Where("signal_id", storage.OpEq, f.SignalID))
	}
	if f.Type != "" {
		q.Filters = append(q.Filters, storage.Where("type", storage.OpEq, string(f.Type)))
	}
	if f.ActiveOnly {
		q.Filters = append(q.Filters, storage.Where("active", storage.OpEq, true))
	}
	rows, err := storage.QueryJSON[Pattern](ctx, r.store, Collection, q)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	out := make([]*Pattern, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

// ListActive returns the active patterns of an industry, or of every
// industry when industry is empty.
func (r *Repository) ListActive(ctx context.Context, industry string) ([]*Pattern, error) {
	return r.List(ctx, ListFilter{Industry: industry, ActiveOnly: true})
}

// Update applies fn to the stored pattern and saves the result as the next
// version. fn may not change the ID.
func (r *Repository) Update(ctx context.Context, id, reason string, fn func(p *Pattern) error) (*Pattern, error) {
	return r.mutate(ctx, id, ChangeUpdated, reason, fn)
}

// SetActive toggles a pattern. Setting the current state is a no-op.
func (r *Repository) SetActive(ctx context.Context, id string, active bool) (*Pattern, error) {
	change := ChangeDeactivated
	if active {
		change = ChangeActivated
	}
	var unchanged bool
	p, err := r.mutate(ctx, id, change, "", func(p *Pattern) error {
		if p.Active == active {
			unchanged = true
			return errNoChange
		}
		p.Active = active
		return nil
	})
	if unchanged {
		return r.Get(ctx, id)
	}
	return p, err
}

// RecordFeedback counts one observation and recomputes confidence.
func (r *Repository) RecordFeedback(ctx context.Context, id string, fb Feedback) (*Pattern, error) {
	if fb.Positive && fb.Negative {
		return nil, fmt.Errorf("%w: feedback cannot be both positive and negative", ErrInvalid)
	}
	p, err := r.mutate(ctx, id, ChangeFeedback, fb.Reason, func(p *Pattern) error {
		p.SeenCount++
		switch {
		case fb.Positive:
			p.PositiveCount++
		case fb.Negative:
			p.NegativeCount++
		}
		p.Confidence = r.estimator.BayesianConfidence(p.PositiveCount, p.NegativeCount)
		p.LastFeedbackAt = r.clock.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if r.observer != nil && (fb.Positive || fb.Negative) {
		r.observer.ObserveConfidenceAdjustment(fb.Positive)
	}
	return p, nil
}

// RecordSighting counts an observation without a verdict.
func (r *Repository) RecordSighting(ctx context.Context, id string) (*Pattern, error) {
	return r.RecordFeedback(ctx, id, Feedback{})
}

// Delete removes a pattern, keeping a final history entry.
func (r *Repository) Delete(ctx context.Context, id, reason string) error {
	err := r.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		p, err := r.get(ctx, tx, id)
		if err != nil {
			return err
		}
		p.Version++
		p.Active = false
		p.UpdatedAt = r.clock.Now()
		if err := tx.Delete(ctx, Collection, id); err != nil {
			return err
		}
		return r.AppendHistory(ctx, tx, p, ChangeDeleted, reason)
	})
	if err != nil {
		return fmt.Errorf("delete pattern %s: %w", id, err)
	}
	r.logger.Info("pattern deleted", zap.String("pattern_id", id), zap.String("reason", reason))
	return nil
}

// History returns a pattern's entries, newest first.
func (r *Repository) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	entries, err := storage.QueryJSON[HistoryEntry](ctx, r.store, HistoryCollection, storage.Query{
		Filters: []storage.Filter{storage.Where("pattern_id", storage.OpEq, id)},
		OrderBy: "version",
		Desc:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", id, err)
	}
	return entries, nil
}

// AllHistory returns every entry at or after since, oldest first.
func (r *Repository) AllHistory(ctx context.Context, since time.Time) ([]HistoryEntry, error) {
	var q storage.Query
	if !since.IsZero() {
		q.Filters = []storage.Filter{storage.Where("timestamp", storage.OpGte, since)}
	}
	entries, err := storage.QueryJSON[HistoryEntry](ctx, r.store, HistoryCollection, q)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.Before(entries[j].Timestamp)
		}
		if entries[i].PatternID != entries[j].PatternID {
			return entries[i].PatternID < entries[j].PatternID
		}
		return entries[i].Version < entries[j].Version
	})
	return entries, nil
}

// AppendHistory writes a snapshot of p inside tx.
func (r *Repository) AppendHistory(ctx context.Context, tx storage.Tx, p *Pattern, change ChangeType, reason string) error {
	id, err := r.ids.NewID()
	if err != nil {
		return err
	}
	entry := HistoryEntry{
		ID:        id,
		PatternID: p.ID,
		Version:   p.Version,
		Change:    change,
		Reason:    reason,
		Snapshot:  *p.Clone(),
		Timestamp: r.clock.Now(),
	}
	return storage.CreateJSON(ctx, tx, HistoryCollection, id, entry)
}

// Save writes p as its next version inside tx, recording change. It is the
// primitive behind every mutation and is exported for merges and restores.
func (r *Repository) Save(ctx context.Context, tx storage.Tx, p *Pattern, change ChangeType, reason string) error {
	current, err := r.get(ctx, tx, p.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		p.Version = max(p.Version, 0) + 1
		if p.CreatedAt.IsZero() {
			p.CreatedAt = r.clock.Now()
		}
	case err != nil:
		return err
	default:
		p.Version = current.Version + 1
		p.CreatedAt = current.CreatedAt
	}
	p.UpdatedAt = r.clock.Now()
	if err := p.Validate(); err != nil {
		return err
	}
	if err := storage.PutJSON(ctx, tx, Collection, p.ID, p); err != nil {
		return err
	}
	return r.AppendHistory(ctx, tx, p, change, reason)
}

var errNoChange = errors.New("no change")

func (r *Repository) mutate(ctx context.Context, id string, change ChangeType, reason string, fn func(p *Pattern) error) (*Pattern, error) {
	var out *Pattern
	err := r.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		p, err := r.get(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
		if p.ID != id {
			return fmt.Errorf("%w: id cannot change", ErrInvalid)
		}
		if err := r.Save(ctx, tx, p, change, reason); err != nil {
			return err
		}
		out = p
		return nil
	})
	if errors.Is(err, errNoChange) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%s pattern %s: %w", change, id, err)
	}
	r.logger.Debug("pattern changed",
		zap.String("pattern_id", id),
		zap.String("change", string(change)),
		zap.Int("version", out.Version),
	)
	return out, nil
}
