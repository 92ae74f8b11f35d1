// Package signals persists extracted signals, the permanent output of
// distillation, and fans completed jobs out to subscribers.
package signals

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-intel/internal/scrape"
	"github.com/JakeFAU/scraper-intel/internal/storage"
)

// Collection holds one document per extracted signal.
const Collection = "extracted_signals"

// record flattens the archive id so it can be filtered on.
type record struct {
	scrape.ExtractedSignal
	ArchiveID string `json:"archive_id,omitempty"`
}

// Repository stores signals. Signals are immutable once saved.
type Repository struct {
	store  storage.DocumentStore
	logger *zap.Logger
}

// NewRepository builds a Repository.
func NewRepository(store storage.DocumentStore, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{store: store, logger: logger.Named("signals")}
}

// SaveAll writes every signal in one transaction. Each signal needs an ID;
// saving an existing ID fails with storage.ErrAlreadyExists.
func (r *Repository) SaveAll(ctx context.Context, sigs []scrape.ExtractedSignal) error {
	if len(sigs) == 0 {
		return nil
	}
	for _, s := range sigs {
		if s.ID == "" {
			return errors.New("save signals: signal without id")
		}
	}
	err := r.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		for _, s := range sigs {
			rec := record{ExtractedSignal: s}
			if s.ArchiveRef != nil {
				rec.ArchiveID = s.ArchiveRef.ID
			}
			if err := storage.CreateJSON(ctx, tx, Collection, s.ID, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save %d signals: %w", len(sigs), err)
	}
	return nil
}

// Get loads one signal.
func (r *Repository) Get(ctx context.Context, id string) (scrape.ExtractedSignal, error) {
	rec, err := storage.GetJSON[record](ctx, r.store, Collection, id)
	if err != nil {
		return scrape.ExtractedSignal{}, fmt.Errorf("load signal %s: %w", id, err)
	}
	return rec.ExtractedSignal, nil
}

// ListByArchive returns the signals extracted from one archive entry.
func (r *Repository) ListByArchive(ctx context.Context, archiveID string) ([]scrape.ExtractedSignal, error) {
	return r.list(ctx, storage.Query{
		Filters: []storage.Filter{storage.Where("archive_id", storage.OpEq, archiveID)},
	})
}

// ListByTenant returns a tenant's signals extracted at or after since,
// oldest first. A positive limit keeps the newest limit signals.
func (r *Repository) ListByTenant(ctx context.Context, tenantID string, since time.Time, limit int) ([]scrape.ExtractedSignal, error) {
	out, err := r.list(ctx, storage.Query{
		Filters: []storage.Filter{
			storage.Where("tenant_id", storage.OpEq, tenantID),
			storage.Where("extracted_at", storage.OpGte, since),
		},
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (r *Repository) list(ctx context.Context, q storage.Query) ([]scrape.ExtractedSignal, error) {
	recs, err := storage.QueryJSON[record](ctx, r.store, Collection, q)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	out := make([]scrape.ExtractedSignal, len(recs))
	for i, rec := range recs {
		out[i] = rec.ExtractedSignal
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExtractedAt.Before(out[j].ExtractedAt) })
	return out, nil
}
