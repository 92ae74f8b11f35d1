package intel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-intel/internal/scrape"
	"github.com/JakeFAU/scraper-intel/internal/storage"
)

// Collection is the document collection holding intel configs.
const Collection = "research_intelligence"

// ErrNotFound is returned when no config exists for an industry.
var ErrNotFound = errors.New("research intelligence not found")

// Repository reads and writes configs keyed by industry.
type Repository struct {
	store  storage.DocumentStore
	clock  scrape.Clock
	logger *zap.Logger
}

// NewRepository builds a repository.
func NewRepository(store storage.DocumentStore, clock scrape.Clock, logger *zap.Logger) *Repository {
	if clock == nil {
		clock = scrape.ClockFunc(func() time.Time { return time.Now().UTC() })
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{store: store, clock: clock, logger: logger.Named("intel")}
}

func key(industry string) string {
	return strings.ToLower(strings.TrimSpace(industry))
}

// Get loads the config for industry.
func (r *Repository) Get(ctx context.Context, industry string) (ResearchIntelligence, error) {
	ri, err := storage.GetJSON[ResearchIntelligence](ctx, r.store, Collection, key(industry))
	if errors.Is(err, storage.ErrNotFound) {
		return ResearchIntelligence{}, fmt.Errorf("%s: %w", industry, ErrNotFound)
	}
	if err != nil {
		return ResearchIntelligence{}, fmt.Errorf("load intel %s: %w", industry, err)
	}
	return ri, nil
}

// Put validates ri and stores it, bumping its version past the stored one.
func (r *Repository) Put(ctx context.Context, ri ResearchIntelligence) (ResearchIntelligence, error) {
	if err := ri.Validate(); err != nil {
		return ResearchIntelligence{}, err
	}
	id := key(ri.Industry)
	err := r.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		current, err := storage.GetJSON[ResearchIntelligence](ctx, tx, Collection, id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			ri.Version = max(ri.Version, 1)
		case err != nil:
			return err
		default:
			ri.Version = max(ri.Version, current.Version+1)
		}
		if ri.ID == "" {
			ri.ID = id
		}
		ri.UpdatedAt = r.clock.Now()
		return storage.PutJSON(ctx, tx, Collection, id, ri)
	})
	if err != nil {
		return ResearchIntelligence{}, fmt.Errorf("store intel %s: %w", ri.Industry, err)
	}
	r.logger.Info("research intelligence stored",
		zap.String("industry", id),
		zap.Int("version", ri.Version),
		zap.Int("signals", len(ri.Signals)),
	)
	return ri, nil
}

// List returns every config ordered by industry.
func (r *Repository) List(ctx context.Context) ([]ResearchIntelligence, error) {
	out, err := storage.QueryJSON[ResearchIntelligence](ctx, r.store, Collection, storage.Query{OrderBy: "industry"})
	if err != nil {
		return nil, fmt.Errorf("list intel: %w", err)
	}
	return out, nil
}
