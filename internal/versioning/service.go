package versioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-intel/internal/scrape"
	"github.com/JakeFAU/scraper-intel/internal/storage"
	"github.com/JakeFAU/scraper-intel/internal/training"
)

// ErrNoValidVersion is returned when no history entry passes integrity checks.
var ErrNoValidVersion = errors.New("no valid version in history")

// Service runs versioning workflows against a training repository.
type Service struct {
	repo   *training.Repository
	clock  scrape.Clock
	logger *zap.Logger
}

// New builds a Service.
func New(repo *training.Repository, clock scrape.Clock, logger *zap.Logger) *Service {
	if clock == nil {
		clock = scrape.ClockFunc(func() time.Time { return time.Now().UTC() })
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, clock: clock, logger: logger.Named("versioning")}
}

// ValidateIntegrity checks required fields, numeric ranges and the counter
// invariant of p.
func ValidateIntegrity(p *training.Pattern) error {
	if p == nil {
		return fmt.Errorf("%w: nil pattern", training.ErrInvalid)
	}
	return p.Validate()
}

// RecoverFromHistory walks a pattern's history newest first and returns the
// first snapshot that passes ValidateIntegrity.
func (s *Service) RecoverFromHistory(ctx context.Context, id string) (*training.Pattern, error) {
	entries, err := s.repo.History(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		snap := e.Snapshot
		if err := ValidateIntegrity(&snap); err != nil {
			s.logger.Debug("skipping invalid history entry",
				zap.String("pattern_id", id),
				zap.Int("version", e.Version),
				zap.Error(err),
			)
			continue
		}
		return &snap, nil
	}
	return nil, fmt.Errorf("%s: %w", id, ErrNoValidVersion)
}

// Restore writes the recovered variant back as a new version, recreating the
// pattern if it was deleted.
func (s *Service) Restore(ctx context.Context, id string) (*training.Pattern, error) {
	recovered, err := s.RecoverFromHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	from := recovered.Version
	err = s.repo.Store().RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return s.repo.Save(ctx, tx, recovered, training.ChangeRestored, fmt.Sprintf("restored from version %d", from))
	})
	if err != nil {
		return nil, fmt.Errorf("restore pattern %s: %w", id, err)
	}
	s.logger.Info("pattern restored",
		zap.String("pattern_id", id),
		zap.Int("from_version", from),
		zap.Int("version", recovered.Version),
	)
	return recovered, nil
}
