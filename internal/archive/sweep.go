package archive

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-intel/internal/storage"
)

// SweepReport summarizes one sweep.
type SweepReport struct {
	Expired      int           `json:"expired"`
	Flagged      int           `json:"flagged"`
	BlobsDeleted int           `json:"blobs_deleted"`
	Duration     time.Duration `json:"duration"`
}

// Total is the number of entries removed.
func (r SweepReport) Total() int { return r.Expired + r.Flagged }

// Sweep removes expired entries and then flagged ones.
func (a *Archive) Sweep(ctx context.Context) (SweepReport, error) {
	start := time.Now()
	var report SweepReport
	n, blobs, err := a.sweep(ctx, storage.Where("expires_at", storage.OpLt, a.clock.Now()))
	report.Expired, report.BlobsDeleted = n, blobs
	if err != nil {
		return report, fmt.Errorf("sweep expired: %w", err)
	}
	n, blobs, err = a.sweep(ctx, storage.Where("flagged_for_deletion", storage.OpEq, true))
	report.Flagged, report.BlobsDeleted = n, report.BlobsDeleted+blobs
	if err != nil {
		return report, fmt.Errorf("sweep flagged: %w", err)
	}
	report.Duration = time.Since(start)
	if report.Total() > 0 {
		a.logger.Info("archive sweep complete",
			zap.Int("expired", report.Expired),
			zap.Int("flagged", report.Flagged),
			zap.Int("blobs_deleted", report.BlobsDeleted),
			zap.Duration("duration", report.Duration),
		)
	}
	return report, nil
}

// SweepExpired removes entries whose expiry has passed.
func (a *Archive) SweepExpired(ctx context.Context) (int, error) {
	n, _, err := a.sweep(ctx, storage.Where("expires_at", storage.OpLt, a.clock.Now()))
	return n, err
}

// SweepFlagged removes entries flagged for deletion.
func (a *Archive) SweepFlagged(ctx context.Context) (int, error) {
	n, _, err := a.sweep(ctx, storage.Where("flagged_for_deletion", storage.OpEq, true))
	return n, err
}

// sweep deletes matching entries in batches until a short page is seen.
func (a *Archive) sweep(ctx context.Context, filter storage.Filter) (removed, blobs int, err error) {
	for {
		if err := ctx.Err(); err != nil {
			return removed, blobs, err
		}
		page, err := storage.QueryJSON[Entry](ctx, a.store, a.policy.Collection, storage.Query{
			Filters: []storage.Filter{filter},
			Limit:   SweepBatchSize,
		})
		if err != nil {
			return removed, blobs, err
		}
		if len(page) == 0 {
			return removed, blobs, nil
		}
		ids := make([]string, 0, len(page))
		for _, e := range page {
			ids = append(ids, e.ID)
			if e.BlobPath != "" && a.blobs != nil {
				if err := a.blobs.DeleteObject(ctx, e.BlobPath); err != nil {
					a.logger.Warn("failed to delete offloaded payload",
						zap.String("blob_path", e.BlobPath), zap.Error(err))
				} else {
					blobs++
				}
			}
		}
		n, err := a.store.DeleteBatch(ctx, a.policy.Collection, ids)
		if err != nil {
			return removed, blobs, err
		}
		removed += n
		if a.observer != nil {
			a.observer.ObserveArchiveSwept(n)
		}
		if len(page) < SweepBatchSize || n == 0 {
			return removed, blobs, nil
		}
	}
}
