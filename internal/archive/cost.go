package archive

import (
	"context"
	"fmt"
	"math"

	"github.com/JakeFAU/scraper-intel/internal/storage"
)

const (
	bytesPerGB        = 1 << 30
	projectionMonths  = 12
	daysPerProjection = 365.0
)

// CostReport estimates storage cost for the archive.
type CostReport struct {
	Policy             string  `json:"policy"`
	Entries            int     `json:"entries"`
	TotalBytes         int64   `json:"total_bytes"`
	TotalGB            float64 `json:"total_gb"`
	PricePerGBMonth    float64 `json:"price_per_gb_month"`
	MonthlyCost        float64 `json:"monthly_cost"`
	AverageEntryBytes  float64 `json:"average_entry_bytes"`
	AverageScrapeCount float64 `json:"average_scrape_count"`

	// DedupSavedBytes is what repeated scrapes would have cost without
	// content addressing.
	DedupSavedBytes int64 `json:"dedup_saved_bytes"`

	// Unbounded* project retaining every entry for ProjectionMonths
	// instead of expiring after the policy TTL.
	ProjectionMonths       int     `json:"projection_months"`
	UnboundedGB            float64 `json:"unbounded_gb"`
	UnboundedMonthlyCost   float64 `json:"unbounded_monthly_cost"`
	MonthlySavingsWithTTL  float64 `json:"monthly_savings_with_ttl"`
	SavingsPct             float64 `json:"savings_pct"`
	ProjectedAnnualSavings float64 `json:"projected_annual_savings"`
}

// EstimateCost scans the archive and prices it at pricePerGBMonth.
func (a *Archive) EstimateCost(ctx context.Context, pricePerGBMonth float64) (CostReport, error) {
	if pricePerGBMonth < 0 {
		return CostReport{}, fmt.Errorf("price per GB-month must be non-negative, got %v", pricePerGBMonth)
	}
	entries, err := storage.QueryJSON[Entry](ctx, a.store, a.policy.Collection, storage.Query{})
	if err != nil {
		return CostReport{}, fmt.Errorf("scan archive: %w", err)
	}
	r := CostReport{
		Policy:           a.policy.Name,
		Entries:          len(entries),
		PricePerGBMonth:  pricePerGBMonth,
		ProjectionMonths: projectionMonths,
	}
	var scrapes int64
	for _, e := range entries {
		r.TotalBytes += int64(e.SizeBytes)
		scrapes += int64(e.ScrapeCount)
		if e.ScrapeCount > 1 {
			r.DedupSavedBytes += int64(e.SizeBytes) * int64(e.ScrapeCount-1)
		}
	}
	r.TotalGB = float64(r.TotalBytes) / bytesPerGB
	r.MonthlyCost = r.TotalGB * pricePerGBMonth
	if r.Entries > 0 {
		r.AverageEntryBytes = float64(r.TotalBytes) / float64(r.Entries)
		r.AverageScrapeCount = float64(scrapes) / float64(r.Entries)
	}

	// The live archive holds roughly one TTL worth of content, so a year of
	// unbounded retention holds 365/TTL-days times as much.
	ttlDays := a.policy.TTL.Hours() / 24
	growth := math.Max(1, daysPerProjection/ttlDays)
	r.UnboundedGB = r.TotalGB * growth
	r.UnboundedMonthlyCost = r.UnboundedGB * pricePerGBMonth
	r.MonthlySavingsWithTTL = r.UnboundedMonthlyCost - r.MonthlyCost
	if r.UnboundedMonthlyCost > 0 {
		r.SavingsPct = r.MonthlySavingsWithTTL / r.UnboundedMonthlyCost * 100
	}
	// Unbounded storage grows linearly, so the year averages half its final
	// cost while the TTL archive stays flat.
	r.ProjectedAnnualSavings = projectionMonths * (r.UnboundedMonthlyCost/2 - r.MonthlyCost)
	if r.ProjectedAnnualSavings < 0 {
		r.ProjectedAnnualSavings = 0
	}
	return r, nil
}
