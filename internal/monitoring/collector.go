package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/provider-qa/internal/model"
	"github.com/sells-group/provider-qa/internal/store"
)

// MetricsSnapshot holds a point-in-time view of the review workload.
type MetricsSnapshot struct {
	// Run metrics (within lookback window).
	RunsTotal      int `json:"runs_total"`
	RunsComplete   int `json:"runs_complete"`
	RunsIncomplete int `json:"runs_incomplete"`
	RunsStale      int `json:"runs_stale"`

	// Provider outcomes across those runs.
	ProvidersProcessed int     `json:"providers_processed"`
	ProvidersSucceeded int     `json:"providers_succeeded"`
	ProvidersReview    int     `json:"providers_review"`
	ReviewRate         float64 `json:"review_rate"`

	// Backlog across all runs.
	OpenIssues int `json:"open_issues"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunSource is the slice of the store the collector reads.
type RunSource interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.ValidationRun, error)
	CountIssues(ctx context.Context, filter store.IssueFilter) (int, error)
}

// Collector gathers metrics from the store.
type Collector struct {
	store    RunSource
	staleAge time.Duration
	now      func() time.Time
}

// NewCollector creates a new metrics collector. Incomplete runs started
// longer than staleAge ago count as stale; zero disables the check.
func NewCollector(st RunSource, staleAge time.Duration) *Collector {
	return &Collector{store: st, staleAge: staleAge, now: time.Now}
}

const runPageSize = 500

// Collect gathers a snapshot of review metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	// Runs are listed newest first; stop at the first one outside the window.
	for offset := 0; ; offset += runPageSize {
		runs, err := c.store.ListRuns(ctx, store.RunFilter{Limit: runPageSize, Offset: offset})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list runs")
		}
		inWindow := 0
		for _, r := range runs {
			if r.StartedAt.Before(cutoff) {
				break
			}
			inWindow++
			c.addRun(snap, r, now)
		}
		if inWindow < len(runs) || len(runs) < runPageSize {
			break
		}
	}

	if snap.ProvidersProcessed > 0 {
		snap.ReviewRate = float64(snap.ProvidersReview) / float64(snap.ProvidersProcessed)
	}

	open, err := c.store.CountIssues(ctx, store.IssueFilter{Status: model.IssueOpen})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count open issues")
	}
	snap.OpenIssues = open

	return snap, nil
}

func (c *Collector) addRun(snap *MetricsSnapshot, r model.ValidationRun, now time.Time) {
	snap.RunsTotal++
	if r.Completed() {
		snap.RunsComplete++
	} else {
		snap.RunsIncomplete++
		if c.staleAge > 0 && now.Sub(r.StartedAt) > c.staleAge {
			snap.RunsStale++
		}
	}
	snap.ProvidersProcessed += r.Processed
	snap.ProvidersSucceeded += r.SuccessCount
	snap.ProvidersReview += r.NeedsReviewCount
}
