// Package ledger owns the issue lifecycle: recording detected candidates,
// applying accepted corrections to provider rows with read-back
// verification, and keeping run counters in step.
package ledger

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/provider-qa/internal/model"
	"github.com/sells-group/provider-qa/internal/store"
	"github.com/sells-group/provider-qa/internal/tracing"
)

var (
	// ErrIssueNotOpen is returned when accepting or rejecting an issue that
	// already reached a terminal state.
	ErrIssueNotOpen = eris.New("ledger: issue is not open")
	// ErrUnmappedField is returned for an issue whose field has no writable
	// provider column.
	ErrUnmappedField = eris.New("ledger: unmapped field")
	// ErrVerificationFailed is returned when the re-read provider row does
	// not carry the written value.
	ErrVerificationFailed = eris.New("ledger: write verification failed")
)

// Ledger records issues and reconciles them against the provider store.
type Ledger struct {
	store store.Store
	locks Locker
	now   func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLocker replaces the default in-process provider lock.
func WithLocker(l Locker) Option {
	return func(lg *Ledger) { lg.locks = l }
}

// WithClock overrides the clock used for resolution timestamps.
func WithClock(now func() time.Time) Option {
	return func(lg *Ledger) { lg.now = now }
}

// New creates a Ledger over st.
func New(st store.Store, opts ...Option) *Ledger {
	lg := &Ledger{
		store: st,
		locks: NewKeyedMutex(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(lg)
	}
	return lg
}

// Record persists detected candidates as OPEN issues. When the insert fails
// the provider is marked NEEDS_REVIEW so a lost candidate never passes
// silently, and the insert error is returned.
func (lg *Ledger) Record(ctx context.Context, providerID string, issues []model.Issue) ([]model.Issue, error) {
	if len(issues) == 0 {
		return nil, nil
	}
	log := tracing.Logger(ctx).With(zap.String("provider_id", providerID))

	unlock, err := lg.locks.Lock(ctx, providerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	prior, err := lg.openIssues(ctx, store.IssueFilter{ProviderID: providerID})
	if err != nil {
		return nil, err
	}

	inserted, err := lg.store.InsertIssues(ctx, issues)
	if err == nil {
		log.Debug("ledger: recorded issues",
			zap.Int("candidates", len(issues)),
			zap.Int("inserted", len(inserted)),
		)
		lg.refreshRuns(ctx, supersededRuns(prior, inserted))
		return inserted, nil
	}

	log.Error("ledger: insert issues failed, marking provider for review",
		zap.Int("candidates", len(issues)),
		zap.Error(err),
	)
	if serr := lg.store.SetProviderStatus(ctx, providerID, model.ProviderStatusNeedsReview); serr != nil {
		log.Error("ledger: mark provider needs review failed", zap.Error(serr))
	}
	return nil, eris.Wrapf(err, "ledger: record issues for provider %s", providerID)
}

// RefreshRunCounters recomputes a run's counters from its OPEN issues:
// needs_review_count is the number of OPEN issues and success_count is
// total_providers minus that, floored at zero.
func (lg *Ledger) RefreshRunCounters(ctx context.Context, runID string) error {
	run, err := lg.store.GetRun(ctx, runID)
	if err != nil {
		return eris.Wrapf(err, "ledger: refresh counters for run %s", runID)
	}
	open, err := lg.store.CountIssues(ctx, store.IssueFilter{RunID: runID, Status: model.IssueOpen})
	if err != nil {
		return eris.Wrapf(err, "ledger: count open issues for run %s", runID)
	}
	success := run.TotalProviders - open
	if success < 0 {
		success = 0
	}
	return eris.Wrapf(lg.store.UpdateRunCounters(ctx, runID, success, open), "ledger: update counters for run %s", runID)
}

// supersededRuns returns the runs of prior OPEN issues replaced by an
// inserted issue of another run. An insert for a field with an open issue
// only happens when the open one was rejected in its favour.
func supersededRuns(prior, inserted []model.Issue) map[string]struct{} {
	openRun := make(map[string]string, len(prior))
	for _, is := range prior {
		openRun[is.FieldName] = is.RunID
	}
	runs := make(map[string]struct{})
	for _, is := range inserted {
		if runID, ok := openRun[is.FieldName]; ok && runID != is.RunID {
			runs[runID] = struct{}{}
		}
	}
	return runs
}

// refreshRuns refreshes the counters of runs whose issues were resolved as
// a side effect. Failures are logged.
func (lg *Ledger) refreshRuns(ctx context.Context, runs map[string]struct{}) {
	for runID := range runs {
		if err := lg.RefreshRunCounters(ctx, runID); err != nil {
			tracing.Logger(ctx).Error("ledger: refresh run counters failed",
				zap.String("affected_run_id", runID),
				zap.Error(err),
			)
		}
	}
}
