package ledger

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/provider-qa/internal/model"
	"github.com/sells-group/provider-qa/internal/store"
	"github.com/sells-group/provider-qa/internal/tracing"
)

// pageSize bounds each ListIssues call when collecting open issues.
const pageSize = 500

// Outcome is the effect of a single accept or reject.
type Outcome string

const (
	OutcomeAccepted     Outcome = "ACCEPTED"
	OutcomeRejected     Outcome = "REJECTED"
	OutcomeAutoRejected Outcome = "AUTO_REJECTED"
)

// Result reports one resolved issue.
type Result struct {
	IssueID    string  `json:"issue_id"`
	ProviderID string  `json:"provider_id"`
	Outcome    Outcome `json:"outcome"`
	Column     string  `json:"column,omitempty"`
	Previous   string  `json:"previous,omitempty"`
	Applied    string  `json:"applied,omitempty"`
}

// BulkResult summarizes AcceptAll and RejectAll. Errors maps issue IDs to the
// reason they failed.
type BulkResult struct {
	Success      int               `json:"success"`
	Failed       int               `json:"failed"`
	AutoRejected int               `json:"auto_rejected"`
	Errors       map[string]string `json:"errors,omitempty"`
}

// ReconcileResult summarizes AutoReconcile for one provider.
type ReconcileResult struct {
	Applied      int  `json:"applied"`
	AutoRejected int  `json:"auto_rejected"`
	Failed       int  `json:"failed"`
	Pending      int  `json:"pending"`
	NeedsReview  bool `json:"needs_review"`
}

// Accept applies an OPEN issue's suggested value to its provider and marks
// it ACCEPTED once the write has been read back. An issue without a
// suggestion is rejected instead.
func (lg *Ledger) Accept(ctx context.Context, issueID string) (*Result, error) {
	res, err := lg.accept(ctx, issueID)
	if err != nil {
		return nil, err
	}
	lg.refreshAfter(ctx, issueID)
	return res, nil
}

// Reject marks an OPEN issue REJECTED without touching the provider.
func (lg *Ledger) Reject(ctx context.Context, issueID string) (*Result, error) {
	res, err := lg.reject(ctx, issueID)
	if err != nil {
		return nil, err
	}
	lg.refreshAfter(ctx, issueID)
	return res, nil
}

// AcceptAll accepts every OPEN issue of a run. Individual failures are
// counted and do not stop the batch.
func (lg *Ledger) AcceptAll(ctx context.Context, runID string) (*BulkResult, error) {
	return lg.bulk(ctx, runID, lg.accept)
}

// RejectAll rejects every OPEN issue of a run.
func (lg *Ledger) RejectAll(ctx context.Context, runID string) (*BulkResult, error) {
	return lg.bulk(ctx, runID, lg.reject)
}

// AutoReconcile applies every OPEN AUTO_ACCEPT issue of a provider. The
// provider is marked NEEDS_REVIEW when an issue still needs a human or an
// application failed.
func (lg *Ledger) AutoReconcile(ctx context.Context, providerID string) (*ReconcileResult, error) {
	log := tracing.Logger(ctx).With(zap.String("provider_id", providerID))

	issues, err := lg.openIssues(ctx, store.IssueFilter{ProviderID: providerID})
	if err != nil {
		return nil, err
	}

	// Counters of the run in progress are kept by its runner; earlier runs
	// are refreshed here.
	current, _ := tracing.FromContext(ctx)
	earlier := make(map[string]struct{})

	res := &ReconcileResult{}
	for _, is := range issues {
		if is.Action != model.ActionAutoAccept {
			res.Pending++
			continue
		}
		r, err := lg.accept(ctx, is.ID)
		if err != nil {
			res.Failed++
			log.Warn("ledger: auto-accept failed",
				zap.String("issue_id", is.ID),
				zap.String("field", is.FieldName),
				zap.Error(err),
			)
			continue
		}
		if is.RunID != current.RunID {
			earlier[is.RunID] = struct{}{}
		}
		if r.Outcome == OutcomeAutoRejected {
			res.AutoRejected++
		} else {
			res.Applied++
		}
	}

	lg.refreshRuns(ctx, earlier)

	if res.Pending > 0 || res.Failed > 0 {
		res.NeedsReview = true
		if err := lg.store.SetProviderStatus(ctx, providerID, model.ProviderStatusNeedsReview); err != nil {
			return res, eris.Wrapf(err, "ledger: mark provider %s needs review", providerID)
		}
	}

	log.Debug("ledger: auto-reconciled",
		zap.Int("applied", res.Applied),
		zap.Int("auto_rejected", res.AutoRejected),
		zap.Int("failed", res.Failed),
		zap.Int("pending", res.Pending),
	)
	return res, nil
}

func (lg *Ledger) bulk(ctx context.Context, runID string, op func(context.Context, string) (*Result, error)) (*BulkResult, error) {
	if _, err := lg.store.GetRun(ctx, runID); err != nil {
		return nil, eris.Wrapf(err, "ledger: bulk resolve run %s", runID)
	}
	issues, err := lg.openIssues(ctx, store.IssueFilter{RunID: runID})
	if err != nil {
		return nil, err
	}

	log := tracing.Logger(ctx).With(zap.String("run_id", runID))
	out := &BulkResult{}
	for _, is := range issues {
		r, err := op(ctx, is.ID)
		if err != nil {
			out.Failed++
			if out.Errors == nil {
				out.Errors = make(map[string]string)
			}
			out.Errors[is.ID] = err.Error()
			log.Warn("ledger: bulk resolve failed",
				zap.String("issue_id", is.ID),
				zap.String("field", is.FieldName),
				zap.Error(err),
			)
			continue
		}
		if r.Outcome == OutcomeAutoRejected {
			out.AutoRejected++
		} else {
			out.Success++
		}
	}

	if err := lg.RefreshRunCounters(ctx, runID); err != nil {
		log.Error("ledger: refresh run counters failed", zap.Error(err))
	}
	log.Info("ledger: bulk resolve complete",
		zap.Int("success", out.Success),
		zap.Int("failed", out.Failed),
		zap.Int("auto_rejected", out.AutoRejected),
	)
	return out, nil
}

func (lg *Ledger) accept(ctx context.Context, issueID string) (*Result, error) {
	is, unlock, err := lg.lockOpenIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	res := &Result{IssueID: is.ID, ProviderID: is.ProviderID}
	if is.SuggestedValue == nil {
		if err := lg.transition(ctx, is.ID, model.IssueRejected); err != nil {
			return nil, err
		}
		res.Outcome = OutcomeAutoRejected
		return res, nil
	}

	column, err := ColumnFor(is.FieldName)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: accept issue %s", is.ID)
	}

	before, err := lg.store.GetProvider(ctx, is.ProviderID)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: read provider %s", is.ProviderID)
	}
	previous, _ := before.Column(column)
	value := coerce(column, *is.SuggestedValue)

	if err := lg.store.UpdateProviderColumn(ctx, is.ProviderID, column, value, model.ProviderStatusActive, lg.now()); err != nil {
		return nil, eris.Wrapf(err, "ledger: apply issue %s", is.ID)
	}

	after, err := lg.store.GetProvider(ctx, is.ProviderID)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: re-read provider %s", is.ProviderID)
	}
	got, _ := after.Column(column)
	if !sameValue(column, value, got) || after.Status != model.ProviderStatusActive {
		return nil, eris.Wrapf(ErrVerificationFailed, "issue %s column %s: wrote %q, read %q (status %s)",
			is.ID, column, renderValue(value), renderValue(got), after.Status)
	}

	if err := lg.transition(ctx, is.ID, model.IssueAccepted); err != nil {
		return nil, err
	}

	res.Outcome = OutcomeAccepted
	res.Column = column
	res.Previous = renderValue(previous)
	res.Applied = renderValue(got)
	tracing.Logger(ctx).Info("ledger: issue accepted",
		zap.String("issue_id", is.ID),
		zap.String("provider_id", is.ProviderID),
		zap.String("column", column),
		zap.String("previous", res.Previous),
		zap.String("applied", res.Applied),
	)
	return res, nil
}

func (lg *Ledger) reject(ctx context.Context, issueID string) (*Result, error) {
	is, unlock, err := lg.lockOpenIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := lg.transition(ctx, is.ID, model.IssueRejected); err != nil {
		return nil, err
	}
	return &Result{IssueID: is.ID, ProviderID: is.ProviderID, Outcome: OutcomeRejected}, nil
}

// lockOpenIssue takes the provider lock for an issue and re-reads it under
// the lock. It fails with ErrIssueNotOpen for terminal issues.
func (lg *Ledger) lockOpenIssue(ctx context.Context, issueID string) (*model.Issue, func(), error) {
	is, err := lg.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "ledger: load issue %s", issueID)
	}
	unlock, err := lg.locks.Lock(ctx, is.ProviderID)
	if err != nil {
		return nil, nil, err
	}
	is, err = lg.store.GetIssue(ctx, issueID)
	if err != nil {
		unlock()
		return nil, nil, eris.Wrapf(err, "ledger: load issue %s", issueID)
	}
	if is.Status != model.IssueOpen {
		unlock()
		return nil, nil, eris.Wrapf(ErrIssueNotOpen, "issue %s is %s", issueID, is.Status)
	}
	return is, unlock, nil
}

func (lg *Ledger) transition(ctx context.Context, issueID string, to model.IssueStatus) error {
	err := lg.store.TransitionIssue(ctx, issueID, model.IssueOpen, to, lg.now())
	if errors.Is(err, store.ErrConflict) {
		return eris.Wrapf(ErrIssueNotOpen, "issue %s", issueID)
	}
	return eris.Wrapf(err, "ledger: transition issue %s to %s", issueID, to)
}

// refreshAfter refreshes the counters of the run an issue belongs to. The
// issue's own resolution already succeeded, so failures are only logged.
func (lg *Ledger) refreshAfter(ctx context.Context, issueID string) {
	is, err := lg.store.GetIssue(ctx, issueID)
	if err == nil {
		err = lg.RefreshRunCounters(ctx, is.RunID)
	}
	if err != nil {
		tracing.Logger(ctx).Error("ledger: refresh run counters failed",
			zap.String("issue_id", issueID),
			zap.Error(err),
		)
	}
}

// openIssues collects every OPEN issue matching filter before any of them is
// resolved, so paging is not disturbed by status changes.
func (lg *Ledger) openIssues(ctx context.Context, filter store.IssueFilter) ([]model.Issue, error) {
	filter.Status = model.IssueOpen
	filter.Limit = pageSize
	var out []model.Issue
	for offset := 0; ; offset += pageSize {
		filter.Offset = offset
		page, err := lg.store.ListIssues(ctx, filter)
		if err != nil {
			return nil, eris.Wrap(err, "ledger: list open issues")
		}
		out = append(out, page...)
		if len(page) < pageSize {
			return out, nil
		}
	}
}
