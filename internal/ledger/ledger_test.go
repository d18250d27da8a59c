package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/provider-qa/internal/model"
	"github.com/sells-group/provider-qa/internal/store"
	"github.com/sells-group/provider-qa/internal/tracing"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func ptr(s string) *string { return &s }

type fixture struct {
	store    store.Store
	ledger   *Ledger
	provider *model.Provider
	run      *model.ValidationRun
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.UpsertProvider(ctx, &model.Provider{
		NPI:          "1234567890",
		Name:         "Jane Smith MD",
		Phone:        "301-555-0100",
		AddressLine1: "123 Main St",
		City:         "Rockville",
		State:        "MD",
		Zip:          "20850",
	})
	require.NoError(t, err)
	run, err := s.CreateRun(ctx, 1)
	require.NoError(t, err)

	return &fixture{store: s, ledger: New(s), provider: p, run: run}
}

func (f *fixture) issue(t *testing.T, field string, suggested *string, action model.Action) model.Issue {
	t.Helper()
	inserted, err := f.store.InsertIssues(context.Background(), []model.Issue{{
		ProviderID:     f.provider.ID,
		RunID:          f.run.ID,
		FieldName:      field,
		OldValue:       "old",
		SuggestedValue: suggested,
		Confidence:     0.9,
		Severity:       model.SeverityLow,
		Action:         action,
		SourceType:     model.SourceNPI,
	}})
	require.NoError(t, err)
	require.Len(t, inserted, 1)
	return inserted[0]
}

func (f *fixture) reload(t *testing.T) (*model.Provider, *model.ValidationRun) {
	t.Helper()
	p, err := f.store.GetProvider(context.Background(), f.provider.ID)
	require.NoError(t, err)
	r, err := f.store.GetRun(context.Background(), f.run.ID)
	require.NoError(t, err)
	return p, r
}

func (f *fixture) status(t *testing.T, issueID string) model.IssueStatus {
	t.Helper()
	is, err := f.store.GetIssue(context.Background(), issueID)
	require.NoError(t, err)
	return is.Status
}

func TestAccept_AppliesVerifiedWrite(t *testing.T) {
	f := newFixture(t)
	is := f.issue(t, "phone", ptr("3015550199"), model.ActionAutoAccept)

	res, err := f.ledger.Accept(context.Background(), is.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)
	assert.Equal(t, "phone", res.Column)
	assert.Equal(t, "301-555-0100", res.Previous)
	assert.Equal(t, "3015550199", res.Applied)

	p, run := f.reload(t)
	assert.Equal(t, "3015550199", p.Phone)
	assert.Equal(t, model.ProviderStatusActive, p.Status)

	got, err := f.store.GetIssue(context.Background(), is.ID)
	require.NoError(t, err)
	assert.Equal(t, model.IssueAccepted, got.Status)
	assert.NotNil(t, got.ResolvedAt)

	assert.Equal(t, 0, run.NeedsReviewCount)
	assert.Equal(t, 1, run.SuccessCount)
}

func TestAccept_AddressMapsToLine1(t *testing.T) {
	f := newFixture(t)
	is := f.issue(t, "address", ptr("500 Elm Ave"), model.ActionAutoAccept)

	_, err := f.ledger.Accept(context.Background(), is.ID)
	require.NoError(t, err)

	p, _ := f.reload(t)
	assert.Equal(t, "500 Elm Ave", p.AddressLine1)
}

func TestAccept_NullSuggestionAutoRejects(t *testing.T) {
	f := newFixture(t)
	is := f.issue(t, "address", nil, model.ActionNeedsReview)
	before, _ := f.reload(t)

	res, err := f.ledger.Accept(context.Background(), is.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAutoRejected, res.Outcome)
	assert.Equal(t, model.IssueRejected, f.status(t, is.ID))

	after, _ := f.reload(t)
	assert.Equal(t, before.AddressLine1, after.AddressLine1)
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt))
}

func TestAccept_TerminalIssueChangesNothing(t *testing.T) {
	f := newFixture(t)
	is := f.issue(t, "phone", ptr("3015550199"), model.ActionAutoAccept)
	_, err := f.ledger.Accept(context.Background(), is.ID)
	require.NoError(t, err)

	// Drift the provider so a second apply would be visible.
	require.NoError(t, f.store.UpdateProviderColumn(context.Background(), f.provider.ID, "phone", "301-555-0123",
		model.ProviderStatusActive, time.Now()))
	before, _ := f.reload(t)

	_, err = f.ledger.Accept(context.Background(), is.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIssueNotOpen))

	_, err = f.ledger.Reject(context.Background(), is.ID)
	assert.True(t, errors.Is(err, ErrIssueNotOpen))

	after, _ := f.reload(t)
	assert.Equal(t, "301-555-0123", after.Phone)
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt))
	assert.Equal(t, model.IssueAccepted, f.status(t, is.ID))
}

func TestAccept_UnknownIssue(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.Accept(context.Background(), "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestAccept_UnmappedField(t *testing.T) {
	f := newFixture(t)
	is := f.issue(t, "fax", ptr("3015550000"), model.ActionAutoAccept)

	_, err := f.ledger.Accept(context.Background(), is.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnmappedField))
	assert.Equal(t, model.IssueOpen, f.status(t, is.ID))
}

// driftingStore writes a different value than asked, as a trigger or a
// concurrent writer would.
type driftingStore struct {
	store.Store
}

func (d driftingStore) UpdateProviderColumn(ctx context.Context, id, column string, _ any, status model.ProviderStatus, at time.Time) error {
	return d.Store.UpdateProviderColumn(ctx, id, column, "tampered", status, at)
}

func TestAccept_VerificationFailureKeepsIssueOpen(t *testing.T) {
	f := newFixture(t)
	lg := New(driftingStore{f.store})
	is := f.issue(t, "phone", ptr("3015550199"), model.ActionAutoAccept)

	_, err := lg.Accept(context.Background(), is.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrVerificationFailed))
	assert.Contains(t, err.Error(), "tampered")
	assert.Equal(t, model.IssueOpen, f.status(t, is.ID))
}

func TestAccept_Coercion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	accepting := f.issue(t, "accepting_new_patients", ptr("yes"), model.ActionAutoAccept)
	certs := f.issue(t, "certifications", ptr(`[{"code":"207Q00000X","primary":true}]`), model.ActionAutoAccept)

	_, err := f.ledger.Accept(ctx, accepting.ID)
	require.NoError(t, err)
	_, err = f.ledger.Accept(ctx, certs.ID)
	require.NoError(t, err)

	p, _ := f.reload(t)
	assert.True(t, p.AcceptingNewPatients)
	assert.JSONEq(t, `[{"code":"207Q00000X","primary":true}]`, string(p.Certifications))
}

func TestAccept_InvalidJSONStoredRaw(t *testing.T) {
	f := newFixture(t)
	is := f.issue(t, "certifications", ptr("Family Medicine"), model.ActionAutoAccept)

	res, err := f.ledger.Accept(context.Background(), is.ID)
	require.NoError(t, err)
	assert.Equal(t, "Family Medicine", res.Applied)

	p, _ := f.reload(t)
	var v string
	require.NoError(t, json.Unmarshal(p.Certifications, &v))
	assert.Equal(t, "Family Medicine", v)
}

func TestReject_LeavesProviderUntouched(t *testing.T) {
	f := newFixture(t)
	is := f.issue(t, "zip", ptr("20852"), model.ActionNeedsReview)
	before, _ := f.reload(t)

	res, err := f.ledger.Reject(context.Background(), is.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, model.IssueRejected, f.status(t, is.ID))

	after, run := f.reload(t)
	assert.Equal(t, before.Zip, after.Zip)
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt))
	assert.Equal(t, 0, run.NeedsReviewCount)
}

func TestAcceptAll_IsolatesFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.issue(t, "phone", ptr("3015550199"), model.ActionAutoAccept)
	f.issue(t, "zip", ptr("20852"), model.ActionNeedsReview)
	f.issue(t, "city", ptr("Bethesda"), model.ActionNeedsReview)
	unmappedA := f.issue(t, "fax", ptr("3015550000"), model.ActionNeedsReview)
	unmappedB := f.issue(t, "board_status", ptr("active"), model.ActionNeedsReview)

	require.NoError(t, f.ledger.RefreshRunCounters(ctx, f.run.ID))
	_, before := f.reload(t)
	require.Equal(t, 5, before.NeedsReviewCount)

	res, err := f.ledger.AcceptAll(ctx, f.run.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Success)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 0, res.AutoRejected)
	assert.Contains(t, res.Errors, unmappedA.ID)
	assert.Contains(t, res.Errors, unmappedB.ID)

	p, after := f.reload(t)
	assert.Equal(t, before.NeedsReviewCount-3, after.NeedsReviewCount)
	assert.Equal(t, 0, after.SuccessCount)
	assert.Equal(t, "3015550199", p.Phone)
	assert.Equal(t, "20852", p.Zip)
	assert.Equal(t, "Bethesda", p.City)
	assert.Equal(t, model.IssueOpen, f.status(t, unmappedA.ID))
}

func TestAcceptAll_CountsAutoRejected(t *testing.T) {
	f := newFixture(t)
	f.issue(t, "phone", ptr("3015550199"), model.ActionAutoAccept)
	f.issue(t, "address", nil, model.ActionNeedsReview)

	res, err := f.ledger.AcceptAll(context.Background(), f.run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Success)
	assert.Equal(t, 1, res.AutoRejected)
	assert.Equal(t, 0, res.Failed)

	_, run := f.reload(t)
	assert.Equal(t, 0, run.NeedsReviewCount)
	assert.Equal(t, 1, run.SuccessCount)
}

func TestRejectAll(t *testing.T) {
	f := newFixture(t)
	a := f.issue(t, "phone", ptr("3015550199"), model.ActionAutoAccept)
	b := f.issue(t, "zip", ptr("20852"), model.ActionNeedsReview)

	res, err := f.ledger.RejectAll(context.Background(), f.run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Success)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, model.IssueRejected, f.status(t, a.ID))
	assert.Equal(t, model.IssueRejected, f.status(t, b.ID))

	p, run := f.reload(t)
	assert.Equal(t, "301-555-0100", p.Phone)
	assert.Equal(t, 0, run.NeedsReviewCount)
	assert.Equal(t, 1, run.SuccessCount)
}

func TestBulk_UnknownRun(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.AcceptAll(context.Background(), "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
	_, err = f.ledger.RejectAll(context.Background(), "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestAutoReconcile_LeavesReviewIssuesOpen(t *testing.T) {
	f := newFixture(t)
	phone := f.issue(t, "phone", ptr("3015550199"), model.ActionAutoAccept)
	zip := f.issue(t, "zip", ptr("20852"), model.ActionNeedsReview)

	res, err := f.ledger.AutoReconcile(context.Background(), f.provider.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 1, res.Pending)
	assert.True(t, res.NeedsReview)

	p, _ := f.reload(t)
	assert.Equal(t, "3015550199", p.Phone)
	assert.Equal(t, "20850", p.Zip)
	assert.Equal(t, model.ProviderStatusNeedsReview, p.Status)
	assert.Equal(t, model.IssueAccepted, f.status(t, phone.ID))
	assert.Equal(t, model.IssueOpen, f.status(t, zip.ID))
}

func TestAutoReconcile_AllApplied(t *testing.T) {
	f := newFixture(t)
	f.issue(t, "phone", ptr("3015550199"), model.ActionAutoAccept)
	f.issue(t, "website", ptr("https://janesmithmd.com"), model.ActionAutoAccept)

	res, err := f.ledger.AutoReconcile(context.Background(), f.provider.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)
	assert.False(t, res.NeedsReview)

	p, _ := f.reload(t)
	assert.Equal(t, model.ProviderStatusActive, p.Status)
	assert.Equal(t, "https://janesmithmd.com", p.Website)
}

func TestAutoReconcile_FailureMarksReview(t *testing.T) {
	f := newFixture(t)
	lg := New(driftingStore{f.store})
	f.issue(t, "phone", ptr("3015550199"), model.ActionAutoAccept)

	res, err := lg.AutoReconcile(context.Background(), f.provider.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.True(t, res.NeedsReview)

	p, _ := f.reload(t)
	assert.Equal(t, model.ProviderStatusNeedsReview, p.Status)
}

// failingInsertStore refuses every issue insert.
type failingInsertStore struct {
	store.Store
}

func (failingInsertStore) InsertIssues(context.Context, []model.Issue) ([]model.Issue, error) {
	return nil, errors.New("disk full")
}

func TestRecord_FailsClosed(t *testing.T) {
	f := newFixture(t)
	lg := New(failingInsertStore{f.store})

	_, err := lg.Record(context.Background(), f.provider.ID, []model.Issue{{
		ProviderID: f.provider.ID, RunID: f.run.ID, FieldName: "phone",
		SuggestedValue: ptr("3015550199"), Confidence: 0.9,
		Severity: model.SeverityLow, Action: model.ActionAutoAccept, SourceType: model.SourceNPI,
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	p, _ := f.reload(t)
	assert.Equal(t, model.ProviderStatusNeedsReview, p.Status)
}

func TestRecord_Inserts(t *testing.T) {
	f := newFixture(t)
	inserted, err := f.ledger.Record(context.Background(), f.provider.ID, []model.Issue{{
		ProviderID: f.provider.ID, RunID: f.run.ID, FieldName: "phone",
		SuggestedValue: ptr("3015550199"), Confidence: 0.9,
		Severity: model.SeverityLow, Action: model.ActionAutoAccept, SourceType: model.SourceNPI,
	}})
	require.NoError(t, err)
	require.Len(t, inserted, 1)
	assert.Equal(t, model.IssueOpen, inserted[0].Status)

	none, err := f.ledger.Record(context.Background(), f.provider.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestColumnFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		field string
		want  string
		ok    bool
	}{
		{"phone", "phone", true},
		{"address", "address_line1", true},
		{"specialty", "speciality", true},
		{"speciality", "speciality", true},
		{"license", "license_number", true},
		{"certification", "primary_certification", true},
		{"Certifications", "certifications", true},
		{"npi", "", false},
		{"status", "", false},
		{"fax", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			t.Parallel()
			got, err := ColumnFor(tt.field)
			if !tt.ok {
				assert.True(t, errors.Is(err, ErrUnmappedField))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSameValue(t *testing.T) {
	t.Parallel()

	assert.True(t, sameValue("phone", "1", "1"))
	assert.False(t, sameValue("phone", "1", "2"))
	assert.True(t, sameValue("telehealth_available", true, true))
	assert.False(t, sameValue("telehealth_available", true, false))
	assert.True(t, sameValue("certifications",
		[]any{map[string]any{"b": 1.0, "a": "x"}},
		[]any{map[string]any{"a": "x", "b": 1.0}}))
}

func TestRecord_SupersedeRefreshesEarlierRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.issue(t, "phone", ptr("3015550199"), model.ActionNeedsReview)
	require.NoError(t, f.ledger.RefreshRunCounters(ctx, f.run.ID))
	_, run1 := f.reload(t)
	require.Equal(t, 1, run1.NeedsReviewCount)

	run2, err := f.store.CreateRun(ctx, 1)
	require.NoError(t, err)
	inserted, err := f.ledger.Record(ctx, f.provider.ID, []model.Issue{{
		ProviderID: f.provider.ID, RunID: run2.ID, FieldName: "phone",
		SuggestedValue: ptr("3015550142"), Confidence: 0.95,
		Severity: model.SeverityLow, Action: model.ActionAutoAccept, SourceType: model.SourceNPI,
	}})
	require.NoError(t, err)
	require.Len(t, inserted, 1)

	assert.Equal(t, model.IssueRejected, f.status(t, old.ID))
	_, run1 = f.reload(t)
	assert.Equal(t, 0, run1.NeedsReviewCount)
	assert.Equal(t, 1, run1.SuccessCount)
}

func TestRecord_DroppedCandidateKeepsCounters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.issue(t, "phone", ptr("3015550199"), model.ActionNeedsReview)
	require.NoError(t, f.ledger.RefreshRunCounters(ctx, f.run.ID))

	run2, err := f.store.CreateRun(ctx, 1)
	require.NoError(t, err)
	inserted, err := f.ledger.Record(ctx, f.provider.ID, []model.Issue{{
		ProviderID: f.provider.ID, RunID: run2.ID, FieldName: "phone",
		SuggestedValue: ptr("3015550142"), Confidence: 0.5,
		Severity: model.SeverityHigh, Action: model.ActionNeedsReview, SourceType: model.SourceScrapeEnrichment,
	}})
	require.NoError(t, err)
	assert.Empty(t, inserted)

	assert.Equal(t, model.IssueOpen, f.status(t, old.ID))
	_, run1 := f.reload(t)
	assert.Equal(t, 1, run1.NeedsReviewCount)
	assert.Equal(t, 0, run1.SuccessCount)
}

func TestAutoReconcile_RefreshesEarlierRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	is := f.issue(t, "phone", ptr("3015550199"), model.ActionAutoAccept)
	require.NoError(t, f.ledger.RefreshRunCounters(ctx, f.run.ID))

	run2, err := f.store.CreateRun(ctx, 1)
	require.NoError(t, err)
	res, err := f.ledger.AutoReconcile(tracing.WithRun(ctx, run2.ID), f.provider.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)

	assert.Equal(t, model.IssueAccepted, f.status(t, is.ID))
	_, run1 := f.reload(t)
	assert.Equal(t, 0, run1.NeedsReviewCount)
	assert.Equal(t, 1, run1.SuccessCount)

	current, err := f.store.GetRun(ctx, run2.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, current.SuccessCount)
}
