package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/provider-qa/internal/detect"
	"github.com/sells-group/provider-qa/internal/ledger"
	"github.com/sells-group/provider-qa/internal/model"
	"github.com/sells-group/provider-qa/internal/store"
	"github.com/sells-group/provider-qa/internal/validation"
	"github.com/sells-group/provider-qa/pkg/npi"
)

type fixture struct {
	store    store.Store
	srv      *httptest.Server
	provider *model.Provider
	run      *model.ValidationRun
}

func newFixture(t *testing.T, runner bool, registry npi.Client) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	p, err := st.UpsertProvider(ctx, &model.Provider{
		NPI: "1234567893", Name: "Jane Smith", Phone: "301-555-0100", Zip: "20850",
	})
	require.NoError(t, err)
	run, err := st.CreateRun(ctx, 1)
	require.NoError(t, err)

	lg := ledger.New(st)
	var r *validation.Runner
	if runner {
		r = validation.NewRunner(st, detect.New(nil), lg, validation.WithRegistry(registry))
	}
	srv := httptest.NewServer(New(st, lg, r, Options{}))
	t.Cleanup(srv.Close)

	return &fixture{store: st, srv: srv, provider: p, run: run}
}

func (f *fixture) issue(t *testing.T, field, suggested string) model.Issue {
	t.Helper()
	s := suggested
	out, err := f.store.InsertIssues(context.Background(), []model.Issue{{
		ProviderID:     f.provider.ID,
		RunID:          f.run.ID,
		FieldName:      field,
		SuggestedValue: &s,
		Confidence:     0.5,
		Severity:       model.SeverityHigh,
		Action:         model.ActionNeedsReview,
		SourceType:     model.SourceNPI,
		Status:         model.IssueOpen,
	}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	return out[0]
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestHealth_StoreDown(t *testing.T) {
	f := newFixture(t, false, nil)
	require.NoError(t, f.store.Close())

	code, body := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unavailable", body["status"])
	assert.Contains(t, body["error"], "ping")
}

func TestHealth(t *testing.T) {
	f := newFixture(t, false, nil)
	code, body := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestRuns(t *testing.T) {
	f := newFixture(t, false, nil)

	code, body := f.do(t, http.MethodGet, "/runs", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["runs"], 1)

	code, body = f.do(t, http.MethodGet, "/runs/"+f.run.ID, "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, f.run.ID, body["id"])

	code, body = f.do(t, http.MethodGet, "/runs/nope", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, body["error"], "not found")

	code, _ = f.do(t, http.MethodGet, "/runs?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRunIssues(t *testing.T) {
	f := newFixture(t, false, nil)
	f.issue(t, "phone", "301-555-0199")
	zip := f.issue(t, "zip", "20852")
	code, _ := f.do(t, http.MethodPost, "/issues/"+zip.ID+"/reject", "")
	require.Equal(t, http.StatusOK, code)

	code, body := f.do(t, http.MethodGet, "/runs/"+f.run.ID+"/issues", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["issues"], 2)

	code, body = f.do(t, http.MethodGet, "/runs/"+f.run.ID+"/issues?status=OPEN", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["issues"], 1)

	code, _ = f.do(t, http.MethodGet, "/runs/"+f.run.ID+"/issues?status=MAYBE", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodGet, "/runs/nope/issues", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAcceptIssue(t *testing.T) {
	f := newFixture(t, false, nil)
	is := f.issue(t, "phone", "301-555-0199")

	code, body := f.do(t, http.MethodPost, "/issues/"+is.ID+"/accept", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(ledger.OutcomeAccepted), body["outcome"])

	p, err := f.store.GetProvider(context.Background(), f.provider.ID)
	require.NoError(t, err)
	assert.Equal(t, "301-555-0199", p.Phone)

	code, body = f.do(t, http.MethodGet, "/issues/"+is.ID, "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(model.IssueAccepted), body["status"])

	code, _ = f.do(t, http.MethodPost, "/issues/"+is.ID+"/accept", "")
	assert.Equal(t, http.StatusConflict, code)

	code, _ = f.do(t, http.MethodPost, "/issues/nope/accept", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAcceptIssue_Unmapped(t *testing.T) {
	f := newFixture(t, false, nil)
	is := f.issue(t, "favourite_colour", "blue")

	code, body := f.do(t, http.MethodPost, "/issues/"+is.ID+"/accept", "")
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.NotEmpty(t, body["error"])

	got, err := f.store.GetIssue(context.Background(), is.ID)
	require.NoError(t, err)
	assert.Equal(t, model.IssueOpen, got.Status)
}

func TestBulk(t *testing.T) {
	f := newFixture(t, false, nil)
	f.issue(t, "phone", "301-555-0199")
	f.issue(t, "favourite_colour", "blue")

	code, body := f.do(t, http.MethodPost, "/runs/"+f.run.ID+"/accept-all", "")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["success"])
	assert.EqualValues(t, 1, body["failed"])

	code, body = f.do(t, http.MethodPost, "/runs/"+f.run.ID+"/reject-all", "")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["success"])

	code, _ = f.do(t, http.MethodPost, "/runs/nope/reject-all", "")
	assert.Equal(t, http.StatusNotFound, code)
}

type stubRegistry struct {
	rec *npi.Record
}

func (s stubRegistry) Lookup(_ context.Context, number string) (*npi.Record, error) {
	if s.rec == nil {
		return &npi.Record{Number: number}, nil
	}
	return s.rec, nil
}

func TestLookup(t *testing.T) {
	rec := &npi.Record{
		Number: "1245319599", Found: true, Name: "ROCKVILLE FAMILY CLINIC",
		Phone: "301-555-0300", AddressLine1: "9 OAK RD", City: "ROCKVILLE", State: "MD", PostalCode: "20850",
	}
	f := newFixture(t, true, stubRegistry{rec: rec})

	code, body := f.do(t, http.MethodPost, "/providers/lookup", `{"npi":"1245319599"}`)
	require.Equal(t, http.StatusOK, code)
	provider, ok := body["provider"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ROCKVILLE FAMILY CLINIC", provider["name"])
	assert.Equal(t, "301-555-0300", provider["phone"])

	code, _ = f.do(t, http.MethodGet, "/providers/"+provider["id"].(string), "")
	assert.Equal(t, http.StatusOK, code)

	code, _ = f.do(t, http.MethodPost, "/providers/lookup", `{"npi":"1234567890"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	code, _ = f.do(t, http.MethodPost, "/providers/lookup", `{`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodPost, "/providers/lookup", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestLookup_NotFound(t *testing.T) {
	f := newFixture(t, true, stubRegistry{})
	code, _ := f.do(t, http.MethodPost, "/providers/lookup", `{"npi":"1245319599"}`)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestLookup_NotConfigured(t *testing.T) {
	f := newFixture(t, false, nil)
	code, _ := f.do(t, http.MethodPost, "/providers/lookup", `{"npi":"1245319599"}`)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestCORS(t *testing.T) {
	f := newFixture(t, false, nil)
	req, err := http.NewRequest(http.MethodOptions, f.srv.URL+"/runs", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://review.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusNotFound, statusFor(store.ErrNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(ledger.ErrIssueNotOpen))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(ledger.ErrVerificationFailed))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(validation.ErrInvalidNPI))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}
