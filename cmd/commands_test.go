//go:build !integration

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/provider-qa/internal/model"
	"github.com/sells-group/provider-qa/internal/store"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(context.Background())
}

func TestCommands_ImportObserveReview(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck

	dbPath := filepath.Join(dir, "e2e.db")
	t.Setenv("PROVIDERQA_STORE_SQLITE_PATH", dbPath)
	t.Setenv("PROVIDERQA_LOG_LEVEL", "error")

	csvPath := filepath.Join(dir, "providers.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte(
		"NPI,Provider Name,Phone,Street Address,City,State,Zip\n"+
			"1234567893,Jane Smith MD,(301) 555-0100,123 Main St,Rockville,MD,20850\n"), 0o644))

	obsPath := filepath.Join(dir, "observations.yaml")
	require.NoError(t, os.WriteFile(obsPath, []byte(`
observations:
  - npi: "1234567893"
    source_type: NPI_API
    payload:
      phone: 301-555-0199
`), 0o644))

	require.NoError(t, execute(t, "migrate"))
	require.NoError(t, execute(t, "import", "--file", csvPath))
	require.NoError(t, execute(t, "observe", "--file", obsPath, "--validate"))

	ctx := context.Background()
	st, err := store.NewSQLite(dbPath)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	p, err := st.GetProviderByNPI(ctx, "1234567893")
	require.NoError(t, err)
	assert.Equal(t, "Jane Smith MD", p.Name)

	runs, err := st.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	run := runs[0]
	assert.Equal(t, 1, run.TotalProviders)
	assert.True(t, run.Completed())

	issues, err := st.ListIssues(ctx, store.IssueFilter{RunID: run.ID})
	require.NoError(t, err)
	fields := make(map[string]bool)
	for _, is := range issues {
		fields[is.FieldName] = true
	}
	assert.True(t, fields["phone"], "expected a phone issue, got %v", fields)

	require.NoError(t, execute(t, "runs", "list"))
	require.NoError(t, execute(t, "runs", "show", run.ID))
	require.NoError(t, execute(t, "runs", "stats", "--since", "1h"))
	require.NoError(t, execute(t, "issues", "list", "--run", run.ID))
	assert.Error(t, execute(t, "issues", "list", "--status", "MAYBE"))
	assert.Error(t, execute(t, "runs", "show", "no-such-run"))

	require.NoError(t, execute(t, "issues", "reject-all", run.ID))
	open, err := st.CountIssues(ctx, store.IssueFilter{RunID: run.ID, Status: model.IssueOpen})
	require.NoError(t, err)
	assert.Zero(t, open)

	require.NoError(t, execute(t, "validate", "--limit", "10"))
	runs, err = st.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	require.NoError(t, execute(t, "runs", "delete", run.ID))
	_, err = st.GetRun(ctx, run.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCommands_LookupInvalidNPI(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck

	t.Setenv("PROVIDERQA_STORE_SQLITE_PATH", filepath.Join(dir, "lookup.db"))
	t.Setenv("PROVIDERQA_LOG_LEVEL", "error")

	err := execute(t, "lookup", "1234567890")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid npi")
}
