package importer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/provider-qa/internal/model"
	"github.com/sells-group/provider-qa/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "import.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func writeTestFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func createTestXLSX(t *testing.T, rows [][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Providers")
	require.NoError(t, err)
	for _, rowData := range rows {
		row := sheet.AddRow()
		for _, cellData := range rowData {
			row.AddCell().SetString(cellData)
		}
	}
	path := filepath.Join(t.TempDir(), "providers.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func collectRows(t *testing.T, rowCh <-chan []string, errCh <-chan error) ([][]string, error) {
	t.Helper()
	var rows [][]string
	for row := range rowCh {
		rows = append(rows, row)
	}
	for err := range errCh {
		if err != nil {
			return rows, err
		}
	}
	return rows, nil
}

func TestStreamCSV_TrimsFields(t *testing.T) {
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader("a , b\n 1,2 \n"), CSVOptions{})
	rows, err := collectRows(t, rowCh, errCh)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b"}, {"1", "2"}}, rows)
}

func TestStreamCSV_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rowCh, errCh := StreamCSV(ctx, strings.NewReader("a\n1\n"), CSVOptions{})
	_, err := collectRows(t, rowCh, errCh)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context cancelled")
}

func TestStreamXLSX_SheetNotFound(t *testing.T) {
	path := createTestXLSX(t, [][]string{{"name"}})
	rowCh, errCh := StreamXLSX(context.Background(), path, XLSXOptions{SheetName: "Missing"})
	_, err := collectRows(t, rowCh, errCh)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestImportFile_CSV(t *testing.T) {
	s := newTestStore(t)
	path := writeTestFile(t, "providers.csv",
		"NPI,Provider Name,Phone Number,Street Address,City,State,Zip Code,Specialty,Accepting New Patients,Certifications\n"+
			"1234567893,Jane Smith MD,(301) 555-0100,123 Main St,Rockville,MD,20850,Family Medicine,yes,\"[\"\"ABFM\"\"]\"\n"+
			",Rockville Clinic,301-555-0300,9 Oak Rd,Rockville,MD,20850,,no,\n"+
			"1234567890,Bad NPI,,,,,,,,\n"+
			",,301-555-0000,,,,,,,\n"+
			",,,,,,,,,\n")

	sum, err := New(s).ImportFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Rows)
	assert.Equal(t, 2, sum.Created)
	assert.Equal(t, 0, sum.Updated)
	assert.Equal(t, 2, sum.Skipped)
	require.Len(t, sum.Errors, 2)
	assert.Equal(t, 4, sum.Errors[0].Row)
	assert.Contains(t, sum.Errors[0].Reason, "invalid npi")
	assert.Contains(t, sum.Errors[1].Reason, "neither name nor npi")

	p, err := s.GetProviderByNPI(context.Background(), "1234567893")
	require.NoError(t, err)
	assert.Equal(t, "Jane Smith MD", p.Name)
	assert.Equal(t, "123 Main St", p.AddressLine1)
	assert.Equal(t, "Family Medicine", p.Speciality)
	assert.True(t, p.AcceptingNewPatients)
	assert.JSONEq(t, `["ABFM"]`, string(p.Certifications))
	assert.Equal(t, model.ProviderStatusActive, p.Status)
}

func TestImportFile_UpdatesByNPI(t *testing.T) {
	s := newTestStore(t)
	existing, err := s.UpsertProvider(context.Background(), &model.Provider{
		NPI: "1234567893", Name: "Jane Smith", Phone: "301-555-0100", Email: "jane@example.com",
	})
	require.NoError(t, err)

	path := writeTestFile(t, "update.csv", "npi,phone\n1234567893,301-555-0199\n")
	sum, err := New(s).ImportFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Updated)

	p, err := s.GetProvider(context.Background(), existing.ID)
	require.NoError(t, err)
	assert.Equal(t, "301-555-0199", p.Phone)
	assert.Equal(t, "Jane Smith", p.Name)
	assert.Equal(t, "jane@example.com", p.Email)
}

func TestImportFile_XLSX(t *testing.T) {
	s := newTestStore(t)
	path := createTestXLSX(t, [][]string{
		{"Name", "NPI", "Telehealth"},
		{"Jane Smith", "1245319599", "TRUE"},
	})

	sum, err := New(s).ImportFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Created)
	require.Len(t, sum.Providers, 1)
	assert.True(t, sum.Providers[0].TelehealthAvailable)
}

func TestImportFile_Errors(t *testing.T) {
	s := newTestStore(t)
	im := New(s)

	_, err := im.ImportFile(context.Background(), writeTestFile(t, "p.json", "{}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported file type")

	_, err = im.ImportFile(context.Background(), writeTestFile(t, "empty.csv", ""))
	assert.ErrorIs(t, err, ErrNoHeader)

	_, err = im.ImportFile(context.Background(), writeTestFile(t, "nohdr.csv", "foo,bar\n1,2\n"))
	assert.ErrorIs(t, err, ErrNoHeader)

	_, err = im.ImportFile(context.Background(), writeTestFile(t, "dup.csv", "name,provider_name\na,b\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mapped twice")

	_, err = im.ImportFile(context.Background(), filepath.Join(t.TempDir(), "missing.csv"))
	require.Error(t, err)
}

func TestImportFile_InvalidCertifications(t *testing.T) {
	s := newTestStore(t)
	path := writeTestFile(t, "certs.csv", "name,certifications\nJane,not json\n")

	sum, err := New(s).ImportFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped)
	assert.Contains(t, sum.Errors[0].Reason, "not valid JSON")
}

func TestNormalizeHeader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"Zip Code", "zip_code"},
		{"  NPI ", "npi"},
		{"\ufeffname", "name"},
		{"license-number", "license_number"},
		{"Address.1", "address1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeHeader(tt.in), tt.in)
	}
}
