// Package importer loads directory providers from CSV or XLSX exports and
// source observations from YAML or JSON files.
package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/provider-qa/internal/model"
	"github.com/sells-group/provider-qa/internal/store"
	"github.com/sells-group/provider-qa/pkg/npi"
)

// ErrNoHeader is returned when a file has no usable header row.
var ErrNoHeader = eris.New("importer: missing header row")

// headerAliases maps normalized header names to provider columns.
var headerAliases = map[string]string{
	"npi":                    "npi",
	"npi_number":             "npi",
	"name":                   "name",
	"provider_name":          "name",
	"full_name":              "name",
	"phone":                  "phone",
	"phone_number":           "phone",
	"telephone":              "phone",
	"email":                  "email",
	"website":                "website",
	"url":                    "website",
	"address":                "address_line1",
	"address1":               "address_line1",
	"address_line1":          "address_line1",
	"street":                 "address_line1",
	"street_address":         "address_line1",
	"address2":               "address_line2",
	"address_line2":          "address_line2",
	"suite":                  "address_line2",
	"city":                   "city",
	"state":                  "state",
	"zip":                    "zip",
	"zipcode":                "zip",
	"zip_code":               "zip",
	"postal_code":            "zip",
	"speciality":             "speciality",
	"specialty":              "speciality",
	"license":                "license_number",
	"license_number":         "license_number",
	"license_state":          "license_state",
	"license_status":         "license_status",
	"certification":          "primary_certification",
	"primary_certification":  "primary_certification",
	"certifications":         "certifications",
	"accepting_new_patients": "accepting_new_patients",
	"telehealth":             "telehealth_available",
	"telehealth_available":   "telehealth_available",
}

// RowError describes a row that was skipped.
type RowError struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

// Summary reports the outcome of a provider import.
type Summary struct {
	Rows      int              `json:"rows"`
	Created   int              `json:"created"`
	Updated   int              `json:"updated"`
	Skipped   int              `json:"skipped"`
	Errors    []RowError       `json:"errors,omitempty"`
	Providers []model.Provider `json:"-"`
}

// Importer writes imported rows to the store.
type Importer struct {
	store store.Store
}

// New creates an Importer.
func New(st store.Store) *Importer {
	return &Importer{store: st}
}

// ImportFile imports providers from a .csv, .tsv or .xlsx file.
func (im *Importer) ImportFile(ctx context.Context, path string) (*Summary, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		rows, errs := StreamXLSX(ctx, path, XLSXOptions{})
		return im.Import(ctx, rows, errs)
	case ".csv", ".tsv":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "importer: open %s", path)
		}
		defer f.Close() //nolint:errcheck

		opts := CSVOptions{LazyQuotes: true}
		if strings.EqualFold(filepath.Ext(path), ".tsv") {
			opts.Delimiter = '\t'
		}
		rows, errs := StreamCSV(ctx, f, opts)
		return im.Import(ctx, rows, errs)
	default:
		return nil, eris.Errorf("importer: unsupported file type %q", filepath.Ext(path))
	}
}

// Import consumes a row stream whose first row is the header. Providers
// are matched on NPI: a known NPI updates the existing record in the
// mapped columns only. Bad rows are skipped and reported.
func (im *Importer) Import(ctx context.Context, rows <-chan []string, errs <-chan error) (*Summary, error) {
	header, ok := <-rows
	if !ok {
		if err := <-errs; err != nil {
			return nil, err
		}
		return nil, ErrNoHeader
	}
	columns, err := mapHeader(header)
	if err != nil {
		drain(rows)
		return nil, err
	}

	sum := &Summary{}
	line := 1
	for row := range rows {
		line++
		if blank(row) {
			continue
		}
		sum.Rows++

		created, p, err := im.importRow(ctx, columns, row)
		if err != nil {
			if ctx.Err() != nil {
				drain(rows)
				return sum, eris.Wrap(ctx.Err(), "importer: cancelled")
			}
			sum.Skipped++
			sum.Errors = append(sum.Errors, RowError{Row: line, Reason: err.Error()})
			zap.L().Warn("importer: row skipped", zap.Int("row", line), zap.Error(err))
			continue
		}
		if created {
			sum.Created++
		} else {
			sum.Updated++
		}
		sum.Providers = append(sum.Providers, *p)
	}
	if err := <-errs; err != nil {
		return sum, err
	}

	zap.L().Info("importer: providers imported",
		zap.Int("rows", sum.Rows),
		zap.Int("created", sum.Created),
		zap.Int("updated", sum.Updated),
		zap.Int("skipped", sum.Skipped),
	)
	return sum, nil
}

func (im *Importer) importRow(ctx context.Context, columns map[int]string, row []string) (bool, *model.Provider, error) {
	values := make(map[string]string, len(columns))
	for i, col := range columns {
		if i < len(row) {
			values[col] = row[i]
		}
	}

	number := values["npi"]
	if number != "" && !npi.ValidNumber(number) {
		return false, nil, eris.Errorf("invalid npi %q", number)
	}

	p := &model.Provider{}
	created := true
	if number != "" {
		existing, err := im.store.GetProviderByNPI(ctx, number)
		switch {
		case err == nil:
			p, created = existing, false
		case !errors.Is(err, store.ErrNotFound):
			return false, nil, eris.Wrapf(err, "importer: find npi %s", number)
		}
	}
	if err := apply(p, values); err != nil {
		return false, nil, err
	}
	if p.Name == "" && p.NPI == "" {
		return false, nil, eris.New("row has neither name nor npi")
	}

	saved, err := im.store.UpsertProvider(ctx, p)
	if err != nil {
		return false, nil, err
	}
	return created, saved, nil
}

// apply sets every mapped value on p.
func apply(p *model.Provider, values map[string]string) error {
	for col, v := range values {
		switch col {
		case "npi":
			p.NPI = v
		case "name":
			p.Name = v
		case "phone":
			p.Phone = v
		case "email":
			p.Email = v
		case "website":
			p.Website = v
		case "address_line1":
			p.AddressLine1 = v
		case "address_line2":
			p.AddressLine2 = v
		case "city":
			p.City = v
		case "state":
			p.State = v
		case "zip":
			p.Zip = v
		case "speciality":
			p.Speciality = v
		case "license_number":
			p.LicenseNumber = v
		case "license_state":
			p.LicenseState = v
		case "license_status":
			p.LicenseStatus = v
		case "primary_certification":
			p.PrimaryCertification = v
		case "certifications":
			if v == "" {
				p.Certifications = nil
				continue
			}
			if !json.Valid([]byte(v)) {
				return eris.Errorf("certifications is not valid JSON: %q", v)
			}
			p.Certifications = json.RawMessage(v)
		case "accepting_new_patients":
			p.AcceptingNewPatients = model.Truthy(v)
		case "telehealth_available":
			p.TelehealthAvailable = model.Truthy(v)
		}
	}
	return nil
}

// mapHeader returns the provider column for each recognized header cell.
func mapHeader(header []string) (map[int]string, error) {
	columns := make(map[int]string)
	seen := make(map[string]bool)
	for i, h := range header {
		col, ok := headerAliases[normalizeHeader(h)]
		if !ok {
			continue
		}
		if seen[col] {
			return nil, eris.Errorf("importer: column %s mapped twice (header %q)", col, h)
		}
		seen[col] = true
		columns[i] = col
	}
	if !seen["name"] && !seen["npi"] {
		return nil, eris.Wrap(ErrNoHeader, fmt.Sprintf("need a name or npi column, got %v", header))
	}
	return columns, nil
}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	return strings.NewReplacer(" ", "_", "-", "_", ".", "").Replace(h)
}

func blank(row []string) bool {
	for _, c := range row {
		if c != "" {
			return false
		}
	}
	return true
}

func drain(rows <-chan []string) {
	for range rows {
	}
}
