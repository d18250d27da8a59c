// Package store persists providers, source observations, validation runs
// and issues.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/provider-qa/internal/model"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrConflict is returned when a conditional update finds the row in an
	// unexpected state.
	ErrConflict = eris.New("store: state conflict")
	// ErrInvalidColumn is returned for a provider column outside the
	// writable allow-list.
	ErrInvalidColumn = eris.New("store: invalid provider column")
)

// ProviderFilter specifies criteria for listing providers.
type ProviderFilter struct {
	Status model.ProviderStatus `json:"status,omitempty"`
	Limit  int                  `json:"limit,omitempty"`
	Offset int                  `json:"offset,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// IssueFilter specifies criteria for listing and counting issues.
type IssueFilter struct {
	RunID      string            `json:"run_id,omitempty"`
	ProviderID string            `json:"provider_id,omitempty"`
	Status     model.IssueStatus `json:"status,omitempty"`
	Limit      int               `json:"limit,omitempty"`
	Offset     int               `json:"offset,omitempty"`
}

// Store defines the persistence interface for the validation engine.
type Store interface {
	// Providers
	UpsertProvider(ctx context.Context, p *model.Provider) (*model.Provider, error)
	GetProvider(ctx context.Context, id string) (*model.Provider, error)
	GetProviderByNPI(ctx context.Context, npi string) (*model.Provider, error)
	ListProviders(ctx context.Context, filter ProviderFilter) ([]model.Provider, error)
	UpdateProviderColumn(ctx context.Context, id, column string, value any, status model.ProviderStatus, at time.Time) error
	SetProviderStatus(ctx context.Context, id string, status model.ProviderStatus) error
	DeleteProvider(ctx context.Context, id string) error

	// Observations
	AddObservations(ctx context.Context, obs []model.SourceObservation) error
	LatestObservations(ctx context.Context, providerID string) ([]model.SourceObservation, error)

	// Runs
	CreateRun(ctx context.Context, total int) (*model.ValidationRun, error)
	GetRun(ctx context.Context, id string) (*model.ValidationRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.ValidationRun, error)
	UpdateRunProgress(ctx context.Context, id string, processed, success, needsReview int) error
	UpdateRunCounters(ctx context.Context, id string, success, needsReview int) error
	CompleteRun(ctx context.Context, id string, at time.Time) error
	DeleteRun(ctx context.Context, id string) error

	// Issues
	InsertIssues(ctx context.Context, issues []model.Issue) ([]model.Issue, error)
	GetIssue(ctx context.Context, id string) (*model.Issue, error)
	ListIssues(ctx context.Context, filter IssueFilter) ([]model.Issue, error)
	CountIssues(ctx context.Context, filter IssueFilter) (int, error)
	TransitionIssue(ctx context.Context, id string, from, to model.IssueStatus, at time.Time) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

const providerSelect = `SELECT id, npi, name, phone, email, website, address_line1, address_line2,
	city, state, zip, speciality, license_number, license_state, license_status,
	primary_certification, certifications, accepting_new_patients, telehealth_available,
	status, created_at, updated_at FROM providers`

const observationSelect = `SELECT id, provider_id, source_type, found, payload, created_at FROM source_observations`

const runSelect = `SELECT id, started_at, completed_at, total_providers, processed, success_count, needs_review_count FROM validation_runs`

const issueSelect = `SELECT id, provider_id, run_id, field_name, old_value, suggested_value, confidence,
	severity, action, source_type, status, created_at, resolved_at FROM issues`

// observationColumns is the column order used for bulk observation inserts.
var observationColumns = []string{"id", "provider_id", "source_type", "found", "payload", "created_at"}

// columnValue converts a coerced value into the storage form of column.
func columnValue(column string, value any) (any, error) {
	kind, ok := model.ProviderColumns[column]
	if !ok {
		return nil, eris.Wrapf(ErrInvalidColumn, "column %q", column)
	}
	switch kind {
	case model.ColumnBool:
		b, ok := value.(bool)
		if !ok {
			return nil, eris.Errorf("store: column %s wants bool, got %T", column, value)
		}
		return b, nil
	case model.ColumnJSON:
		if value == nil {
			return nil, nil
		}
		if raw, ok := value.(json.RawMessage); ok {
			return string(raw), nil
		}
		out, err := json.Marshal(value)
		if err != nil {
			return nil, eris.Wrapf(err, "store: encode %s", column)
		}
		return string(out), nil
	}
	switch t := value.(type) {
	case string:
		return t, nil
	case nil:
		return "", nil
	default:
		return fmt.Sprint(t), nil
	}
}

// certificationsValue returns the storage form of the certifications column.
func certificationsValue(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func encodePayload(payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return "", eris.Wrap(err, "store: encode payload")
	}
	return string(out), nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanProvider(row scannable) (*model.Provider, error) {
	var p model.Provider
	var certs sql.NullString
	err := row.Scan(&p.ID, &p.NPI, &p.Name, &p.Phone, &p.Email, &p.Website,
		&p.AddressLine1, &p.AddressLine2, &p.City, &p.State, &p.Zip,
		&p.Speciality, &p.LicenseNumber, &p.LicenseState, &p.LicenseStatus,
		&p.PrimaryCertification, &certs, &p.AcceptingNewPatients, &p.TelehealthAvailable,
		&p.Status, &p.CreatedAt, &p.UpdatedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan provider")
	}
	if certs.Valid && certs.String != "" {
		p.Certifications = json.RawMessage(certs.String)
	}
	return &p, nil
}

func scanObservation(row scannable) (*model.SourceObservation, error) {
	var o model.SourceObservation
	var payload string
	if err := row.Scan(&o.ID, &o.ProviderID, &o.SourceType, &o.Found, &payload, &o.CreatedAt); err != nil {
		return nil, eris.Wrap(err, "store: scan observation")
	}
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &o.Payload); err != nil {
			return nil, eris.Wrapf(err, "store: decode payload of observation %s", o.ID)
		}
	}
	return &o, nil
}

func scanRun(row scannable) (*model.ValidationRun, error) {
	var r model.ValidationRun
	err := row.Scan(&r.ID, &r.StartedAt, &r.CompletedAt, &r.TotalProviders,
		&r.Processed, &r.SuccessCount, &r.NeedsReviewCount)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan run")
	}
	return &r, nil
}

func scanIssue(row scannable) (*model.Issue, error) {
	var is model.Issue
	err := row.Scan(&is.ID, &is.ProviderID, &is.RunID, &is.FieldName, &is.OldValue,
		&is.SuggestedValue, &is.Confidence, &is.Severity, &is.Action, &is.SourceType,
		&is.Status, &is.CreatedAt, &is.ResolvedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan issue")
	}
	return &is, nil
}

// sortObservations orders the latest observations by source priority.
func sortObservations(latest map[model.SourceType]model.SourceObservation) []model.SourceObservation {
	out := make([]model.SourceObservation, 0, len(latest))
	for _, st := range model.KnownSourceTypes {
		if o, ok := latest[st]; ok {
			out = append(out, o)
		}
	}
	return out
}
