package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/provider-qa/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS providers (
	id                     TEXT PRIMARY KEY,
	npi                    TEXT NOT NULL DEFAULT '',
	name                   TEXT NOT NULL DEFAULT '',
	phone                  TEXT NOT NULL DEFAULT '',
	email                  TEXT NOT NULL DEFAULT '',
	website                TEXT NOT NULL DEFAULT '',
	address_line1          TEXT NOT NULL DEFAULT '',
	address_line2          TEXT NOT NULL DEFAULT '',
	city                   TEXT NOT NULL DEFAULT '',
	state                  TEXT NOT NULL DEFAULT '',
	zip                    TEXT NOT NULL DEFAULT '',
	speciality             TEXT NOT NULL DEFAULT '',
	license_number         TEXT NOT NULL DEFAULT '',
	license_state          TEXT NOT NULL DEFAULT '',
	license_status         TEXT NOT NULL DEFAULT '',
	primary_certification  TEXT NOT NULL DEFAULT '',
	certifications         TEXT,
	accepting_new_patients INTEGER NOT NULL DEFAULT 0,
	telehealth_available   INTEGER NOT NULL DEFAULT 0,
	status                 TEXT NOT NULL DEFAULT 'ACTIVE',
	created_at             DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at             DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS source_observations (
	id          TEXT PRIMARY KEY,
	provider_id TEXT NOT NULL REFERENCES providers(id),
	source_type TEXT NOT NULL,
	found       INTEGER NOT NULL DEFAULT 0,
	payload     TEXT NOT NULL DEFAULT '{}',
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS validation_runs (
	id                 TEXT PRIMARY KEY,
	started_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at       DATETIME,
	total_providers    INTEGER NOT NULL DEFAULT 0,
	processed          INTEGER NOT NULL DEFAULT 0,
	success_count      INTEGER NOT NULL DEFAULT 0,
	needs_review_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS issues (
	id              TEXT PRIMARY KEY,
	provider_id     TEXT NOT NULL REFERENCES providers(id),
	run_id          TEXT NOT NULL REFERENCES validation_runs(id),
	field_name      TEXT NOT NULL,
	old_value       TEXT NOT NULL DEFAULT '',
	suggested_value TEXT,
	confidence      REAL NOT NULL,
	severity        TEXT NOT NULL,
	action          TEXT NOT NULL,
	source_type     TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'OPEN',
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	resolved_at     DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_providers_npi ON providers(npi) WHERE npi <> '';
CREATE INDEX IF NOT EXISTS idx_providers_status ON providers(status);
CREATE INDEX IF NOT EXISTS idx_observations_provider ON source_observations(provider_id, source_type, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_issues_open_field ON issues(provider_id, field_name) WHERE status = 'OPEN';
CREATE INDEX IF NOT EXISTS idx_issues_run_status ON issues(run_id, status);
CREATE INDEX IF NOT EXISTS idx_issues_provider_status ON issues(provider_id, status);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- providers ---

func (s *SQLiteStore) UpsertProvider(ctx context.Context, p *model.Provider) (*model.Provider, error) {
	out := *p
	now := time.Now().UTC()
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	if out.Status == "" {
		out.Status = model.ProviderStatusActive
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	out.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO providers (id, npi, name, phone, email, website, address_line1, address_line2,
			city, state, zip, speciality, license_number, license_state, license_status,
			primary_certification, certifications, accepting_new_patients, telehealth_available,
			status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			npi = excluded.npi, name = excluded.name, phone = excluded.phone,
			email = excluded.email, website = excluded.website,
			address_line1 = excluded.address_line1, address_line2 = excluded.address_line2,
			city = excluded.city, state = excluded.state, zip = excluded.zip,
			speciality = excluded.speciality, license_number = excluded.license_number,
			license_state = excluded.license_state, license_status = excluded.license_status,
			primary_certification = excluded.primary_certification,
			certifications = excluded.certifications,
			accepting_new_patients = excluded.accepting_new_patients,
			telehealth_available = excluded.telehealth_available,
			status = excluded.status, updated_at = excluded.updated_at`,
		out.ID, out.NPI, out.Name, out.Phone, out.Email, out.Website, out.AddressLine1, out.AddressLine2,
		out.City, out.State, out.Zip, out.Speciality, out.LicenseNumber, out.LicenseState, out.LicenseStatus,
		out.PrimaryCertification, certificationsValue(out.Certifications), out.AcceptingNewPatients,
		out.TelehealthAvailable, string(out.Status), out.CreatedAt, out.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: upsert provider %s", out.ID)
	}
	return &out, nil
}

func (s *SQLiteStore) GetProvider(ctx context.Context, id string) (*model.Provider, error) {
	p, err := scanProvider(s.db.QueryRowContext(ctx, providerSelect+` WHERE id = ?`, id))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get provider %s", id)
	}
	return p, nil
}

func (s *SQLiteStore) GetProviderByNPI(ctx context.Context, npi string) (*model.Provider, error) {
	p, err := scanProvider(s.db.QueryRowContext(ctx, providerSelect+` WHERE npi = ? AND npi <> ''`, npi))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get provider by npi %s", npi)
	}
	return p, nil
}

func (s *SQLiteStore) ListProviders(ctx context.Context, filter ProviderFilter) ([]model.Provider, error) {
	query := providerSelect + ` WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at, id LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list providers")
	}
	defer rows.Close()

	var out []model.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list providers iterate")
}

func (s *SQLiteStore) UpdateProviderColumn(ctx context.Context, id, column string, value any, status model.ProviderStatus, at time.Time) error {
	v, err := columnValue(column, value)
	if err != nil {
		return err
	}
	// column is checked against model.ProviderColumns by columnValue.
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE providers SET %s = ?, status = ?, updated_at = ? WHERE id = ?`, column),
		v, string(status), at.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update provider %s column %s", id, column)
	}
	return checkRowsAffected(res, "provider", id)
}

func (s *SQLiteStore) SetProviderStatus(ctx context.Context, id string, status model.ProviderStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE providers SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set provider status %s", id)
	}
	return checkRowsAffected(res, "provider", id)
}

func (s *SQLiteStore) DeleteProvider(ctx context.Context, id string) error {
	return s.inTx(ctx, "delete provider", func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM issues WHERE provider_id = ?`,
			`DELETE FROM source_observations WHERE provider_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return eris.Wrapf(err, "sqlite: cascade provider %s", id)
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM providers WHERE id = ?`, id)
		if err != nil {
			return eris.Wrapf(err, "sqlite: delete provider %s", id)
		}
		return checkRowsAffected(res, "provider", id)
	})
}

// --- observations ---

func (s *SQLiteStore) AddObservations(ctx context.Context, obs []model.SourceObservation) error {
	if len(obs) == 0 {
		return nil
	}
	return s.inTx(ctx, "add observations", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO source_observations (`+strings.Join(observationColumns, ", ")+`) VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare observation insert")
		}
		defer stmt.Close()

		now := time.Now().UTC()
		for _, o := range obs {
			if o.ID == "" {
				o.ID = uuid.New().String()
			}
			if o.CreatedAt.IsZero() {
				o.CreatedAt = now
			}
			payload, err := encodePayload(o.Payload)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, o.ID, o.ProviderID, string(o.SourceType), o.Found, payload, o.CreatedAt.UTC()); err != nil {
				return eris.Wrapf(err, "sqlite: insert observation for provider %s", o.ProviderID)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) LatestObservations(ctx context.Context, providerID string) ([]model.SourceObservation, error) {
	rows, err := s.db.QueryContext(ctx,
		observationSelect+` WHERE provider_id = ? ORDER BY created_at DESC`, providerID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list observations for %s", providerID)
	}
	defer rows.Close()

	var all []model.SourceObservation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		all = append(all, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list observations iterate")
	}
	return sortObservations(model.LatestBySource(all)), nil
}

// --- runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, total int) (*model.ValidationRun, error) {
	run := &model.ValidationRun{
		ID:             uuid.New().String(),
		StartedAt:      time.Now().UTC(),
		TotalProviders: total,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO validation_runs (id, started_at, total_providers) VALUES (?, ?, ?)`,
		run.ID, run.StartedAt, run.TotalProviders,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}
	return run, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.ValidationRun, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, runSelect+` WHERE id = ?`, id))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", id)
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.ValidationRun, error) {
	query := runSelect + ` ORDER BY started_at DESC LIMIT ?`
	args := []any{limitOrDefault(filter.Limit)}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.ValidationRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) UpdateRunProgress(ctx context.Context, id string, processed, success, needsReview int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE validation_runs SET processed = ?, success_count = ?, needs_review_count = ? WHERE id = ?`,
		processed, success, needsReview, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run progress %s", id)
	}
	return checkRowsAffected(res, "run", id)
}

func (s *SQLiteStore) UpdateRunCounters(ctx context.Context, id string, success, needsReview int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE validation_runs SET success_count = ?, needs_review_count = ? WHERE id = ?`,
		success, needsReview, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run counters %s", id)
	}
	return checkRowsAffected(res, "run", id)
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE validation_runs SET completed_at = COALESCE(completed_at, ?) WHERE id = ?`,
		at.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", id)
	}
	return checkRowsAffected(res, "run", id)
}

func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	return s.inTx(ctx, "delete run", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM issues WHERE run_id = ?`, id); err != nil {
			return eris.Wrapf(err, "sqlite: cascade run %s", id)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM validation_runs WHERE id = ?`, id)
		if err != nil {
			return eris.Wrapf(err, "sqlite: delete run %s", id)
		}
		return checkRowsAffected(res, "run", id)
	})
}

// --- issues ---

// InsertIssues stores issues as OPEN. For each (provider, field) an
// already-open issue with equal or higher confidence wins and the new
// candidate is dropped; otherwise the open one is rejected and replaced.
// It returns the issues actually inserted.
func (s *SQLiteStore) InsertIssues(ctx context.Context, issues []model.Issue) ([]model.Issue, error) {
	if len(issues) == 0 {
		return nil, nil
	}
	var inserted []model.Issue
	err := s.inTx(ctx, "insert issues", func(tx *sql.Tx) error {
		now := time.Now().UTC()
		for _, is := range issues {
			var openID string
			var openConf float64
			err := tx.QueryRowContext(ctx,
				`SELECT id, confidence FROM issues WHERE provider_id = ? AND field_name = ? AND status = 'OPEN'`,
				is.ProviderID, is.FieldName,
			).Scan(&openID, &openConf)
			switch {
			case err == nil && openConf >= is.Confidence:
				continue
			case err == nil:
				if _, err := tx.ExecContext(ctx,
					`UPDATE issues SET status = 'REJECTED', resolved_at = ? WHERE id = ?`, now, openID,
				); err != nil {
					return eris.Wrapf(err, "sqlite: supersede issue %s", openID)
				}
			case !isNoRows(err):
				return eris.Wrap(err, "sqlite: find open issue")
			}

			is.ID = uuid.New().String()
			is.Status = model.IssueOpen
			is.CreatedAt = now
			is.ResolvedAt = nil
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO issues (id, provider_id, run_id, field_name, old_value, suggested_value,
					confidence, severity, action, source_type, status, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				is.ID, is.ProviderID, is.RunID, is.FieldName, is.OldValue, nullableString(is.SuggestedValue),
				is.Confidence, string(is.Severity), string(is.Action), string(is.SourceType),
				string(is.Status), is.CreatedAt,
			); err != nil {
				return eris.Wrapf(err, "sqlite: insert issue %s/%s", is.ProviderID, is.FieldName)
			}
			inserted = append(inserted, is)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

func (s *SQLiteStore) GetIssue(ctx context.Context, id string) (*model.Issue, error) {
	is, err := scanIssue(s.db.QueryRowContext(ctx, issueSelect+` WHERE id = ?`, id))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get issue %s", id)
	}
	return is, nil
}

func (s *SQLiteStore) ListIssues(ctx context.Context, filter IssueFilter) ([]model.Issue, error) {
	where, args := sqliteIssueWhere(filter)
	query := issueSelect + where + ` ORDER BY created_at, field_name, id LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list issues")
	}
	defer rows.Close()

	var out []model.Issue
	for rows.Next() {
		is, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *is)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list issues iterate")
}

func (s *SQLiteStore) CountIssues(ctx context.Context, filter IssueFilter) (int, error) {
	where, args := sqliteIssueWhere(filter)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM issues`+where, args...).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "sqlite: count issues")
	}
	return n, nil
}

// TransitionIssue moves an issue from one status to another and stamps
// resolved_at. ErrConflict means the issue exists but was not in from.
func (s *SQLiteStore) TransitionIssue(ctx context.Context, id string, from, to model.IssueStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE issues SET status = ?, resolved_at = ? WHERE id = ? AND status = ?`,
		string(to), at.UTC(), id, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: transition issue %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetIssue(ctx, id); err != nil {
		return err
	}
	return eris.Wrapf(ErrConflict, "issue %s is not %s", id, from)
}

func sqliteIssueWhere(filter IssueFilter) (string, []any) {
	where := ` WHERE 1=1`
	var args []any
	if filter.RunID != "" {
		where += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if filter.ProviderID != "" {
		where += ` AND provider_id = ?`
		args = append(args, filter.ProviderID)
	}
	if filter.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	return where, args
}

// helpers

func (s *SQLiteStore) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrapf(err, "sqlite: begin %s", op)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return eris.Wrapf(tx.Commit(), "sqlite: commit %s", op)
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}
