package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/provider-qa/internal/db"
	"github.com/sells-group/provider-qa/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// pgProviderSelect reads certifications as text so the shared scanner can
// treat both backends alike.
var pgProviderSelect = strings.Replace(providerSelect, "certifications,", "certifications::text,", 1)

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS providers (
	id                     TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
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
	certifications         JSONB,
	accepting_new_patients BOOLEAN NOT NULL DEFAULT false,
	telehealth_available   BOOLEAN NOT NULL DEFAULT false,
	status                 TEXT NOT NULL DEFAULT 'ACTIVE',
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS source_observations (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	provider_id TEXT NOT NULL REFERENCES providers(id) ON DELETE CASCADE,
	source_type TEXT NOT NULL,
	found       BOOLEAN NOT NULL DEFAULT false,
	payload     JSONB NOT NULL DEFAULT '{}',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS validation_runs (
	id                 TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	started_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at       TIMESTAMPTZ,
	total_providers    INTEGER NOT NULL DEFAULT 0,
	processed          INTEGER NOT NULL DEFAULT 0,
	success_count      INTEGER NOT NULL DEFAULT 0,
	needs_review_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS issues (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	provider_id     TEXT NOT NULL REFERENCES providers(id) ON DELETE CASCADE,
	run_id          TEXT NOT NULL REFERENCES validation_runs(id) ON DELETE CASCADE,
	field_name      TEXT NOT NULL,
	old_value       TEXT NOT NULL DEFAULT '',
	suggested_value TEXT,
	confidence      DOUBLE PRECISION NOT NULL,
	severity        TEXT NOT NULL,
	action          TEXT NOT NULL,
	source_type     TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'OPEN',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	resolved_at     TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_providers_npi ON providers(npi) WHERE npi <> '';
CREATE INDEX IF NOT EXISTS idx_providers_status ON providers(status);
CREATE INDEX IF NOT EXISTS idx_observations_provider ON source_observations(provider_id, source_type, created_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_issues_open_field ON issues(provider_id, field_name) WHERE status = 'OPEN';
CREATE INDEX IF NOT EXISTS idx_issues_run_status ON issues(run_id, status);
CREATE INDEX IF NOT EXISTS idx_issues_provider_status ON issues(provider_id, status);
`

// Ping checks that the pool can still run a statement.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- providers ---

func (s *PostgresStore) UpsertProvider(ctx context.Context, p *model.Provider) (*model.Provider, error) {
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

	_, err := s.pool.Exec(ctx,
		`INSERT INTO providers (id, npi, name, phone, email, website, address_line1, address_line2,
			city, state, zip, speciality, license_number, license_state, license_status,
			primary_certification, certifications, accepting_new_patients, telehealth_available,
			status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		 ON CONFLICT (id) DO UPDATE SET
			npi = EXCLUDED.npi, name = EXCLUDED.name, phone = EXCLUDED.phone,
			email = EXCLUDED.email, website = EXCLUDED.website,
			address_line1 = EXCLUDED.address_line1, address_line2 = EXCLUDED.address_line2,
			city = EXCLUDED.city, state = EXCLUDED.state, zip = EXCLUDED.zip,
			speciality = EXCLUDED.speciality, license_number = EXCLUDED.license_number,
			license_state = EXCLUDED.license_state, license_status = EXCLUDED.license_status,
			primary_certification = EXCLUDED.primary_certification,
			certifications = EXCLUDED.certifications,
			accepting_new_patients = EXCLUDED.accepting_new_patients,
			telehealth_available = EXCLUDED.telehealth_available,
			status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		out.ID, out.NPI, out.Name, out.Phone, out.Email, out.Website, out.AddressLine1, out.AddressLine2,
		out.City, out.State, out.Zip, out.Speciality, out.LicenseNumber, out.LicenseState, out.LicenseStatus,
		out.PrimaryCertification, certificationsValue(out.Certifications), out.AcceptingNewPatients,
		out.TelehealthAvailable, string(out.Status), out.CreatedAt, out.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert provider %s", out.ID)
	}
	return &out, nil
}

func (s *PostgresStore) GetProvider(ctx context.Context, id string) (*model.Provider, error) {
	p, err := scanProvider(s.pool.QueryRow(ctx, pgProviderSelect+` WHERE id = $1`, id))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get provider %s", id)
	}
	return p, nil
}

func (s *PostgresStore) GetProviderByNPI(ctx context.Context, npi string) (*model.Provider, error) {
	p, err := scanProvider(s.pool.QueryRow(ctx, pgProviderSelect+` WHERE npi = $1 AND npi <> ''`, npi))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get provider by npi %s", npi)
	}
	return p, nil
}

func (s *PostgresStore) ListProviders(ctx context.Context, filter ProviderFilter) ([]model.Provider, error) {
	query := pgProviderSelect + ` WHERE 1=1`
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	args = append(args, limitOrDefault(filter.Limit))
	query += fmt.Sprintf(` ORDER BY created_at, id LIMIT $%d`, len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list providers")
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
	return out, eris.Wrap(rows.Err(), "postgres: list providers iterate")
}

func (s *PostgresStore) UpdateProviderColumn(ctx context.Context, id, column string, value any, status model.ProviderStatus, at time.Time) error {
	v, err := columnValue(column, value)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE providers SET %s = $1, status = $2, updated_at = $3 WHERE id = $4`, pgx.Identifier{column}.Sanitize()),
		v, string(status), at.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update provider %s column %s", id, column)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "provider %s", id)
	}
	return nil
}

func (s *PostgresStore) SetProviderStatus(ctx context.Context, id string, status model.ProviderStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE providers SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set provider status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "provider %s", id)
	}
	return nil
}

// DeleteProvider removes the provider; observations and issues follow by
// ON DELETE CASCADE.
func (s *PostgresStore) DeleteProvider(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM providers WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete provider %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "provider %s", id)
	}
	return nil
}

// --- observations ---

func (s *PostgresStore) AddObservations(ctx context.Context, obs []model.SourceObservation) error {
	if len(obs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([][]any, 0, len(obs))
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
		rows = append(rows, []any{o.ID, o.ProviderID, string(o.SourceType), o.Found, payload, o.CreatedAt.UTC()})
	}
	_, err := db.CopyRows(ctx, s.pool, "source_observations", observationColumns, rows)
	return eris.Wrap(err, "postgres: add observations")
}

func (s *PostgresStore) LatestObservations(ctx context.Context, providerID string) ([]model.SourceObservation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (source_type) id, provider_id, source_type, found, payload::text, created_at
		 FROM source_observations WHERE provider_id = $1
		 ORDER BY source_type, created_at DESC`, providerID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: latest observations for %s", providerID)
	}
	defer rows.Close()

	latest := make(map[model.SourceType]model.SourceObservation)
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		latest[o.SourceType] = *o
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: latest observations iterate")
	}
	return sortObservations(latest), nil
}

// --- runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, total int) (*model.ValidationRun, error) {
	run := &model.ValidationRun{
		ID:             uuid.New().String(),
		StartedAt:      time.Now().UTC(),
		TotalProviders: total,
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO validation_runs (id, started_at, total_providers) VALUES ($1, $2, $3)`,
		run.ID, run.StartedAt, run.TotalProviders,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}
	return run, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.ValidationRun, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, runSelect+` WHERE id = $1`, id))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", id)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.ValidationRun, error) {
	query := runSelect + ` ORDER BY started_at DESC LIMIT $1`
	args := []any{limitOrDefault(filter.Limit)}
	if filter.Offset > 0 {
		query += ` OFFSET $2`
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
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
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) UpdateRunProgress(ctx context.Context, id string, processed, success, needsReview int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE validation_runs SET processed = $1, success_count = $2, needs_review_count = $3 WHERE id = $4`,
		processed, success, needsReview, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run progress %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", id)
	}
	return nil
}

func (s *PostgresStore) UpdateRunCounters(ctx context.Context, id string, success, needsReview int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE validation_runs SET success_count = $1, needs_review_count = $2 WHERE id = $3`,
		success, needsReview, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run counters %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", id)
	}
	return nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE validation_runs SET completed_at = COALESCE(completed_at, $1) WHERE id = $2`,
		at.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", id)
	}
	return nil
}

// DeleteRun removes the run; its issues follow by ON DELETE CASCADE.
func (s *PostgresStore) DeleteRun(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM validation_runs WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete run %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", id)
	}
	return nil
}

// --- issues ---

// InsertIssues stores issues as OPEN with the same per-(provider, field)
// dedup as SQLiteStore.InsertIssues. The open row is locked FOR UPDATE so
// concurrent writers serialize on it.
func (s *PostgresStore) InsertIssues(ctx context.Context, issues []model.Issue) ([]model.Issue, error) {
	if len(issues) == 0 {
		return nil, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin insert issues")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	var inserted []model.Issue
	for _, is := range issues {
		var openID string
		var openConf float64
		err := tx.QueryRow(ctx,
			`SELECT id, confidence FROM issues WHERE provider_id = $1 AND field_name = $2 AND status = 'OPEN' FOR UPDATE`,
			is.ProviderID, is.FieldName,
		).Scan(&openID, &openConf)
		switch {
		case err == nil && openConf >= is.Confidence:
			continue
		case err == nil:
			if _, err := tx.Exec(ctx,
				`UPDATE issues SET status = 'REJECTED', resolved_at = $1 WHERE id = $2`, now, openID,
			); err != nil {
				return nil, eris.Wrapf(err, "postgres: supersede issue %s", openID)
			}
		case !isNoRows(err):
			return nil, eris.Wrap(err, "postgres: find open issue")
		}

		is.ID = uuid.New().String()
		is.Status = model.IssueOpen
		is.CreatedAt = now
		is.ResolvedAt = nil
		if _, err := tx.Exec(ctx,
			`INSERT INTO issues (id, provider_id, run_id, field_name, old_value, suggested_value,
				confidence, severity, action, source_type, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			is.ID, is.ProviderID, is.RunID, is.FieldName, is.OldValue, nullableString(is.SuggestedValue),
			is.Confidence, string(is.Severity), string(is.Action), string(is.SourceType),
			string(is.Status), is.CreatedAt,
		); err != nil {
			return nil, eris.Wrapf(err, "postgres: insert issue %s/%s", is.ProviderID, is.FieldName)
		}
		inserted = append(inserted, is)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit insert issues")
	}
	return inserted, nil
}

func (s *PostgresStore) GetIssue(ctx context.Context, id string) (*model.Issue, error) {
	is, err := scanIssue(s.pool.QueryRow(ctx, issueSelect+` WHERE id = $1`, id))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get issue %s", id)
	}
	return is, nil
}

func (s *PostgresStore) ListIssues(ctx context.Context, filter IssueFilter) ([]model.Issue, error) {
	where, args := postgresIssueWhere(filter)
	args = append(args, limitOrDefault(filter.Limit))
	query := issueSelect + where + fmt.Sprintf(` ORDER BY created_at, field_name, id LIMIT $%d`, len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list issues")
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
	return out, eris.Wrap(rows.Err(), "postgres: list issues iterate")
}

func (s *PostgresStore) CountIssues(ctx context.Context, filter IssueFilter) (int, error) {
	where, args := postgresIssueWhere(filter)
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM issues`+where, args...).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "postgres: count issues")
	}
	return n, nil
}

func (s *PostgresStore) TransitionIssue(ctx context.Context, id string, from, to model.IssueStatus, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE issues SET status = $1, resolved_at = $2 WHERE id = $3 AND status = $4`,
		string(to), at.UTC(), id, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: transition issue %s", id)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetIssue(ctx, id); err != nil {
		return err
	}
	return eris.Wrapf(ErrConflict, "issue %s is not %s", id, from)
}

func postgresIssueWhere(filter IssueFilter) (string, []any) {
	where := ` WHERE 1=1`
	var args []any
	if filter.RunID != "" {
		args = append(args, filter.RunID)
		where += fmt.Sprintf(` AND run_id = $%d`, len(args))
	}
	if filter.ProviderID != "" {
		args = append(args, filter.ProviderID)
		where += fmt.Sprintf(` AND provider_id = $%d`, len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	return where, args
}
