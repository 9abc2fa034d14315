package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/tender-cli/internal/db"
	"github.com/sells-group/tender-cli/internal/model"
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

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(1)
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
CREATE TABLE IF NOT EXISTS cases (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	reference         TEXT NOT NULL UNIQUE,
	title             TEXT NOT NULL DEFAULT '',
	external_deadline TIMESTAMPTZ,
	status            TEXT NOT NULL DEFAULT 'pending',
	listing_at        TIMESTAMPTZ,
	deep_at           TIMESTAMPTZ,
	last_summary      JSONB,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	case_id    TEXT NOT NULL REFERENCES cases(id) ON DELETE CASCADE,
	filename   TEXT NOT NULL,
	text       TEXT NOT NULL,
	page_count INTEGER NOT NULL DEFAULT 0,
	type       TEXT NOT NULL DEFAULT 'unknown',
	position   INTEGER NOT NULL,
	issued_at  TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS provenance_fields (
	case_id         TEXT NOT NULL REFERENCES cases(id) ON DELETE CASCADE,
	field_name      TEXT NOT NULL,
	value           TEXT NOT NULL,
	value_type      TEXT NOT NULL,
	document_id     TEXT,
	confidence      DOUBLE PRECISION NOT NULL CHECK (confidence BETWEEN 0 AND 1),
	source_location TEXT NOT NULL DEFAULT '',
	origin          TEXT NOT NULL,
	is_verified     BOOLEAN NOT NULL DEFAULT false,
	verified_at     TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (case_id, field_name)
);

CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status);
CREATE INDEX IF NOT EXISTS idx_cases_pending ON cases(created_at) WHERE listing_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_documents_case_id ON documents(case_id, position);
`

// fieldUpsert merges batch rows into provenance_fields, leaving verified and
// non-batch rows alone.
var fieldUpsert = db.UpsertConfig{
	Table: "provenance_fields",
	Columns: []string{
		"case_id", "field_name", "value", "value_type", "document_id", "confidence",
		"source_location", "origin", "created_at", "updated_at",
	},
	ConflictKeys: []string{"case_id", "field_name"},
	UpdateCols: []string{
		"value", "value_type", "document_id", "confidence", "source_location", "origin", "updated_at",
	},
	UpdateWhere: "provenance_fields.is_verified = false AND provenance_fields.origin IN ('ai', 'external')",
}

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

func (s *PostgresStore) CreateCase(ctx context.Context, c model.Case) (*model.Case, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.Status = model.CaseStatusPending
	c.CreatedAt = now()
	c.UpdatedAt = c.CreatedAt

	_, err := s.pool.Exec(ctx,
		`INSERT INTO cases (id, reference, title, external_deadline, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.Reference, c.Title, c.ExternalDeadline, string(c.Status), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert case %s", c.Reference)
	}
	return &c, nil
}

func (s *PostgresStore) GetCase(ctx context.Context, id string) (*model.Case, error) {
	c, err := pgScanCase(s.pool.QueryRow(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "case %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get case %s", id)
	}
	return c, nil
}

func (s *PostgresStore) ListCases(ctx context.Context, filter CaseFilter) ([]model.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}
	return s.queryCases(ctx, "list cases", query, args...)
}

func (s *PostgresStore) ListPending(ctx context.Context, phase model.Phase, limit int) ([]model.Case, error) {
	if limit <= 0 {
		limit = pendingLimit
	}
	query := fmt.Sprintf(`SELECT %s FROM cases WHERE %s IS NULL AND status NOT IN ($1, $2)`, caseColumns, phaseColumn(phase))
	if phase == model.PhaseDeep {
		query += ` AND listing_at IS NOT NULL`
	}
	query += ` ORDER BY created_at ASC LIMIT $3`
	return s.queryCases(ctx, "list pending", query, string(model.CaseStatusExtracting), string(model.CaseStatusReconciled), limit)
}

func (s *PostgresStore) queryCases(ctx context.Context, op, query string, args ...any) ([]model.Case, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s", op)
	}
	defer rows.Close()

	var out []model.Case
	for rows.Next() {
		c, err := pgScanCase(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: %s scan", op)
		}
		out = append(out, *c)
	}
	return out, eris.Wrapf(rows.Err(), "postgres: %s iterate", op)
}

func (s *PostgresStore) UpdateCaseStatus(ctx context.Context, id string, status model.CaseStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE cases SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), now(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update case status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "case %s", id)
	}
	return nil
}

func (s *PostgresStore) ClaimCase(ctx context.Context, id string, staleBefore time.Time) error {
	args := append([]any{string(model.CaseStatusClassified), now(), id}, runningStatuses...)
	args = append(args, staleBefore.UTC())
	tag, err := s.pool.Exec(ctx,
		`UPDATE cases SET status = $1, updated_at = $2
		 WHERE id = $3 AND (status NOT IN ($4, $5, $6) OR updated_at < $7)`,
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: claim case %s", id)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetCase(ctx, id); err != nil {
		return err
	}
	return eris.Wrapf(ErrCaseClaimed, "case %s", id)
}

func (s *PostgresStore) AddDocument(ctx context.Context, doc model.SourceDocument) (*model.SourceDocument, error) {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if doc.Type == "" {
		doc.Type = model.DocumentUnknown
	}
	doc.CreatedAt = now()

	err := s.pool.QueryRow(ctx,
		`INSERT INTO documents (id, case_id, filename, text, page_count, type, position, issued_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, (SELECT COALESCE(MAX(position), -1) + 1 FROM documents WHERE case_id = $2), $7, $8)
		 RETURNING position`,
		doc.ID, doc.CaseID, doc.Filename, doc.Text, doc.PageCount, string(doc.Type), doc.IssuedAt, doc.CreatedAt,
	).Scan(&doc.Position)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert document %s", doc.Filename)
	}
	return &doc, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, caseID string) ([]model.SourceDocument, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE case_id = $1 ORDER BY position`, caseID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list documents %s", caseID)
	}
	defer rows.Close()

	var out []model.SourceDocument
	for rows.Next() {
		var d model.SourceDocument
		if err := rows.Scan(&d.ID, &d.CaseID, &d.Filename, &d.Text, &d.PageCount, &d.Type, &d.Position, &d.IssuedAt, &d.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan document")
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list documents iterate")
}

func (s *PostgresStore) SetDocumentType(ctx context.Context, id string, t model.DocumentType) error {
	tag, err := s.pool.Exec(ctx, `UPDATE documents SET type = $1 WHERE id = $2`, string(t), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: set document type %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "document %s", id)
	}
	return nil
}

func (s *PostgresStore) ListFields(ctx context.Context, caseID string) ([]model.ProvenanceField, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+fieldColumns+` FROM provenance_fields WHERE case_id = $1 ORDER BY field_name`, caseID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list fields %s", caseID)
	}
	defer rows.Close()

	var out []model.ProvenanceField
	for rows.Next() {
		f, err := pgScanField(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan field")
		}
		out = append(out, *f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list fields iterate")
}

func (s *PostgresStore) GetField(ctx context.Context, caseID, name string) (*model.ProvenanceField, error) {
	f, err := pgScanField(s.pool.QueryRow(ctx,
		`SELECT `+fieldColumns+` FROM provenance_fields WHERE case_id = $1 AND field_name = $2`, caseID, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "field %s of case %s", name, caseID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get field %s", name)
	}
	return f, nil
}

func (s *PostgresStore) CommitBatch(ctx context.Context, b model.Batch) error {
	summary, err := json.Marshal(b.Summary)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal summary")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin batch")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if b.ReplaceAI {
		query, args := pgDeleteAISQL, []any{b.CaseID}
		if len(b.Owned) > 0 {
			query += ` AND field_name = ANY($2)`
			args = append(args, b.Owned)
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return eris.Wrapf(err, "postgres: purge fields %s", b.CaseID)
		}
	}

	ts := now()
	rows := make([][]any, len(b.Fields))
	for i, f := range b.Fields {
		rows[i] = []any{
			b.CaseID, f.FieldName, f.Value, string(f.ValueType), f.DocumentID, f.Confidence,
			f.SourceLocation, string(f.Origin), ts, ts,
		}
	}
	if _, err := db.UpsertTx(ctx, tx, fieldUpsert, rows); err != nil {
		return eris.Wrapf(err, "postgres: upsert fields %s", b.CaseID)
	}

	var phaseAt *time.Time
	if b.Status == model.CaseStatusCompleted {
		phaseAt = &ts
	}
	tag, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE cases SET status = $1, last_summary = $2, %[1]s = COALESCE($3, %[1]s), updated_at = $4 WHERE id = $5`, phaseColumn(b.Phase)),
		string(b.Status), summary, phaseAt, ts, b.CaseID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update case %s", b.CaseID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "case %s", b.CaseID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit batch")
}

const pgDeleteAISQL = `DELETE FROM provenance_fields WHERE case_id = $1 AND is_verified = false AND origin IN ('ai', 'external')`

func (s *PostgresStore) DeleteAIFields(ctx context.Context, caseID string) (int, error) {
	tag, err := s.pool.Exec(ctx, pgDeleteAISQL, caseID)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: delete ai fields %s", caseID)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) VerifyField(ctx context.Context, caseID, name string, value *string) error {
	ts := now()
	query := `UPDATE provenance_fields SET is_verified = true, verified_at = $1, updated_at = $1`
	args := []any{ts}
	if value != nil {
		query += `, value = $2, origin = $3 WHERE case_id = $4 AND field_name = $5`
		args = append(args, *value, string(model.OriginManual), caseID, name)
	} else {
		query += ` WHERE case_id = $2 AND field_name = $3`
		args = append(args, caseID, name)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: verify field %s", name)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "field %s of case %s", name, caseID)
	}
	return nil
}

func pgScanCase(row pgx.Row) (*model.Case, error) {
	var (
		c       model.Case
		summary []byte
	)
	if err := row.Scan(&c.ID, &c.Reference, &c.Title, &c.ExternalDeadline, &c.Status,
		&c.ListingAt, &c.DeepAt, &summary, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if len(summary) > 0 {
		c.LastSummary = &model.RunSummary{}
		if err := json.Unmarshal(summary, c.LastSummary); err != nil {
			return nil, eris.Wrap(err, "unmarshal last summary")
		}
	}
	return &c, nil
}

func pgScanField(row pgx.Row) (*model.ProvenanceField, error) {
	var f model.ProvenanceField
	if err := row.Scan(&f.CaseID, &f.FieldName, &f.Value, &f.ValueType, &f.DocumentID, &f.Confidence,
		&f.SourceLocation, &f.Origin, &f.IsVerified, &f.VerifiedAt, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	return &f, nil
}
