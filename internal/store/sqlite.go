package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/tender-cli/internal/model"
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
	// Pragmas are per connection and SQLite has a single writer.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS cases (
	id                TEXT PRIMARY KEY,
	reference         TEXT NOT NULL UNIQUE,
	title             TEXT NOT NULL DEFAULT '',
	external_deadline DATETIME,
	status            TEXT NOT NULL DEFAULT 'pending',
	listing_at        DATETIME,
	deep_at           DATETIME,
	last_summary      TEXT,
	created_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	case_id    TEXT NOT NULL REFERENCES cases(id) ON DELETE CASCADE,
	filename   TEXT NOT NULL,
	text       TEXT NOT NULL,
	page_count INTEGER NOT NULL DEFAULT 0,
	type       TEXT NOT NULL DEFAULT 'unknown',
	position   INTEGER NOT NULL,
	issued_at  DATETIME,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS provenance_fields (
	case_id         TEXT NOT NULL REFERENCES cases(id) ON DELETE CASCADE,
	field_name      TEXT NOT NULL,
	value           TEXT NOT NULL,
	value_type      TEXT NOT NULL,
	document_id     TEXT,
	confidence      REAL NOT NULL,
	source_location TEXT NOT NULL DEFAULT '',
	origin          TEXT NOT NULL,
	is_verified     INTEGER NOT NULL DEFAULT 0,
	verified_at     DATETIME,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (case_id, field_name)
);

CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status);
CREATE INDEX IF NOT EXISTS idx_documents_case_id ON documents(case_id, position);
`

const caseColumns = `id, reference, title, external_deadline, status, listing_at, deep_at, last_summary, created_at, updated_at`

const documentColumns = `id, case_id, filename, text, page_count, type, position, issued_at, created_at`

const fieldColumns = `case_id, field_name, value, value_type, document_id, confidence, source_location, origin, is_verified, verified_at, created_at, updated_at`

// Batch upserts never touch verified rows or rows another channel owns.
const sqliteUpsertField = `INSERT INTO provenance_fields (` + fieldColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, ?, ?)
ON CONFLICT (case_id, field_name) DO UPDATE SET
	value = excluded.value,
	value_type = excluded.value_type,
	document_id = excluded.document_id,
	confidence = excluded.confidence,
	source_location = excluded.source_location,
	origin = excluded.origin,
	updated_at = excluded.updated_at
WHERE provenance_fields.is_verified = 0 AND provenance_fields.origin IN ('ai', 'external')`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateCase(ctx context.Context, c model.Case) (*model.Case, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.Status = model.CaseStatusPending
	c.CreatedAt = now()
	c.UpdatedAt = c.CreatedAt

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cases (id, reference, title, external_deadline, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Reference, c.Title, c.ExternalDeadline, string(c.Status), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert case %s", c.Reference)
	}
	return &c, nil
}

func (s *SQLiteStore) GetCase(ctx context.Context, id string) (*model.Case, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = ?`, id)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "case %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get case %s", id)
	}
	return c, nil
}

func (s *SQLiteStore) ListCases(ctx context.Context, filter CaseFilter) ([]model.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}
	return s.queryCases(ctx, "list cases", query, args...)
}

func (s *SQLiteStore) ListPending(ctx context.Context, phase model.Phase, limit int) ([]model.Case, error) {
	if limit <= 0 {
		limit = pendingLimit
	}
	query := fmt.Sprintf(`SELECT %s FROM cases WHERE %s IS NULL AND status NOT IN (?, ?)`, caseColumns, phaseColumn(phase))
	if phase == model.PhaseDeep {
		query += ` AND listing_at IS NOT NULL`
	}
	query += ` ORDER BY created_at ASC LIMIT ?`
	return s.queryCases(ctx, "list pending", query, string(model.CaseStatusExtracting), string(model.CaseStatusReconciled), limit)
}

func (s *SQLiteStore) queryCases(ctx context.Context, op, query string, args ...any) ([]model.Case, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: %s", op)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: %s scan", op)
		}
		out = append(out, *c)
	}
	return out, eris.Wrapf(rows.Err(), "sqlite: %s iterate", op)
}

func (s *SQLiteStore) UpdateCaseStatus(ctx context.Context, id string, status model.CaseStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cases SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), now(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update case status %s", id)
	}
	return checkRowsAffected(res, "case", id)
}

func (s *SQLiteStore) ClaimCase(ctx context.Context, id string, staleBefore time.Time) error {
	args := append([]any{string(model.CaseStatusClassified), now(), id}, runningStatuses...)
	args = append(args, staleBefore.UTC())
	res, err := s.db.ExecContext(ctx,
		`UPDATE cases SET status = ?, updated_at = ?
		 WHERE id = ? AND (status NOT IN (?, ?, ?) OR updated_at < ?)`,
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: claim case %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: claim case %s", id)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetCase(ctx, id); err != nil {
		return err
	}
	return eris.Wrapf(ErrCaseClaimed, "case %s", id)
}

func (s *SQLiteStore) AddDocument(ctx context.Context, doc model.SourceDocument) (*model.SourceDocument, error) {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if doc.Type == "" {
		doc.Type = model.DocumentUnknown
	}
	doc.CreatedAt = now()

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO documents (id, case_id, filename, text, page_count, type, position, issued_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(position), -1) + 1 FROM documents WHERE case_id = ?), ?, ?)
		 RETURNING position`,
		doc.ID, doc.CaseID, doc.Filename, doc.Text, doc.PageCount, string(doc.Type), doc.CaseID, doc.IssuedAt, doc.CreatedAt,
	).Scan(&doc.Position)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert document %s", doc.Filename)
	}
	return &doc, nil
}

func (s *SQLiteStore) ListDocuments(ctx context.Context, caseID string) ([]model.SourceDocument, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE case_id = ? ORDER BY position`, caseID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list documents %s", caseID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SourceDocument
	for rows.Next() {
		var (
			d      model.SourceDocument
			issued sql.NullTime
		)
		if err := rows.Scan(&d.ID, &d.CaseID, &d.Filename, &d.Text, &d.PageCount, &d.Type, &d.Position, &issued, &d.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan document")
		}
		d.IssuedAt = nullTime(issued)
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list documents iterate")
}

func (s *SQLiteStore) SetDocumentType(ctx context.Context, id string, t model.DocumentType) error {
	res, err := s.db.ExecContext(ctx, `UPDATE documents SET type = ? WHERE id = ?`, string(t), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set document type %s", id)
	}
	return checkRowsAffected(res, "document", id)
}

func (s *SQLiteStore) ListFields(ctx context.Context, caseID string) ([]model.ProvenanceField, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fieldColumns+` FROM provenance_fields WHERE case_id = ? ORDER BY field_name`, caseID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list fields %s", caseID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ProvenanceField
	for rows.Next() {
		f, err := scanField(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan field")
		}
		out = append(out, *f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list fields iterate")
}

func (s *SQLiteStore) GetField(ctx context.Context, caseID, name string) (*model.ProvenanceField, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+fieldColumns+` FROM provenance_fields WHERE case_id = ? AND field_name = ?`, caseID, name)
	f, err := scanField(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "field %s of case %s", name, caseID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get field %s", name)
	}
	return f, nil
}

func (s *SQLiteStore) CommitBatch(ctx context.Context, b model.Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin batch")
	}
	defer tx.Rollback() //nolint:errcheck

	if b.ReplaceAI {
		query, args := deleteAISQL, []any{b.CaseID}
		if len(b.Owned) > 0 {
			query += ` AND field_name IN (?` + strings.Repeat(", ?", len(b.Owned)-1) + `)`
			for _, name := range b.Owned {
				args = append(args, name)
			}
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return eris.Wrapf(err, "sqlite: purge fields %s", b.CaseID)
		}
	}

	stmt, err := tx.PrepareContext(ctx, sqliteUpsertField)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare field upsert")
	}
	defer stmt.Close() //nolint:errcheck

	ts := now()
	for _, f := range b.Fields {
		if _, err := stmt.ExecContext(ctx,
			b.CaseID, f.FieldName, f.Value, string(f.ValueType), f.DocumentID, f.Confidence,
			f.SourceLocation, string(f.Origin), ts, ts,
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert field %s", f.FieldName)
		}
	}

	summary, err := json.Marshal(b.Summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal summary")
	}
	var phaseAt *time.Time
	if b.Status == model.CaseStatusCompleted {
		phaseAt = &ts
	}
	res, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE cases SET status = ?, last_summary = ?, %[1]s = COALESCE(?, %[1]s), updated_at = ? WHERE id = ?`, phaseColumn(b.Phase)),
		string(b.Status), string(summary), phaseAt, ts, b.CaseID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update case %s", b.CaseID)
	}
	if err := checkRowsAffected(res, "case", b.CaseID); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit batch")
}

const deleteAISQL = `DELETE FROM provenance_fields WHERE case_id = ? AND is_verified = 0 AND origin IN ('ai', 'external')`

func (s *SQLiteStore) DeleteAIFields(ctx context.Context, caseID string) (int, error) {
	res, err := s.db.ExecContext(ctx, deleteAISQL, caseID)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: delete ai fields %s", caseID)
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) VerifyField(ctx context.Context, caseID, name string, value *string) error {
	ts := now()
	query := `UPDATE provenance_fields SET is_verified = 1, verified_at = ?, updated_at = ?`
	args := []any{ts, ts}
	if value != nil {
		query += `, value = ?, origin = ?`
		args = append(args, *value, string(model.OriginManual))
	}
	query += ` WHERE case_id = ? AND field_name = ?`
	args = append(args, caseID, name)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: verify field %s", name)
	}
	return checkRowsAffected(res, "field", caseID+"/"+name)
}

// helpers

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

type scannable interface {
	Scan(dest ...any) error
}

func scanCase(row scannable) (*model.Case, error) {
	var (
		c                       model.Case
		deadline, listing, deep sql.NullTime
		summary                 sql.NullString
	)
	if err := row.Scan(&c.ID, &c.Reference, &c.Title, &deadline, &c.Status, &listing, &deep, &summary, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.ExternalDeadline = nullTime(deadline)
	c.ListingAt = nullTime(listing)
	c.DeepAt = nullTime(deep)
	if summary.Valid && summary.String != "" {
		c.LastSummary = &model.RunSummary{}
		if err := json.Unmarshal([]byte(summary.String), c.LastSummary); err != nil {
			return nil, eris.Wrap(err, "unmarshal last summary")
		}
	}
	return &c, nil
}

func scanField(row scannable) (*model.ProvenanceField, error) {
	var (
		f        model.ProvenanceField
		docID    sql.NullString
		verified sql.NullTime
	)
	if err := row.Scan(&f.CaseID, &f.FieldName, &f.Value, &f.ValueType, &docID, &f.Confidence,
		&f.SourceLocation, &f.Origin, &f.IsVerified, &verified, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	if docID.Valid {
		f.DocumentID = &docID.String
	}
	f.VerifiedAt = nullTime(verified)
	return &f, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
