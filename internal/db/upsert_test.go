package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertTx_EmptyRows(t *testing.T) {
	n, err := UpsertTx(context.Background(), nil, UpsertConfig{
		Table:        "provenance_fields",
		Columns:      []string{"case_id", "field_name"},
		ConflictKeys: []string{"case_id", "field_name"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestUpsertTx_Validation(t *testing.T) {
	_, err := UpsertTx(context.Background(), nil, UpsertConfig{
		Table:        "provenance_fields",
		ConflictKeys: []string{"case_id"},
	}, [][]any{{"c"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")

	_, err = UpsertTx(context.Background(), nil, UpsertConfig{
		Table:   "provenance_fields",
		Columns: []string{"case_id"},
	}, [][]any{{"c"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestUpsertTx(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	cfg := UpsertConfig{
		Table:        "provenance_fields",
		Columns:      []string{"case_id", "field_name", "value"},
		ConflictKeys: []string{"case_id", "field_name"},
		UpdateWhere:  "provenance_fields.is_verified = false",
	}

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_provenance_fields"}, cfg.Columns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "provenance_fields" .* ON CONFLICT \("case_id", "field_name"\) DO UPDATE SET "value" = EXCLUDED."value" WHERE provenance_fields.is_verified = false`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	ctx := context.Background()
	tx, err := mock.Begin(ctx)
	require.NoError(t, err)
	n, err := UpsertTx(ctx, tx, cfg, [][]any{{"c1", "a", "1"}, {"c1", "b", "2"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSQL_DefaultUpdateCols(t *testing.T) {
	sql := UpsertSQL(UpsertConfig{
		Table:        "public.t",
		Columns:      []string{"id", "name"},
		ConflictKeys: []string{"id"},
	}, "_tmp", []string{"name"})
	assert.Equal(t, `INSERT INTO "public"."t" ("id", "name") SELECT "id", "name" FROM "_tmp" ON CONFLICT ("id") DO UPDATE SET "name" = EXCLUDED."name"`, sql)
}

func TestSanitizeTable(t *testing.T) {
	assert.Equal(t, `"simple"`, sanitizeTable("simple"))
	assert.Equal(t, `"tender"."cases"`, sanitizeTable("tender.cases"))
	assert.Equal(t, "_tmp_upsert_tender_cases", TempTableName("tender.cases"))
}
