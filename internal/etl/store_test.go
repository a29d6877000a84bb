package etl

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiberstack/fabric/internal/sample"
	"github.com/fiberstack/fabric/pkg/database"
)

// pgxMockAdapter satisfies database.DB over a pgxmock pool, the same
// adapter shape the repository layer uses to bridge pgxmock's pool
// interface to the narrower DB contract.
type pgxMockAdapter struct {
	mock pgxmock.PgxPoolIface
}

func (a *pgxMockAdapter) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return a.mock.Exec(ctx, sql, args...)
}

func (a *pgxMockAdapter) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return a.mock.Query(ctx, sql, args...)
}

func (a *pgxMockAdapter) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return a.mock.QueryRow(ctx, sql, args...)
}

func (a *pgxMockAdapter) BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error) {
	return a.mock.BeginTx(ctx, txOptions)
}

func (a *pgxMockAdapter) Close() {
	a.mock.Close()
}

func (a *pgxMockAdapter) Ping(ctx context.Context) error {
	return a.mock.Ping(ctx)
}

func setupMockStore(t *testing.T) (pgxmock.PgxPoolIface, *PostgresStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)

	store := NewPostgresStore(&pgxMockAdapter{mock: mock})
	return mock, store
}

func TestPostgresStore_UpsertNode_Inserted(t *testing.T) {
	mock, store := setupMockStore(t)
	defer mock.Close()

	node := sample.Node{
		NodeID:     "node-1",
		Country:    "GH",
		Region:     "gh-accra",
		LastSeenAt: time.Now().UTC(),
	}

	rows := pgxmock.NewRows([]string{"xmax_is_zero"}).AddRow(true)
	mock.ExpectQuery(`INSERT INTO nodes`).WillReturnRows(rows)

	created, err := store.UpsertNode(context.Background(), node)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertNode_AlreadyRegistered(t *testing.T) {
	mock, store := setupMockStore(t)
	defer mock.Close()

	node := sample.Node{NodeID: "node-1", Country: "GH", Region: "gh-accra"}

	rows := pgxmock.NewRows([]string{"xmax_is_zero"}).AddRow(false)
	mock.ExpectQuery(`INSERT INTO nodes`).WillReturnRows(rows)

	created, err := store.UpsertNode(context.Background(), node)
	require.NoError(t, err)
	assert.False(t, created, "second sighting of a node must report created=false")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertNode_QueryError(t *testing.T) {
	mock, store := setupMockStore(t)
	defer mock.Close()

	mock.ExpectQuery(`INSERT INTO nodes`).WillReturnError(pgx.ErrTxClosed)

	_, err := store.UpsertNode(context.Background(), sample.Node{NodeID: "node-1"})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PersistBatch_AllSucceed(t *testing.T) {
	mock, store := setupMockStore(t)
	defer mock.Close()

	samples := []sample.Sample{
		{NodeID: "node-1", Timestamp: time.Now().UTC(), Country: "GH"},
		{NodeID: "node-2", Timestamp: time.Now().UTC(), Country: "GH"},
	}

	mock.ExpectBegin()
	for range samples {
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO samples`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()
	}
	mock.ExpectCommit()

	conflicts, err := store.PersistBatch(context.Background(), samples, "gh-accra")
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PersistBatch_UniqueViolationBecomesConflict(t *testing.T) {
	mock, store := setupMockStore(t)
	defer mock.Close()

	samples := []sample.Sample{
		{NodeID: "node-1", Timestamp: time.Now().UTC(), Country: "GH"},
		{NodeID: "node-2", Timestamp: time.Now().UTC(), Country: "GH"},
	}

	mock.ExpectBegin()

	// First row collides with the (time, node_id) unique constraint: its
	// savepoint rolls back and the row is recorded as a conflict instead of
	// aborting the whole batch.
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO samples`).WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()
	mock.ExpectExec(`INSERT INTO conflicts`).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	// Second row persists normally.
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO samples`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	mock.ExpectCommit()

	conflicts, err := store.PersistBatch(context.Background(), samples, "gh-accra")
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "node-1", conflicts[0].NodeID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PersistBatch_NonConflictErrorAbortsTransaction(t *testing.T) {
	mock, store := setupMockStore(t)
	defer mock.Close()

	samples := []sample.Sample{
		{NodeID: "node-1", Timestamp: time.Now().UTC(), Country: "GH"},
	}

	mock.ExpectBegin()
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO samples`).WillReturnError(pgx.ErrTxClosed)
	mock.ExpectRollback()
	mock.ExpectRollback()

	_, err := store.PersistBatch(context.Background(), samples, "gh-accra")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
