package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewWithDB(mock, nil), mock
}

func sqlLike(fragment string) string {
	return regexp.QuoteMeta(fragment)
}

func TestEnsureCursorInitialisesBeforeOldestUndelivered(t *testing.T) {
	st, mock := newMockStore(t)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(sqlLike("COALESCE(MIN(event_id) - 1,")).
		WithArgs("tenant-a", "broadcast").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(sqlLike("SELECT last_processed_event_id, last_processed_at")).
		WithArgs("tenant-a", "broadcast").
		WillReturnRows(pgxmock.NewRows([]string{"last_processed_event_id", "last_processed_at"}).AddRow(int64(41), at))

	c, err := st.EnsureCursor(context.Background(), "tenant-a", "broadcast")
	require.NoError(t, err)
	assert.Equal(t, int64(41), c.LastProcessedEventID)
	assert.Equal(t, at, c.LastProcessedAt)
	assert.Equal(t, "tenant-a", c.TenantID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureCursorKeepsExistingRow(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec(sqlLike("ON CONFLICT (tenant_id, consumer_name) DO NOTHING")).
		WithArgs("tenant-a", "broadcast").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(sqlLike("FROM processor_cursors WHERE tenant_id = $1 AND consumer_name = $2")).
		WithArgs("tenant-a", "broadcast").
		WillReturnRows(pgxmock.NewRows([]string{"last_processed_event_id", "last_processed_at"}).AddRow(int64(900), time.Now()))

	c, err := st.EnsureCursor(context.Background(), "tenant-a", "broadcast")
	require.NoError(t, err)
	assert.Equal(t, int64(900), c.LastProcessedEventID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConfirmDeliveryMarksAndAdvancesInOneTx(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBeginTx(pgx.TxOptions{})
	mock.ExpectExec(sqlLike("SET delivered_at = NOW(), delivery_attempts = delivery_attempts + 1")).
		WithArgs("tenant-a", []int64{5, 7, 6}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))
	mock.ExpectExec(sqlLike("GREATEST(last_processed_event_id, $3)")).
		WithArgs("tenant-a", "broadcast", int64(7)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, st.ConfirmDelivery(context.Background(), "tenant-a", "broadcast", []int64{5, 7, 6}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConfirmDeliveryRollsBackWithoutCursor(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBeginTx(pgx.TxOptions{})
	mock.ExpectExec(sqlLike("UPDATE outbox_events")).
		WithArgs("tenant-a", []int64{3}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(sqlLike("UPDATE processor_cursors")).
		WithArgs("tenant-a", "broadcast", int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := st.ConfirmDelivery(context.Background(), "tenant-a", "broadcast", []int64{3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no cursor")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConfirmDeliveryRollsBackOnMarkFailure(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBeginTx(pgx.TxOptions{})
	mock.ExpectExec(sqlLike("UPDATE outbox_events")).
		WithArgs("tenant-a", []int64{3}).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := st.ConfirmDelivery(context.Background(), "tenant-a", "broadcast", []int64{3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mark delivered")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConfirmDeliveryIgnoresEmptyBatch(t *testing.T) {
	st, mock := newMockStore(t)
	require.NoError(t, st.ConfirmDelivery(context.Background(), "tenant-a", "broadcast", nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordFailureIsTenantScoped(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec(sqlLike("WHERE tenant_id = $1 AND event_id = ANY($2) AND delivered_at IS NULL")).
		WithArgs("tenant-a", []int64{3, 4}, "broker down").
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	require.NoError(t, st.RecordFailure(context.Background(), "tenant-a", []int64{3, 4}, "broker down"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPruneDeliveredSkipsLockedRows(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec(sqlLike("FOR UPDATE SKIP LOCKED")).
		WithArgs(float64(72*3600), 500).
		WillReturnResult(pgxmock.NewResult("DELETE", 500))

	n, err := st.PruneDelivered(context.Background(), 72*time.Hour, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(500), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadLetterExhaustedMovesRowsInOneStatement(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec(sqlLike("WITH moved AS (")).
		WithArgs(3, float64(300), 100).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))

	n, err := st.DeadLetterExhausted(context.Background(), 3, 5*time.Minute, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadLetterExhaustedWrapsErrors(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec(sqlLike("INSERT INTO dead_letter_events")).
		WithArgs(3, float64(300), 100).
		WillReturnError(errors.New("deadlock detected"))

	_, err := st.DeadLetterExhausted(context.Background(), 3, 5*time.Minute, 100)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dead-letter outbox")
}
