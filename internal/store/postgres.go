package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"catalog-pipeline/internal/models"
)

// JobTx is a job-mutation transaction. Every mutating method takes the outbox
// event describing the mutation and appends it in the same transaction, so a
// job change cannot commit without its event.
type JobTx interface {
	LockJob(ctx context.Context, id string) (models.Job, error)
	InsertJob(ctx context.Context, job models.Job, ev models.NewEvent) error
	UpdateJob(ctx context.Context, job models.Job, ev models.NewEvent) error
	DeleteJob(ctx context.Context, job models.Job, ev models.NewEvent) error

	LockInventoryRecord(ctx context.Context, tenantID, id string) (models.InventoryRecord, error)
	InsertInventoryRecord(ctx context.Context, rec models.InventoryRecord) error
	IncrementInventoryQuantity(ctx context.Context, tenantID, id string) error
}

// DB is the slice of *pgxpool.Pool the store queries through.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	db   DB
	pool *pgxpool.Pool // set by New, used for LISTEN
	sb   sq.StatementBuilderType
	log  *slog.Logger
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	st := NewWithDB(pool, logger)
	st.pool = pool
	return st, nil
}

// NewWithDB builds a Store on an existing connection handle. ListenOutbox
// needs the pool returned by New.
func NewWithDB(db DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:  db,
		sb:  sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		log: logger.With("component", "store"),
	}
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// InTx runs fn inside a transaction and commits if fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx JobTx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if err := fn(ctx, &pgJobTx{tx: tx, sb: s.sb}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type pgJobTx struct {
	tx pgx.Tx
	sb sq.StatementBuilderType
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
