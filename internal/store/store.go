package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"ticket-service/internal/models"
	"ticket-service/internal/util"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

const defaultTxMaxRetries = 3

// Store is the PostgreSQL-backed repository. Every counter mutation happens inside RunInTx.
type Store struct {
	db         *sqlx.DB
	logger     *zap.Logger
	maxRetries int
	newBackOff func() backoff.BackOff
}

// Option customizes a Store.
type Option func(*Store)

// WithTxRetries bounds how many times a transaction is re-run after a transient failure.
func WithTxRetries(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithRetryBackOff replaces the delay policy between transaction attempts.
func WithRetryBackOff(fn func() backoff.BackOff) Option {
	return func(s *Store) {
		s.newBackOff = fn
	}
}

// NewStore creates a new database store
func NewStore(databaseURL string, maxOpen, maxIdle int, opts ...Option) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return New(db, opts...), nil
}

// New wraps an existing connection pool.
func New(db *sqlx.DB, opts ...Option) *Store {
	s := &Store{
		db:         db,
		logger:     util.GetLogger(),
		maxRetries: defaultTxMaxRetries,
		newBackOff: defaultBackOff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	return b
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection, used by the readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RunInTx runs fn inside a READ COMMITTED transaction. Row locks taken by the Tx methods
// serialize concurrent writers of the same ticket type, discount code or order. fn may run
// more than once: transient failures (serialization, deadlock, lock timeout, lost connection)
// are retried with backoff up to the configured bound and then reported as
// models.ErrStorageTransient.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			util.TxRetriesTotal.Inc()
		}

		err := s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			s.logger.Warn("Transient storage error",
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), uint64(s.maxRetries)), ctx)
	err := backoff.Retry(op, policy)
	if err != nil && IsTransient(err) {
		return fmt.Errorf("%w: %w", models.ErrStorageTransient, err)
	}
	return err
}

func (s *Store) runOnce(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(ctx, &sqlTx{tx: tx, logger: s.logger}); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// errIdempotencyRace marks a lost race on orders.idempotency_key; re-running the
// transaction finds the winner's order.
var errIdempotencyRace = errors.New("concurrent insert with the same idempotency key")

// IsTransient reports whether err is worth retrying with the same transaction body.
func IsTransient(err error) bool {
	if errors.Is(err, errIdempotencyRace) || errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03": // lock_not_available
			return true
		}
		return pqErr.Code.Class() == "08" // connection_exception
	}
	return false
}
