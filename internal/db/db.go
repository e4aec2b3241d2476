package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/matchd/internal/exchange"
	"github.com/xtrntr/matchd/internal/models"
)

//go:embed schema.sql
var schema string

// DB wraps a PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
	log  *logrus.Entry
}

var _ exchange.Store = (*DB)(nil)

// New initializes a new database connection pool.
func New(ctx context.Context, connString string, log *logrus.Entry) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &DB{Pool: pool, log: log}, nil
}

// Close closes the database connection pool.
func (d *DB) Close() {
	d.Pool.Close()
}

// Ping checks database liveness.
func (d *DB) Ping(ctx context.Context) error {
	return d.Pool.Ping(ctx)
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (d *DB) EnsureSchema(ctx context.Context) error {
	if _, err := d.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// WithTx runs fn inside a single transaction. The transaction is
// committed when fn returns nil and rolled back otherwise. Errors
// caused by serialization conflicts or deadlocks are marked so the
// caller can retry the whole closure.
func (d *DB) WithTx(ctx context.Context, fn func(exchange.Tx) error) error {
	tx, err := d.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&Tx{tx: tx}); err != nil {
		return markRetryable(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return markRetryable(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// WithReadTx runs fn inside a read-only transaction.
func (d *DB) WithReadTx(ctx context.Context, fn func(exchange.Tx) error) error {
	tx, err := d.Pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&Tx{tx: tx}); err != nil {
		return markRetryable(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return markRetryable(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// conflictError flags a transaction that failed on a lock conflict and
// can be retried from the top.
type conflictError struct {
	err error
}

func (e *conflictError) Error() string   { return e.err.Error() }
func (e *conflictError) Unwrap() error   { return e.err }
func (e *conflictError) Retryable() bool { return true }

func markRetryable(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 40001 serialization_failure, 40P01 deadlock_detected
		if pgErr.Code == "40001" || pgErr.Code == "40P01" {
			return &conflictError{err: err}
		}
	}
	return err
}

// OpenOrdersForSymbol returns the open orders for one side of a
// symbol's book in matching priority order: best price first, then
// earliest creation time, then lowest order id. The read takes no
// locks; it serves the admin book snapshot.
func (d *DB) OpenOrdersForSymbol(ctx context.Context, symbol string, side models.Side) ([]models.Order, error) {
	sideCond := "amount > 0"
	priceOrder := "limit_price DESC"
	if side == models.SideSell {
		sideCond = "amount < 0"
		priceOrder = "limit_price ASC"
	}
	rows, err := d.Pool.Query(ctx,
		"SELECT order_id, account_id, symbol, amount, limit_price, status, creation_time "+
			"FROM orders WHERE symbol = $1 AND status = 'OPEN' AND "+sideCond+
			" ORDER BY "+priceOrder+", creation_time ASC, order_id ASC",
		symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to get open orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var o models.Order
		if err := rows.Scan(&o.ID, &o.AccountID, &o.Symbol, &o.Amount, &o.LimitPrice, &o.Status, &o.CreationTime); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}
