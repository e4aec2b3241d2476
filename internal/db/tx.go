package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/matchd/internal/exchange"
	"github.com/xtrntr/matchd/internal/models"
)

// Tx exposes row-level operations inside one database transaction.
// Row locks taken here are held until the transaction commits.
type Tx struct {
	tx pgx.Tx
}

var _ exchange.Tx = (*Tx)(nil)

// CreateAccount inserts a new account with its initial balance.
func (t *Tx) CreateAccount(ctx context.Context, id string, balance decimal.Decimal) error {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO accounts (account_id, balance) VALUES ($1, $2)",
		id, balance)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("account %s: %w", id, models.ErrDuplicate)
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// Account reads an account without locking it.
func (t *Tx) Account(ctx context.Context, id string) (*models.Account, error) {
	return t.scanAccount(ctx,
		"SELECT account_id, balance FROM accounts WHERE account_id = $1", id)
}

// AccountForUpdate reads an account under a row-exclusive lock.
func (t *Tx) AccountForUpdate(ctx context.Context, id string) (*models.Account, error) {
	return t.scanAccount(ctx,
		"SELECT account_id, balance FROM accounts WHERE account_id = $1 FOR UPDATE", id)
}

func (t *Tx) scanAccount(ctx context.Context, sql, id string) (*models.Account, error) {
	acct := &models.Account{}
	err := t.tx.QueryRow(ctx, sql, id).Scan(&acct.ID, &acct.Balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("account %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acct, nil
}

// UpdateBalance writes an account's balance.
func (t *Tx) UpdateBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	_, err := t.tx.Exec(ctx,
		"UPDATE accounts SET balance = $1 WHERE account_id = $2",
		balance, id)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}

// PositionForUpdate reads a position under a row-exclusive lock.
func (t *Tx) PositionForUpdate(ctx context.Context, accountID, symbol string) (*models.Position, error) {
	pos := &models.Position{}
	err := t.tx.QueryRow(ctx,
		"SELECT account_id, symbol, quantity FROM positions WHERE account_id = $1 AND symbol = $2 FOR UPDATE",
		accountID, symbol).Scan(&pos.AccountID, &pos.Symbol, &pos.Quantity)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("position %s/%s: %w", accountID, symbol, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get position: %w", err)
	}
	return pos, nil
}

// CreatePosition inserts a new position row.
func (t *Tx) CreatePosition(ctx context.Context, accountID, symbol string, quantity decimal.Decimal) error {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO positions (account_id, symbol, quantity) VALUES ($1, $2, $3)",
		accountID, symbol, quantity)
	if err != nil {
		return fmt.Errorf("failed to create position: %w", err)
	}
	return nil
}

// UpdatePosition writes a position's quantity.
func (t *Tx) UpdatePosition(ctx context.Context, accountID, symbol string, quantity decimal.Decimal) error {
	_, err := t.tx.Exec(ctx,
		"UPDATE positions SET quantity = $1 WHERE account_id = $2 AND symbol = $3",
		quantity, accountID, symbol)
	if err != nil {
		return fmt.Errorf("failed to update position: %w", err)
	}
	return nil
}

// CreateOrder inserts an order and returns the server-assigned id.
func (t *Tx) CreateOrder(ctx context.Context, o *models.Order) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx,
		"INSERT INTO orders (account_id, symbol, amount, limit_price, status, creation_time) "+
			"VALUES ($1, $2, $3, $4, $5, $6) RETURNING order_id",
		o.AccountID, o.Symbol, o.Amount, o.LimitPrice, o.Status, o.CreationTime).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create order: %w", err)
	}
	return id, nil
}

// Order reads an order without locking it.
func (t *Tx) Order(ctx context.Context, id int64) (*models.Order, error) {
	return t.scanOrder(ctx,
		"SELECT order_id, account_id, symbol, amount, limit_price, status, creation_time "+
			"FROM orders WHERE order_id = $1", id)
}

// OrderForUpdate reads an order under a row-exclusive lock.
func (t *Tx) OrderForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	return t.scanOrder(ctx,
		"SELECT order_id, account_id, symbol, amount, limit_price, status, creation_time "+
			"FROM orders WHERE order_id = $1 FOR UPDATE", id)
}

func (t *Tx) scanOrder(ctx context.Context, sql string, id int64) (*models.Order, error) {
	o := &models.Order{}
	err := t.tx.QueryRow(ctx, sql, id).Scan(
		&o.ID, &o.AccountID, &o.Symbol, &o.Amount, &o.LimitPrice, &o.Status, &o.CreationTime)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("order %d: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

// SetOrderStatus updates the status of an order.
func (t *Tx) SetOrderStatus(ctx context.Context, id int64, status models.OrderStatus) error {
	_, err := t.tx.Exec(ctx,
		"UPDATE orders SET status = $1 WHERE order_id = $2",
		status, id)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	return nil
}

// BestCounterOrder locks and returns the best open order on the given
// side of the symbol's book: best price first (highest buy, lowest
// sell), then earliest creation time, then lowest order id. Locking
// follows this global priority order so concurrent placements on the
// same symbol cannot deadlock on counterparty rows.
func (t *Tx) BestCounterOrder(ctx context.Context, symbol string, side models.Side) (*models.Order, error) {
	sideCond := "amount > 0"
	priceOrder := "limit_price DESC"
	if side == models.SideSell {
		sideCond = "amount < 0"
		priceOrder = "limit_price ASC"
	}
	o := &models.Order{}
	err := t.tx.QueryRow(ctx,
		"SELECT order_id, account_id, symbol, amount, limit_price, status, creation_time "+
			"FROM orders WHERE symbol = $1 AND status = 'OPEN' AND "+sideCond+
			" ORDER BY "+priceOrder+", creation_time ASC, order_id ASC LIMIT 1 FOR UPDATE",
		symbol).Scan(&o.ID, &o.AccountID, &o.Symbol, &o.Amount, &o.LimitPrice, &o.Status, &o.CreationTime)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("best %s order for %s: %w", side, symbol, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get best counter order: %w", err)
	}
	return o, nil
}

// InsertExecution appends one fill record for an order.
func (t *Tx) InsertExecution(ctx context.Context, orderID int64, shares, price decimal.Decimal, execTime int64) error {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO executions (order_id, shares, price, exec_time) VALUES ($1, $2, $3, $4)",
		orderID, shares, price, execTime)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

// FilledShares sums the executed shares of an order.
func (t *Tx) FilledShares(ctx context.Context, orderID int64) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := t.tx.QueryRow(ctx,
		"SELECT COALESCE(SUM(shares), 0) FROM executions WHERE order_id = $1",
		orderID).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum executions: %w", err)
	}
	return total, nil
}

// Executions returns an order's fills in ascending execution time,
// ties broken by insertion order.
func (t *Tx) Executions(ctx context.Context, orderID int64) ([]models.Execution, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT execution_id, order_id, shares, price, exec_time FROM executions "+
			"WHERE order_id = $1 ORDER BY exec_time ASC, execution_id ASC",
		orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get executions: %w", err)
	}
	defer rows.Close()

	var execs []models.Execution
	for rows.Next() {
		var e models.Execution
		if err := rows.Scan(&e.ID, &e.OrderID, &e.Shares, &e.Price, &e.ExecTime); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		execs = append(execs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return execs, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
