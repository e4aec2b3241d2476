package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/matchd/internal/models"
)

// Store is the durable state the engine runs against. Each engine
// operation executes inside exactly one transaction; the engine owns
// the transaction boundary.
type Store interface {
	// WithTx runs fn in a read-write transaction, committing when fn
	// returns nil. An error satisfying interface{ Retryable() bool }
	// signals a lock conflict the engine may retry from the top.
	WithTx(ctx context.Context, fn func(Tx) error) error
	// WithReadTx runs fn in a read-only transaction.
	WithReadTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the set of row operations available inside one transaction.
// ForUpdate variants take row-exclusive locks held until commit.
// Absent rows are reported as models.ErrNotFound.
type Tx interface {
	CreateAccount(ctx context.Context, id string, balance decimal.Decimal) error
	Account(ctx context.Context, id string) (*models.Account, error)
	AccountForUpdate(ctx context.Context, id string) (*models.Account, error)
	UpdateBalance(ctx context.Context, id string, balance decimal.Decimal) error

	PositionForUpdate(ctx context.Context, accountID, symbol string) (*models.Position, error)
	CreatePosition(ctx context.Context, accountID, symbol string, quantity decimal.Decimal) error
	UpdatePosition(ctx context.Context, accountID, symbol string, quantity decimal.Decimal) error

	CreateOrder(ctx context.Context, o *models.Order) (int64, error)
	Order(ctx context.Context, id int64) (*models.Order, error)
	OrderForUpdate(ctx context.Context, id int64) (*models.Order, error)
	SetOrderStatus(ctx context.Context, id int64, status models.OrderStatus) error
	BestCounterOrder(ctx context.Context, symbol string, side models.Side) (*models.Order, error)

	InsertExecution(ctx context.Context, orderID int64, shares, price decimal.Decimal, execTime int64) error
	FilledShares(ctx context.Context, orderID int64) (decimal.Decimal, error)
	Executions(ctx context.Context, orderID int64) ([]models.Execution, error)
}
