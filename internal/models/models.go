package models

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Storage sentinels shared by the store and its consumers.
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// Side of the book an order sits on.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStatus is the lifecycle state of an order. OPEN is the only
// non-terminal state; partially filled orders stay OPEN.
type OrderStatus string

const (
	StatusOpen     OrderStatus = "OPEN"
	StatusExecuted OrderStatus = "EXECUTED"
	StatusCanceled OrderStatus = "CANCELED"
)

// Account holds cash. Balance is kept at 2 decimal places and never
// goes negative: placements reserve up front and fail otherwise.
type Account struct {
	ID      string
	Balance decimal.Decimal
}

// Position is the share holding of one account in one symbol.
type Position struct {
	AccountID string
	Symbol    string
	Quantity  decimal.Decimal
}

// Order is a limit order. Amount is signed: positive means buy,
// negative means sell, and its magnitude is the original total size.
// Amount is never mutated after insert; the remaining open quantity is
// always derived as |Amount| minus the sum of execution shares.
type Order struct {
	ID           int64
	AccountID    string
	Symbol       string
	Amount       decimal.Decimal
	LimitPrice   decimal.Decimal
	Status       OrderStatus
	CreationTime int64
}

// IsBuy reports whether the order is on the buy side.
func (o *Order) IsBuy() bool {
	return o.Amount.Sign() > 0
}

// Side returns the book side the order belongs to.
func (o *Order) Side() Side {
	if o.IsBuy() {
		return SideBuy
	}
	return SideSell
}

// Quantity returns the original total share count, |Amount|.
func (o *Order) Quantity() decimal.Decimal {
	return o.Amount.Abs()
}

// Execution is one fill recorded against one order. A match writes two
// of these, one per counterparty, with equal shares and price.
type Execution struct {
	ID       int64
	OrderID  int64
	Shares   decimal.Decimal
	Price    decimal.Decimal
	ExecTime int64
}

// QueryResult is the committed view of an order: its status, its
// remaining open shares, and its fills in ascending execution time.
type QueryResult struct {
	OrderID    int64
	Status     OrderStatus
	OpenShares decimal.Decimal
	Executions []Execution
}

// RoundMoney rounds a monetary value to 2 decimal places, half up.
// Prices and share quantities keep full precision; rounding happens
// only when a product is written to a balance.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
