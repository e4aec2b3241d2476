package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/matchd/internal/models"
)

// maxRetries bounds how often an operation is replayed after a store
// lock conflict before the failure surfaces.
const maxRetries = 3

// Engine is the matching engine. It owns the invariants tying cash,
// shares, orders and executions together; every state transition runs
// through it, inside a single store transaction.
type Engine struct {
	store Store
	log   *logrus.Entry
	now   func() int64
}

// New creates an engine on top of a store.
func New(store Store, log *logrus.Entry) *Engine {
	return &Engine{
		store: store,
		log:   log,
		now:   func() int64 { return time.Now().Unix() },
	}
}

// PlaceOrder reserves funds or shares for a new limit order, inserts
// it, and matches it against the opposite side of the book. The
// returned order carries its assigned id and final status.
func (e *Engine) PlaceOrder(ctx context.Context, accountID, symbol string, amount, limit decimal.Decimal) (*models.Order, error) {
	if amount.IsZero() {
		return nil, errf(KindInvalidRequest, "amount must be nonzero")
	}
	if !limit.IsPositive() {
		return nil, errf(KindInvalidRequest, "limit price must be positive")
	}

	var placed *models.Order
	err := e.withRetry(ctx, func(tx Tx) error {
		placed = nil

		acct, err := tx.AccountForUpdate(ctx, accountID)
		if errors.Is(err, models.ErrNotFound) {
			return errf(KindUnknownAccount, "account %s does not exist", accountID)
		}
		if err != nil {
			return err
		}

		qty := amount.Abs()
		if amount.Sign() > 0 {
			required := qty.Mul(limit)
			if acct.Balance.LessThan(required) {
				return errf(KindInsufficientFunds, "insufficient funds: balance %s, required %s",
					acct.Balance.String(), required.String())
			}
			if err := tx.UpdateBalance(ctx, accountID, models.RoundMoney(acct.Balance.Sub(required))); err != nil {
				return err
			}
		} else {
			pos, err := tx.PositionForUpdate(ctx, accountID, symbol)
			if errors.Is(err, models.ErrNotFound) {
				return errf(KindInsufficientShares, "insufficient shares: no position in %s", symbol)
			}
			if err != nil {
				return err
			}
			if pos.Quantity.LessThan(qty) {
				return errf(KindInsufficientShares, "insufficient shares: have %s, need %s",
					pos.Quantity.String(), qty.String())
			}
			if err := tx.UpdatePosition(ctx, accountID, symbol, pos.Quantity.Sub(qty)); err != nil {
				return err
			}
		}

		order := &models.Order{
			AccountID:    accountID,
			Symbol:       symbol,
			Amount:       amount,
			LimitPrice:   limit,
			Status:       models.StatusOpen,
			CreationTime: e.now(),
		}
		id, err := tx.CreateOrder(ctx, order)
		if err != nil {
			return err
		}
		order.ID = id

		remaining, err := e.match(ctx, tx, order)
		if err != nil {
			return err
		}
		if remaining.IsZero() {
			if err := tx.SetOrderStatus(ctx, order.ID, models.StatusExecuted); err != nil {
				return err
			}
			order.Status = models.StatusExecuted
		}
		placed = order
		return nil
	})
	if err != nil {
		return nil, asEngineErr(err)
	}
	e.log.WithFields(logrus.Fields{
		"order":   placed.ID,
		"account": accountID,
		"symbol":  symbol,
		"status":  placed.Status,
	}).Debug("order placed")
	return placed, nil
}

// match walks the opposite side of the book in priority order and
// fills the incoming order until it is exhausted or prices no longer
// cross. Returns the incoming order's remaining open quantity.
func (e *Engine) match(ctx context.Context, tx Tx, incoming *models.Order) (decimal.Decimal, error) {
	remaining := incoming.Quantity()
	counterSide := incoming.Side().Opposite()

	for remaining.IsPositive() {
		counter, err := tx.BestCounterOrder(ctx, incoming.Symbol, counterSide)
		if errors.Is(err, models.ErrNotFound) {
			break
		}
		if err != nil {
			return decimal.Zero, err
		}

		buyer, seller := incoming, counter
		if !incoming.IsBuy() {
			buyer, seller = counter, incoming
		}
		if buyer.LimitPrice.LessThan(seller.LimitPrice) {
			// Priority ordering guarantees no later resting order
			// can cross either.
			break
		}

		counterFilled, err := tx.FilledShares(ctx, counter.ID)
		if err != nil {
			return decimal.Zero, err
		}
		counterOpen := counter.Quantity().Sub(counterFilled)

		// The counter order was resting before the incoming one
		// arrived, so it dictates the execution price.
		price := counter.LimitPrice
		q := decimal.Min(remaining, counterOpen)
		now := e.now()

		if err := tx.InsertExecution(ctx, incoming.ID, q, price, now); err != nil {
			return decimal.Zero, err
		}
		if err := tx.InsertExecution(ctx, counter.ID, q, price, now); err != nil {
			return decimal.Zero, err
		}
		if err := e.settle(ctx, tx, buyer, seller, q, price); err != nil {
			return decimal.Zero, err
		}

		if counterOpen.Equal(q) {
			if err := tx.SetOrderStatus(ctx, counter.ID, models.StatusExecuted); err != nil {
				return decimal.Zero, err
			}
		}
		remaining = remaining.Sub(q)
	}
	return remaining, nil
}

// settle applies exactly one payout per side for a fill of q at price.
// The buyer gains shares and is refunded the spread between the price
// reserved and the price paid; the seller gains the proceeds.
func (e *Engine) settle(ctx context.Context, tx Tx, buyer, seller *models.Order, q, price decimal.Decimal) error {
	if err := e.creditPosition(ctx, tx, buyer.AccountID, buyer.Symbol, q); err != nil {
		return err
	}
	refund := q.Mul(buyer.LimitPrice.Sub(price))
	if refund.IsPositive() {
		acct, err := tx.AccountForUpdate(ctx, buyer.AccountID)
		if err != nil {
			return err
		}
		if err := tx.UpdateBalance(ctx, buyer.AccountID, models.RoundMoney(acct.Balance.Add(refund))); err != nil {
			return err
		}
	}

	acct, err := tx.AccountForUpdate(ctx, seller.AccountID)
	if err != nil {
		return err
	}
	return tx.UpdateBalance(ctx, seller.AccountID, models.RoundMoney(acct.Balance.Add(q.Mul(price))))
}

func (e *Engine) creditPosition(ctx context.Context, tx Tx, accountID, symbol string, q decimal.Decimal) error {
	pos, err := tx.PositionForUpdate(ctx, accountID, symbol)
	if errors.Is(err, models.ErrNotFound) {
		return tx.CreatePosition(ctx, accountID, symbol, q)
	}
	if err != nil {
		return err
	}
	return tx.UpdatePosition(ctx, accountID, symbol, pos.Quantity.Add(q))
}

// CancelOrder cancels an open order and releases the reservation for
// its unfilled remainder. Already-filled shares are not reversed.
func (e *Engine) CancelOrder(ctx context.Context, orderID int64) (*models.QueryResult, error) {
	var result *models.QueryResult
	err := e.withRetry(ctx, func(tx Tx) error {
		result = nil

		order, err := tx.OrderForUpdate(ctx, orderID)
		if errors.Is(err, models.ErrNotFound) {
			return errf(KindUnknownOrder, "order %d does not exist", orderID)
		}
		if err != nil {
			return err
		}
		if order.Status != models.StatusOpen {
			return errf(KindNotCancellable, "order %d is %s", orderID, order.Status)
		}

		filled, err := tx.FilledShares(ctx, orderID)
		if err != nil {
			return err
		}
		leftover := order.Quantity().Sub(filled)
		if leftover.IsPositive() {
			if order.IsBuy() {
				// Refund at the order's own limit price: that is
				// what was reserved at placement.
				acct, err := tx.AccountForUpdate(ctx, order.AccountID)
				if err != nil {
					return err
				}
				refund := leftover.Mul(order.LimitPrice)
				if err := tx.UpdateBalance(ctx, order.AccountID, models.RoundMoney(acct.Balance.Add(refund))); err != nil {
					return err
				}
			} else {
				if err := e.creditPosition(ctx, tx, order.AccountID, order.Symbol, leftover); err != nil {
					return err
				}
			}
		}
		if err := tx.SetOrderStatus(ctx, orderID, models.StatusCanceled); err != nil {
			return err
		}

		execs, err := tx.Executions(ctx, orderID)
		if err != nil {
			return err
		}
		result = &models.QueryResult{
			OrderID:    orderID,
			Status:     models.StatusCanceled,
			OpenShares: leftover,
			Executions: execs,
		}
		return nil
	})
	if err != nil {
		return nil, asEngineErr(err)
	}
	e.log.WithField("order", orderID).Debug("order canceled")
	return result, nil
}

// QueryOrder returns the committed state of an order. It never
// mutates; it runs in a read-only transaction.
func (e *Engine) QueryOrder(ctx context.Context, orderID int64) (*models.QueryResult, error) {
	var result *models.QueryResult
	err := e.store.WithReadTx(ctx, func(tx Tx) error {
		order, err := tx.Order(ctx, orderID)
		if errors.Is(err, models.ErrNotFound) {
			return errf(KindUnknownOrder, "order %d does not exist", orderID)
		}
		if err != nil {
			return err
		}
		filled, err := tx.FilledShares(ctx, orderID)
		if err != nil {
			return err
		}
		execs, err := tx.Executions(ctx, orderID)
		if err != nil {
			return err
		}
		result = &models.QueryResult{
			OrderID:    orderID,
			Status:     order.Status,
			OpenShares: order.Quantity().Sub(filled),
			Executions: execs,
		}
		return nil
	})
	if err != nil {
		return nil, asEngineErr(err)
	}
	return result, nil
}

// CreateAccount provisions a new account with an initial balance.
func (e *Engine) CreateAccount(ctx context.Context, accountID string, balance decimal.Decimal) error {
	if accountID == "" {
		return errf(KindInvalidRequest, "account id must not be empty")
	}
	if balance.IsNegative() {
		return errf(KindInvalidRequest, "balance must not be negative")
	}
	err := e.withRetry(ctx, func(tx Tx) error {
		err := tx.CreateAccount(ctx, accountID, models.RoundMoney(balance))
		if errors.Is(err, models.ErrDuplicate) {
			return errf(KindInvalidRequest, "account %s already exists", accountID)
		}
		return err
	})
	if err != nil {
		return asEngineErr(err)
	}
	e.log.WithField("account", accountID).Debug("account created")
	return nil
}

// CreditShares adjusts an account's position in a symbol, creating the
// position row if absent. Negative adjustments may not take the
// position below zero.
func (e *Engine) CreditShares(ctx context.Context, symbol, accountID string, shares decimal.Decimal) error {
	if symbol == "" {
		return errf(KindInvalidRequest, "symbol must not be empty")
	}
	if shares.IsZero() {
		return errf(KindInvalidRequest, "share amount must be nonzero")
	}
	err := e.withRetry(ctx, func(tx Tx) error {
		if _, err := tx.AccountForUpdate(ctx, accountID); err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return errf(KindUnknownAccount, "account %s does not exist", accountID)
			}
			return err
		}
		pos, err := tx.PositionForUpdate(ctx, accountID, symbol)
		if errors.Is(err, models.ErrNotFound) {
			if shares.IsNegative() {
				return errf(KindInvalidRequest, "cannot create a negative position")
			}
			return tx.CreatePosition(ctx, accountID, symbol, shares)
		}
		if err != nil {
			return err
		}
		newQty := pos.Quantity.Add(shares)
		if newQty.IsNegative() {
			return errf(KindInvalidRequest, "cannot reduce position below zero")
		}
		return tx.UpdatePosition(ctx, accountID, symbol, newQty)
	})
	if err != nil {
		return asEngineErr(err)
	}
	return nil
}

// AccountExists reports whether an account is provisioned.
func (e *Engine) AccountExists(ctx context.Context, accountID string) (bool, error) {
	exists := false
	err := e.store.WithReadTx(ctx, func(tx Tx) error {
		_, err := tx.Account(ctx, accountID)
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	if err != nil {
		return false, asEngineErr(err)
	}
	return exists, nil
}

// withRetry replays fn when the store reports a lock conflict. The
// closure must be safe to re-run from a clean transaction.
func (e *Engine) withRetry(ctx context.Context, fn func(Tx) error) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = e.store.WithTx(ctx, fn)
		if err == nil || !isRetryable(err) {
			return err
		}
		e.log.WithFields(logrus.Fields{"attempt": attempt + 1}).
			Warn("transaction conflict, retrying")
	}
	return err
}

func isRetryable(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && r.Retryable()
}

func asEngineErr(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return storageErr(err)
}
