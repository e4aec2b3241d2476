package exchange

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/matchd/internal/models"
)

// memStore is an in-memory Store for engine tests. WithTx snapshots
// the state up front and restores it when the closure fails, matching
// the rollback behavior of the real store.
type memStore struct {
	accounts  map[string]*models.Account
	positions map[string]*models.Position
	orders    map[int64]*models.Order
	execs     []models.Execution

	nextOrderID int64
	nextExecID  int64
}

func newMemStore() *memStore {
	return &memStore{
		accounts:  make(map[string]*models.Account),
		positions: make(map[string]*models.Position),
		orders:    make(map[int64]*models.Order),
	}
}

func posKey(accountID, symbol string) string {
	return accountID + "/" + symbol
}

func (m *memStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	snap := m.snapshot()
	if err := fn(&memTx{store: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func (m *memStore) WithReadTx(ctx context.Context, fn func(Tx) error) error {
	return m.WithTx(ctx, fn)
}

func (m *memStore) snapshot() *memStore {
	snap := newMemStore()
	snap.nextOrderID = m.nextOrderID
	snap.nextExecID = m.nextExecID
	for id, a := range m.accounts {
		cp := *a
		snap.accounts[id] = &cp
	}
	for k, p := range m.positions {
		cp := *p
		snap.positions[k] = &cp
	}
	for id, o := range m.orders {
		cp := *o
		snap.orders[id] = &cp
	}
	snap.execs = append([]models.Execution(nil), m.execs...)
	return snap
}

func (m *memStore) restore(snap *memStore) {
	m.accounts = snap.accounts
	m.positions = snap.positions
	m.orders = snap.orders
	m.execs = snap.execs
	m.nextOrderID = snap.nextOrderID
	m.nextExecID = snap.nextExecID
}

type memTx struct {
	store *memStore
}

func (t *memTx) CreateAccount(ctx context.Context, id string, balance decimal.Decimal) error {
	if _, ok := t.store.accounts[id]; ok {
		return fmt.Errorf("account %s: %w", id, models.ErrDuplicate)
	}
	t.store.accounts[id] = &models.Account{ID: id, Balance: balance}
	return nil
}

func (t *memTx) Account(ctx context.Context, id string) (*models.Account, error) {
	acct, ok := t.store.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, models.ErrNotFound)
	}
	cp := *acct
	return &cp, nil
}

func (t *memTx) AccountForUpdate(ctx context.Context, id string) (*models.Account, error) {
	return t.Account(ctx, id)
}

func (t *memTx) UpdateBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	acct, ok := t.store.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, models.ErrNotFound)
	}
	acct.Balance = balance
	return nil
}

func (t *memTx) PositionForUpdate(ctx context.Context, accountID, symbol string) (*models.Position, error) {
	pos, ok := t.store.positions[posKey(accountID, symbol)]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", accountID, symbol, models.ErrNotFound)
	}
	cp := *pos
	return &cp, nil
}

func (t *memTx) CreatePosition(ctx context.Context, accountID, symbol string, quantity decimal.Decimal) error {
	t.store.positions[posKey(accountID, symbol)] = &models.Position{
		AccountID: accountID,
		Symbol:    symbol,
		Quantity:  quantity,
	}
	return nil
}

func (t *memTx) UpdatePosition(ctx context.Context, accountID, symbol string, quantity decimal.Decimal) error {
	pos, ok := t.store.positions[posKey(accountID, symbol)]
	if !ok {
		return fmt.Errorf("position %s/%s: %w", accountID, symbol, models.ErrNotFound)
	}
	pos.Quantity = quantity
	return nil
}

func (t *memTx) CreateOrder(ctx context.Context, o *models.Order) (int64, error) {
	t.store.nextOrderID++
	cp := *o
	cp.ID = t.store.nextOrderID
	t.store.orders[cp.ID] = &cp
	return cp.ID, nil
}

func (t *memTx) Order(ctx context.Context, id int64) (*models.Order, error) {
	o, ok := t.store.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, models.ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (t *memTx) OrderForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	return t.Order(ctx, id)
}

func (t *memTx) SetOrderStatus(ctx context.Context, id int64, status models.OrderStatus) error {
	o, ok := t.store.orders[id]
	if !ok {
		return fmt.Errorf("order %d: %w", id, models.ErrNotFound)
	}
	o.Status = status
	return nil
}

func (t *memTx) BestCounterOrder(ctx context.Context, symbol string, side models.Side) (*models.Order, error) {
	var candidates []*models.Order
	for _, o := range t.store.orders {
		if o.Symbol == symbol && o.Status == models.StatusOpen && o.Side() == side {
			candidates = append(candidates, o)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("best %s order for %s: %w", side, symbol, models.ErrNotFound)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.LimitPrice.Equal(b.LimitPrice) {
			if side == models.SideBuy {
				return a.LimitPrice.GreaterThan(b.LimitPrice)
			}
			return a.LimitPrice.LessThan(b.LimitPrice)
		}
		if a.CreationTime != b.CreationTime {
			return a.CreationTime < b.CreationTime
		}
		return a.ID < b.ID
	})
	cp := *candidates[0]
	return &cp, nil
}

func (t *memTx) InsertExecution(ctx context.Context, orderID int64, shares, price decimal.Decimal, execTime int64) error {
	t.store.nextExecID++
	t.store.execs = append(t.store.execs, models.Execution{
		ID:       t.store.nextExecID,
		OrderID:  orderID,
		Shares:   shares,
		Price:    price,
		ExecTime: execTime,
	})
	return nil
}

func (t *memTx) FilledShares(ctx context.Context, orderID int64) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, e := range t.store.execs {
		if e.OrderID == orderID {
			total = total.Add(e.Shares)
		}
	}
	return total, nil
}

func (t *memTx) Executions(ctx context.Context, orderID int64) ([]models.Execution, error) {
	var execs []models.Execution
	for _, e := range t.store.execs {
		if e.OrderID == orderID {
			execs = append(execs, e)
		}
	}
	sort.Slice(execs, func(i, j int) bool {
		if execs[i].ExecTime != execs[j].ExecTime {
			return execs[i].ExecTime < execs[j].ExecTime
		}
		return execs[i].ID < execs[j].ID
	})
	return execs, nil
}
