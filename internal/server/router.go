// Package server implements the framed TCP front-end: the request
// router, the single-request connection handler, and the listener with
// its bounded worker pool.
package server

import (
	"context"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/matchd/internal/models"
	"github.com/xtrntr/matchd/internal/protocol"
)

// Engine is the set of operations the router dispatches to.
type Engine interface {
	CreateAccount(ctx context.Context, accountID string, balance decimal.Decimal) error
	CreditShares(ctx context.Context, symbol, accountID string, shares decimal.Decimal) error
	AccountExists(ctx context.Context, accountID string) (bool, error)
	PlaceOrder(ctx context.Context, accountID, symbol string, amount, limit decimal.Decimal) (*models.Order, error)
	CancelOrder(ctx context.Context, orderID int64) (*models.QueryResult, error)
	QueryOrder(ctx context.Context, orderID int64) (*models.QueryResult, error)
}

// Router translates request documents into engine calls and collects
// the per-child outcomes into one results document, preserving child
// order. One failing child never aborts its siblings.
type Router struct {
	engine Engine
	log    *logrus.Entry
	now    func() int64
}

// NewRouter creates a router on top of an engine.
func NewRouter(engine Engine, log *logrus.Entry) *Router {
	return &Router{
		engine: engine,
		log:    log,
		now:    func() int64 { return time.Now().Unix() },
	}
}

// Handle processes one request document and returns the response
// document. Parse failures at document scope yield a single error
// child; everything else yields one child per request child.
func (r *Router) Handle(ctx context.Context, payload []byte) []byte {
	req, err := protocol.Parse(payload)
	if err != nil {
		r.log.WithError(err).Warn("rejecting unparseable request")
		return protocol.RenderError(err.Error())
	}

	var children []any
	switch {
	case req.Create != nil:
		children = r.handleCreate(ctx, req.Create)
	case req.Transactions != nil:
		children = r.handleTransactions(ctx, req.Transactions)
	}

	out, err := protocol.Render(&protocol.Results{Children: children})
	if err != nil {
		r.log.WithError(err).Error("failed to render response")
		return protocol.RenderError("internal error")
	}
	return out
}

func (r *Router) handleCreate(ctx context.Context, req *protocol.CreateRequest) []any {
	children := make([]any, 0, len(req.Steps))
	for _, step := range req.Steps {
		switch {
		case step.Account != nil:
			children = append(children, r.createAccount(ctx, step.Account))
		case step.Symbol != nil:
			for _, credit := range step.Symbol.Credits {
				children = append(children, r.creditShares(ctx, step.Symbol.Symbol, credit))
			}
		default:
			children = append(children, protocol.Error{Msg: "Unknown create child: " + step.Unknown})
		}
	}
	return children
}

func (r *Router) createAccount(ctx context.Context, req *protocol.CreateAccount) any {
	balance, err := decimal.NewFromString(req.Balance)
	if err != nil {
		return protocol.Error{ID: req.ID, Msg: "malformed balance: " + req.Balance}
	}
	if err := r.engine.CreateAccount(ctx, req.ID, balance); err != nil {
		return protocol.Error{ID: req.ID, Msg: err.Error()}
	}
	return protocol.Created{ID: req.ID}
}

func (r *Router) creditShares(ctx context.Context, symbol string, credit protocol.SymbolCredit) any {
	shares, err := decimal.NewFromString(credit.Shares)
	if err != nil {
		return protocol.Error{Sym: symbol, ID: credit.AccountID, Msg: "malformed share amount: " + credit.Shares}
	}
	if err := r.engine.CreditShares(ctx, symbol, credit.AccountID, shares); err != nil {
		return protocol.Error{Sym: symbol, ID: credit.AccountID, Msg: err.Error()}
	}
	return protocol.Created{Sym: symbol, ID: credit.AccountID}
}

func (r *Router) handleTransactions(ctx context.Context, req *protocol.TransactionsRequest) []any {
	exists, err := r.engine.AccountExists(ctx, req.AccountID)
	if err != nil {
		r.log.WithError(err).Error("account lookup failed")
	}
	if err != nil || !exists {
		return invalidAccountErrors(req)
	}

	children := make([]any, 0, len(req.Actions))
	for _, action := range req.Actions {
		switch {
		case action.Order != nil:
			children = append(children, r.placeOrder(ctx, req.AccountID, action.Order))
		case action.Cancel != nil:
			children = append(children, r.cancelOrder(ctx, action.Cancel))
		case action.Query != nil:
			children = append(children, r.queryOrder(ctx, action.Query))
		default:
			children = append(children, protocol.Error{Msg: "Unknown transactions child: " + action.Unknown})
		}
	}
	return children
}

// invalidAccountErrors fans one error per child out for a transactions
// root naming an unprovisioned account, echoing each child's
// identifying attributes in order.
func invalidAccountErrors(req *protocol.TransactionsRequest) []any {
	children := make([]any, 0, len(req.Actions))
	for _, action := range req.Actions {
		switch {
		case action.Order != nil:
			children = append(children, protocol.Error{
				Sym:    action.Order.Symbol,
				Amount: action.Order.Amount,
				Limit:  action.Order.Limit,
				Msg:    "Invalid account",
			})
		case action.Cancel != nil:
			children = append(children, protocol.Error{ID: action.Cancel.OrderID, Msg: "Invalid account"})
		case action.Query != nil:
			children = append(children, protocol.Error{ID: action.Query.OrderID, Msg: "Invalid account"})
		default:
			children = append(children, protocol.Error{Msg: "Invalid account"})
		}
	}
	return children
}

func (r *Router) placeOrder(ctx context.Context, accountID string, req *protocol.OrderAction) any {
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return orderError(req, "malformed amount: "+req.Amount)
	}
	limit, err := decimal.NewFromString(req.Limit)
	if err != nil {
		return orderError(req, "malformed limit: "+req.Limit)
	}
	order, err := r.engine.PlaceOrder(ctx, accountID, req.Symbol, amount, limit)
	if err != nil {
		return orderError(req, err.Error())
	}
	return protocol.Opened{
		Sym:    order.Symbol,
		Amount: order.Amount.String(),
		Limit:  order.LimitPrice.String(),
		ID:     strconv.FormatInt(order.ID, 10),
	}
}

func orderError(req *protocol.OrderAction, msg string) protocol.Error {
	return protocol.Error{Sym: req.Symbol, Amount: req.Amount, Limit: req.Limit, Msg: msg}
}

func (r *Router) cancelOrder(ctx context.Context, req *protocol.CancelAction) any {
	orderID, err := strconv.ParseInt(req.OrderID, 10, 64)
	if err != nil {
		return protocol.Error{ID: req.OrderID, Msg: "malformed order id: " + req.OrderID}
	}
	result, err := r.engine.CancelOrder(ctx, orderID)
	if err != nil {
		return protocol.Error{ID: req.OrderID, Msg: err.Error()}
	}
	canceled := protocol.Canceled{
		ID:       req.OrderID,
		Executed: executedElements(result.Executions),
	}
	if result.OpenShares.IsPositive() {
		canceled.Remainder = &protocol.CanceledShares{
			Shares: result.OpenShares.String(),
			Time:   r.now(),
		}
	}
	return canceled
}

func (r *Router) queryOrder(ctx context.Context, req *protocol.QueryAction) any {
	orderID, err := strconv.ParseInt(req.OrderID, 10, 64)
	if err != nil {
		return protocol.Error{ID: req.OrderID, Msg: "malformed order id: " + req.OrderID}
	}
	result, err := r.engine.QueryOrder(ctx, orderID)
	if err != nil {
		return protocol.Error{ID: req.OrderID, Msg: err.Error()}
	}
	status := protocol.Status{
		ID:       req.OrderID,
		Executed: executedElements(result.Executions),
	}
	if result.OpenShares.IsPositive() {
		switch result.Status {
		case models.StatusOpen:
			status.Open = &protocol.OpenShares{Shares: result.OpenShares.String()}
		case models.StatusCanceled:
			status.Remainder = &protocol.CanceledShares{
				Shares: result.OpenShares.String(),
				Time:   r.now(),
			}
		}
	}
	return status
}

func executedElements(execs []models.Execution) []protocol.Executed {
	out := make([]protocol.Executed, 0, len(execs))
	for _, e := range execs {
		out = append(out, protocol.Executed{
			Shares: e.Shares.String(),
			Price:  e.Price.String(),
			Time:   e.ExecTime,
		})
	}
	return out
}
