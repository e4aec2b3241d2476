// Package admin exposes a read-only HTTP surface for operators: a
// health check and a per-symbol book depth snapshot.
package admin

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/matchd/internal/db"
	"github.com/xtrntr/matchd/internal/models"
)

// Handler contains dependencies for the admin HTTP handlers.
type Handler struct {
	DB  *db.DB
	log *logrus.Entry
}

// NewHandler creates a new admin handler.
func NewHandler(database *db.DB, log *logrus.Entry) *Handler {
	return &Handler{DB: database, log: log}
}

// Router builds the admin HTTP router.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Get("/healthz", h.Health)
	r.Get("/book/{symbol}", h.Book)
	return r
}

// Health reports database liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.Ping(r.Context()); err != nil {
		h.log.WithError(err).Error("health check failed")
		http.Error(w, `{"status": "unhealthy"}`, http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type bookOrder struct {
	ID           int64  `json:"id"`
	AccountID    string `json:"account_id"`
	Amount       string `json:"amount"`
	LimitPrice   string `json:"limit_price"`
	CreationTime int64  `json:"creation_time"`
}

type bookSnapshot struct {
	Symbol     string      `json:"symbol"`
	BuyOrders  []bookOrder `json:"buy_orders"`
	SellOrders []bookOrder `json:"sell_orders"`
}

// Book returns the open orders of one symbol, both sides in matching
// priority order.
func (h *Handler) Book(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	buys, err := h.openOrders(r.Context(), symbol, models.SideBuy)
	if err != nil {
		h.log.WithError(err).Error("failed to read buy side")
		http.Error(w, `{"error": "failed to read order book"}`, http.StatusInternalServerError)
		return
	}
	sells, err := h.openOrders(r.Context(), symbol, models.SideSell)
	if err != nil {
		h.log.WithError(err).Error("failed to read sell side")
		http.Error(w, `{"error": "failed to read order book"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(bookSnapshot{Symbol: symbol, BuyOrders: buys, SellOrders: sells})
}

func (h *Handler) openOrders(ctx context.Context, symbol string, side models.Side) ([]bookOrder, error) {
	orders, err := h.DB.OpenOrdersForSymbol(ctx, symbol, side)
	if err != nil {
		return nil, err
	}
	out := make([]bookOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, bookOrder{
			ID:           o.ID,
			AccountID:    o.AccountID,
			Amount:       o.Amount.String(),
			LimitPrice:   o.LimitPrice.String(),
			CreationTime: o.CreationTime,
		})
	}
	return out, nil
}
