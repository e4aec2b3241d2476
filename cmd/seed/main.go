package main

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/matchd/internal/config"
	"github.com/xtrntr/matchd/internal/db"
	"github.com/xtrntr/matchd/internal/exchange"
)

// Seed the database with demo accounts, positions and a crossed pair
// of orders, all through the engine so every invariant applies.
func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	log := logrus.New()
	ctx := context.Background()

	database, err := db.New(ctx, cfg.ConnString(), log.WithField("component", "db"))
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer database.Close()

	if err := database.EnsureSchema(ctx); err != nil {
		log.WithError(err).Fatal("Failed to apply schema")
	}

	engine := exchange.New(database, log.WithField("component", "engine"))

	if exists, err := engine.AccountExists(ctx, "trader1"); err != nil {
		log.WithError(err).Fatal("Failed to check accounts")
	} else if exists {
		fmt.Println("Database already seeded. Nothing to do.")
		return
	}

	if err := engine.CreateAccount(ctx, "trader1", decimal.NewFromInt(100000)); err != nil {
		log.WithError(err).Fatal("Failed to create trader1")
	}
	if err := engine.CreateAccount(ctx, "trader2", decimal.NewFromInt(100000)); err != nil {
		log.WithError(err).Fatal("Failed to create trader2")
	}
	if err := engine.CreditShares(ctx, "TEST", "trader2", decimal.NewFromInt(500)); err != nil {
		log.WithError(err).Fatal("Failed to credit shares")
	}

	// A resting sell and a crossing buy: the buy fills at the resting
	// price and the remainder stays on the book.
	sell, err := engine.PlaceOrder(ctx, "trader2", "TEST",
		decimal.NewFromInt(-100), decimal.NewFromInt(45))
	if err != nil {
		log.WithError(err).Fatal("Failed to place sell order")
	}
	buy, err := engine.PlaceOrder(ctx, "trader1", "TEST",
		decimal.NewFromInt(150), decimal.NewFromInt(50))
	if err != nil {
		log.WithError(err).Fatal("Failed to place buy order")
	}

	fmt.Printf("Seeded accounts trader1/trader2, sell order %d, buy order %d\n", sell.ID, buy.ID)
}
