package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/xtrntr/matchd/internal/admin"
	"github.com/xtrntr/matchd/internal/config"
	"github.com/xtrntr/matchd/internal/db"
	"github.com/xtrntr/matchd/internal/exchange"
	"github.com/xtrntr/matchd/internal/server"
)

// Main entry point: sets up config, logging, database, engine, the
// framed TCP server and the admin HTTP server.
func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, cfg.ConnString(), log.WithField("component", "db"))
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer database.Close()

	if err := database.EnsureSchema(ctx); err != nil {
		log.WithError(err).Fatal("Failed to apply schema")
	}

	engine := exchange.New(database, log.WithField("component", "engine"))
	router := server.NewRouter(engine, log.WithField("component", "router"))

	adminHandler := admin.NewHandler(database, log.WithField("component", "admin"))
	adminSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.AdminPort),
		Handler: adminHandler.Router(),
	}
	go func() {
		log.WithField("addr", adminSrv.Addr).Info("admin server listening")
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("admin server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		adminSrv.Shutdown(context.Background())
	}()

	srv := server.NewServer(router, log.WithField("component", "server"),
		fmt.Sprintf(":%d", cfg.Port), cfg.ReadTimeout, cfg.Workers)
	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Fatal("Server failed")
	}
	log.Info("shut down")
}

func newLogger(cfg config.Config) *logrus.Logger {
	log := logrus.New()
	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}
