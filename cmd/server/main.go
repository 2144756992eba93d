package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tably/crossed-paths/internal/app"
	"github.com/tably/crossed-paths/internal/cache"
	"github.com/tably/crossed-paths/internal/config"
	"github.com/tably/crossed-paths/internal/db"
	"github.com/tably/crossed-paths/internal/logger"
	"github.com/tably/crossed-paths/internal/server"
	"github.com/tably/crossed-paths/internal/service/crossings"
)

func main() {
	cfg := config.New()

	// Init logger (global singleton)
	logger.InitFromConfig(cfg)
	log := logger.L()

	// Init DB
	database, err := db.NewDB(cfg)
	if err != nil {
		log.Error("failed to init db", "err", err)
		return
	}

	// Init Redis
	redisCache := cache.NewRedisCache(cfg)
	if err := redisCache.Ping(context.Background()); err != nil {
		log.Error("failed to connect to redis", "err", err)
		return
	}

	appCtx := app.New(database, redisCache, log)
	svc := crossings.NewService(appCtx, cfg, crossings.NewLogInviter(log))

	if cfg.App.ENV == "development" {
		if err := db.SeedUsers(database); err != nil {
			log.Error("failed to seed", "err", err)
		}
	}

	engine := server.NewRouter(cfg, appCtx, svc)
	addr := cfg.HTTP.Host + ":" + cfg.HTTP.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      engine,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("starting HTTP server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("failed to start HTTP server", "err", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server shutdown failed", "err", err)
	}
}
