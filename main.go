package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"naskahsync/config"
	"naskahsync/config/database"
	"naskahsync/internal/document/repository"
	"naskahsync/pkg/logger"
	"naskahsync/router"
	"naskahsync/socket"
	"naskahsync/store"

	"github.com/spf13/pflag"
)

const shutdownTimeout = 15 * time.Second

func main() {
	var (
		envFile  = pflag.String("env-file", ".env", "dotenv file to load before reading the environment")
		addr     = pflag.String("addr", "", "listen address (overrides ADDR)")
		backend  = pflag.String("store", "", "store backend: postgres or memory (overrides STORE_BACKEND)")
		autosave = pflag.Duration("autosave", -1, "autosave interval, 0 disables (overrides AUTOSAVE_INTERVAL)")
	)
	pflag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *backend != "" {
		cfg.StoreBackend = *backend
	}
	if *autosave >= 0 {
		cfg.AutosaveInterval = *autosave
	}

	logger.Init(cfg.LogLevel)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Sugar.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	docs, versions, db := openStore(ctx, cfg)
	if db != nil {
		defer db.Close()
	}

	gw := socket.NewGateway(socket.NewRegistry(), docs, versions, socket.Options{
		AutosaveInterval: cfg.AutosaveInterval,
		PersistTimeout:   cfg.PersistTimeout,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router.Setup([]byte(cfg.JWTSecret), cfg.CORSOrigin, docs, versions, gw),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Sugar.Infof("Go Backend listening on %s (store=%s, autosave=%s)", cfg.Addr, cfg.StoreBackend, cfg.AutosaveInterval)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Sugar.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Sugar.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by the http.Server, so
	// the gateway drains them (and their pending drafts) separately.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Sugar.Errorf("HTTP shutdown: %v", err)
	}
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Sugar.Errorf("Gateway shutdown: %v", err)
	}
	logger.Sugar.Info("Bye")
}

func openStore(ctx context.Context, cfg *config.Config) (store.DocumentStore, store.VersionStore, *sql.DB) {
	if cfg.StoreBackend == config.BackendMemory {
		logger.Sugar.Warn("Using the in-memory store; nothing survives a restart")
		mem := store.NewMemory()
		return mem, mem, nil
	}

	db, err := database.Connect(ctx, cfg.DB)
	if err != nil {
		logger.Sugar.Fatalf("Could not connect to database: %v", err)
	}
	if err := database.Migrate(ctx, db); err != nil {
		logger.Sugar.Fatalf("Could not migrate database: %v", err)
	}
	return repository.NewDocumentRepository(db), repository.NewVersionRepository(db), db
}
