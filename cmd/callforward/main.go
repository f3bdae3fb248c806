package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowpbx/callforward/internal/agi"
	"github.com/flowpbx/callforward/internal/api"
	"github.com/flowpbx/callforward/internal/config"
	"github.com/flowpbx/callforward/internal/database"
	"github.com/flowpbx/callforward/internal/forward"
	"github.com/flowpbx/callforward/internal/metrics"
	"github.com/flowpbx/callforward/internal/registry"
)

func main() {
	os.Exit(run())
}

// run starts the service and blocks until a shutdown signal. It returns the
// process exit status so deferred cleanup runs first.
func run() int {
	startTime := time.Now()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting callforward",
		"http_port", cfg.HTTPPort,
		"agi_addr", cfg.AGIAddr,
		"db_driver", cfg.DBDriver,
		"registry_file", cfg.RegistryFile,
	)

	reg, err := registry.Load(cfg.RegistryFile)
	if err != nil {
		slog.Error("failed to load registry", "error", err)
		return 1
	}
	slog.Info("registry loaded",
		"extensions", len(reg.Extensions()),
		"contexts", len(reg.Contexts()),
	)

	db, err := openDatabase(cfg)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		return 1
	}
	defer db.Close()

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		slog.Error("failed to decode jwt secret", "error", err)
		return 1
	}
	if jwtSecret == nil {
		slog.Warn("jwt-secret not set, admin api is unauthenticated")
	}

	store := forward.NewStore(database.NewCallForwardRepository(db), reg, logger)
	resolver := forward.NewResolver(store, reg)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// FastAGI server for routing queries from Asterisk.
	guard := agi.NewPeerGuard(agi.DefaultGuardConfig(), logger)
	auth := agi.NewAuthenticator(cfg.AGISecret, cfg.AGISecretVariable, logger)
	agiSrv := agi.NewServer(cfg.AGIAddr, cfg.AGIIdleTimeout, auth, guard, logger)
	agiSrv.Handle(agi.CallForwardScript, agi.NewCallForwardHandler(resolver, reg, logger))
	if err := agiSrv.Start(appCtx); err != nil {
		slog.Error("failed to start agi server", "error", err)
		return 1
	}

	collector := metrics.NewCollector(store, agiSrv, startTime, logger)

	handler := api.NewServer(store, resolver, api.Options{
		JWTSecret: jwtSecret,
		Peers:     guard,
		Metrics:   metrics.Handler(metrics.NewRegistry(collector)),
	}, logger)
	defer handler.Close()

	srv := &http.Server{
		Addr:         cfg.HTTPAddr(),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
		exitCode = 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down servers")
	agiSrv.Stop()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		exitCode = 1
	}

	slog.Info("callforward stopped")
	return exitCode
}

// openDatabase opens the configured rule store backend and applies
// migrations.
func openDatabase(cfg *config.Config) (*database.DB, error) {
	if cfg.DBDriver == "postgres" {
		return database.OpenPostgres(cfg.DBDSN)
	}
	return database.Open(cfg.DataDir)
}
