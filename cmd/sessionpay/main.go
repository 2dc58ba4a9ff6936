// Package main runs the session payment service: escrow engine, settlement
// orchestrator and the HTTP API in one process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	app "github.com/R3E-Network/sessionpay/internal/app"
	"github.com/R3E-Network/sessionpay/internal/app/httpapi"
	"github.com/R3E-Network/sessionpay/internal/app/storage/postgres"
	"github.com/R3E-Network/sessionpay/internal/app/storage/redis"
	"github.com/R3E-Network/sessionpay/internal/chain"
	"github.com/R3E-Network/sessionpay/internal/config"
	"github.com/R3E-Network/sessionpay/internal/middleware"
	"github.com/R3E-Network/sessionpay/internal/platform/migrations"
	"github.com/R3E-Network/sessionpay/pkg/logger"
)

func main() {
	issueFor := flag.String("issue-token", "", "print a bearer token for the given caller address and exit")
	role := flag.String("role", "user", "role claim for -issue-token")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	if *issueFor != "" {
		if err := issueToken(cfg, *issueFor, *role); err != nil {
			fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
			os.Exit(1)
		}
		return
	}

	log := logger.New(cfg.Logging.Logger())
	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("sessionpay exited")
		os.Exit(1)
	}
}

func issueToken(cfg *config.Config, raw, role string) error {
	caller, err := chain.ParseAddress(raw)
	if err != nil {
		return err
	}
	issuer, err := middleware.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}
	token, err := issuer.Issue(caller, role)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, closeStores, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStores()

	application, err := app.New(ctx, cfg, stores, log)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("start application: %w", err)
	}

	opts, err := httpapi.OptionsFromConfig(cfg, log.Named("httpapi"))
	if err != nil {
		return fmt.Errorf("configure http api: %w", err)
	}
	cleanupStop := make(chan struct{})
	defer close(cleanupStop)
	opts.RateLimiter.StartCleanup(time.Minute, cleanupStop)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           httpapi.NewHandler(application, opts),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.Addr).
			WithField("escrow", application.Engine.Address().Hex()).
			WithField("token", application.TokenAddress.Hex()).
			Info("sessionpay listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			_ = application.Stop(context.Background())
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("service stop")
	}
	log.Info("sessionpay stopped")
	return nil
}

// openStores selects PostgreSQL and Redis when configured and falls back to
// in-memory stores otherwise.
func openStores(ctx context.Context, cfg *config.Config, log *logger.Logger) (app.Stores, func(), error) {
	var (
		stores  app.Stores
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if dsn := cfg.Database.DSN; dsn != "" {
		store, db, err := postgres.Open(ctx, dsn)
		if err != nil {
			return stores, closeAll, err
		}
		closers = append(closers, func() { _ = db.Close() })
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
		if cfg.Database.MigrateOnStart {
			if err := migrations.Apply(ctx, db); err != nil {
				closeAll()
				return stores, func() {}, fmt.Errorf("apply migrations: %w", err)
			}
		}
		stores.Sessions = store
		stores.Events = store
		stores.Attestations = store
		stores.PriceFeeds = store
		log.Info("using postgres persistence")
	} else {
		log.Warn("DATABASE_URL not set; using in-memory stores")
	}

	if addr := cfg.Redis.Addr; addr != "" {
		jobs, err := redis.New(ctx, redis.Options{Addr: addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err != nil {
			closeAll()
			return stores, func() {}, err
		}
		closers = append(closers, func() { _ = jobs.Close() })
		stores.Jobs = jobs
		log.WithField("addr", addr).Info("using redis job cache")
	}
	return stores, closeAll, nil
}
