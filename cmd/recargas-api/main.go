// Command recargas-api runs the recharge HTTP API: multi-account carrier
// authentication, package catalog, and purchase orders.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"recargas"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := recargas.LoadConfig()
	if err != nil {
		return err
	}

	logger, flush, err := recargas.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer flush()

	proxyURL, err := resolveProxy(cfg, logger)
	if err != nil {
		return err
	}

	client, err := recargas.NewClient(nil, proxyURL, int(cfg.RequestTimeout.Seconds()))
	if err != nil {
		return fmt.Errorf("http client: %w", err)
	}

	store, closeStore, err := buildStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	mailbox := buildMailbox(cfg, logger)

	sessions := recargas.BuildSessions(cfg, client, store, mailbox, logger)
	manager := recargas.NewSessionManager(cfg, logger, sessions)
	if cfg.IdentityAPIKey != "" {
		manager.SetFallback(recargas.NewLegacySession(cfg, cfg.Accounts[0], client, mailbox, logger))
	}

	// Account initialization can block on SMS codes for minutes; run it in
	// the background so health checks answer immediately. Handlers fall back
	// to on-demand login until it finishes.
	go func() {
		state := manager.InitializeAll(context.Background())
		logger.Log("account pool initialized: %s", state)
	}()

	engine := recargas.NewOrderEngine(cfg, manager, client, logger)
	classifier := recargas.NewClassifier()
	server := recargas.NewServer(cfg, logger, manager, engine, classifier)

	maint := recargas.NewMaintenance(logger)
	maint.Add("order-cleanup", time.Minute, func(ctx context.Context) {
		engine.CleanupOldOrders()
	})
	maint.Add("account-retry", cfg.InitRetryDelay, func(ctx context.Context) {
		manager.MaybeRetry(ctx)
	})
	maint.Start(context.Background())
	defer maint.Stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case sig := <-quit:
		logger.Log("shutdown signal received: %s", sig)
	case err := <-serverErr:
		return err
	}

	if err := server.Shutdown(15 * time.Second); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Log("server stopped cleanly")
	return nil
}

func resolveProxy(cfg *recargas.Config, logger recargas.Logger) (string, error) {
	if cfg.ProxyFile == "" {
		return cfg.ProxyURL, nil
	}
	pool, err := recargas.NewProxyPool(cfg.ProxyFile)
	if err != nil {
		return "", err
	}
	proxy := pool.Random()
	logger.Log("using proxy %s (%d in pool)", pool.CurrentDisplay(), pool.Count())
	return proxy, nil
}

func buildStore(cfg *recargas.Config, logger recargas.Logger) (recargas.CredentialStore, func(), error) {
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		store, err := recargas.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis store: %w", err)
		}
		logger.Log("using redis credential store")
		return store, func() { _ = store.Close() }, nil
	}

	logger.Log("using file credential store at %s", cfg.CredentialsFile)
	return recargas.NewFileStore(cfg.CredentialsFile), func() {}, nil
}

func buildMailbox(cfg *recargas.Config, logger recargas.Logger) recargas.OTPMailbox {
	if cfg.SMSReceiverURL != "" {
		logger.Log("using sms-receiver mailbox at %s", cfg.SMSReceiverURL)
		return recargas.NewHTTPMailbox(cfg.SMSReceiverURL, cfg.SMSCheckInterval)
	}
	logger.Log("using file mailbox at %s", cfg.OTPFile)
	return recargas.NewFileMailbox(cfg.OTPFile, cfg.SMSCheckInterval)
}
