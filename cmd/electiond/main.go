package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"election-workflow/api"
	"election-workflow/config"
	"election-workflow/event"
	"election-workflow/ledger"
	"election-workflow/models"
	"election-workflow/session"
	"election-workflow/storage"
	"election-workflow/verification"
	"election-workflow/workflow"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "electiond",
		Short: "Election session workflow service",
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file")
	rootCmd.AddCommand(serveCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the election workflow API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "", "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %q", level)
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})), nil
}

func adminIdentity(cfg *config.Config, logger *slog.Logger) (models.Identity, error) {
	if cfg.Ledger.Admin != "" {
		return models.ParseIdentity(cfg.Ledger.Admin)
	}
	// No admin configured: generate a development admin wallet and print
	// its key so the operator can drive the admin workflow.
	key, err := crypto.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("failed to generate admin key: %w", err)
	}
	id := models.FromAddress(crypto.PubkeyToAddress(key.PublicKey))
	logger.Warn("no admin configured, generated development admin wallet",
		"address", id.String())
	return id, nil
}

func newVerifier(cfg *config.Config, logger *slog.Logger) (verification.Client, func() error, error) {
	switch cfg.Verification.Mode {
	case "http":
		return verification.NewHTTPClient(cfg.Verification.Url, cfg.Verification.Timeout), func() error { return nil }, nil
	case "", "local":
		matcher, err := verification.NewLocalMatcher(cfg.Verification.DatabasePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return matcher, matcher.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown verification mode: %q", cfg.Verification.Mode)
	}
}

func serve(cfg *config.Config) error {
	logger, err := newLogger(cfg.Logging.Level)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.Ledger.SnapshotDir, 0755); err != nil {
		return fmt.Errorf("failed to setup storage: %w", err)
	}
	store, err := storage.NewSnapshotStore(filepath.Join(cfg.Ledger.SnapshotDir, "ledger"))
	if err != nil {
		return err
	}

	admin, err := adminIdentity(cfg, logger)
	if err != nil {
		return err
	}
	ledgerClient, err := ledger.NewMemoryLedger(admin, store, logger)
	if err != nil {
		return err
	}

	verifier, closeVerifier, err := newVerifier(cfg, logger)
	if err != nil {
		return err
	}
	defer closeVerifier()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := workflow.NewMetrics(registry)
	bus := event.NewBus(logger)

	policy := workflow.Policy{
		AllowMidElectionCandidates: cfg.Election.AllowMidElectionCandidates,
	}
	server := api.NewServer(ledgerClient, verifier, bus, metrics, registry, policy, cfg.Election.ChainId, logger)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Api.ListenAddress, cfg.Api.ListenPort),
		Handler: server.Handler(),
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	serverChan := make(chan error, 1)
	go func() {
		logger.Info("starting API server",
			"address", cfg.Api.ListenAddress,
			"port", cfg.Api.ListenPort,
			"network", session.NetworkName(cfg.Election.ChainId),
		)
		serverChan <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		logger.Info("received signal, shutting down", "signal", sig.String())
		server.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown did not complete cleanly", "error", err)
		}
		logger.Info("shutdown complete")
	}
	return nil
}
