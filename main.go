package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mwaddip/blockhost-engine-opnet-sub001/internal/admin"
	"github.com/mwaddip/blockhost-engine-opnet-sub001/internal/chain"
	"github.com/mwaddip/blockhost-engine-opnet-sub001/internal/config"
	"github.com/mwaddip/blockhost-engine-opnet-sub001/internal/logging"
	"github.com/mwaddip/blockhost-engine-opnet-sub001/internal/monitor"
	"github.com/mwaddip/blockhost-engine-opnet-sub001/internal/nonce"
	"github.com/mwaddip/blockhost-engine-opnet-sub001/internal/provision"
	"github.com/mwaddip/blockhost-engine-opnet-sub001/internal/vmdb"
)

func main() {
	// Set up context-aware logging as default
	setupLogging()

	if err := run(); err != nil {
		slog.Error("Application error", "err", err)
		os.Exit(1)
	}
}

func setupLogging() {
	level := getLogLevel()

	jsonHandler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})

	// Wrap it with the context handler to include cycle IDs
	contextHandler := logging.NewContextHandler(jsonHandler)

	slog.SetDefault(slog.New(contextHandler))
}

func getLogLevel() slog.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run() error {
	configPath := config.DefaultConfigFile
	if v := os.Getenv("BLOCKHOST_CONFIG"); v != "" {
		configPath = v
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	secret, err := cfg.LoadSharedSecret()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Paths.StateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state dir %s: %w", cfg.Paths.StateDir, err)
	}

	store, err := vmdb.Open(filepath.Join(cfg.Paths.StateDir, "vms.json"))
	if err != nil {
		return fmt.Errorf("failed to open vm database: %w", err)
	}

	nonces, err := nonce.Open(filepath.Join(cfg.Paths.StateDir, "nonces.json"))
	if err != nil {
		return fmt.Errorf("failed to open nonce store: %w", err)
	}

	registry, err := admin.LoadRegistry(cfg.Paths.CommandsFile)
	if err != nil {
		return fmt.Errorf("failed to load admin command registry: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := registry.Watch(ctx); err != nil {
		slog.Warn("admin registry hot reload unavailable", "err", err)
	}
	defer func() { _ = registry.Close() }()

	client := chainClient(cfg)
	executor := admin.NewHandlers(cfg.Provisioner.KnockHelper)
	channel := admin.NewChannel(cfg.Admin.WalletAddress, secret, nonces, registry, executor)
	pipeline := provision.NewQueue(store, cfg.Provisioner.Helper, cfg.Provisioner.MintHelper,
		filepath.Join(cfg.Paths.StateDir, "provisioning.json"))
	dispatcher := monitor.NewDispatcher(client, pipeline, cfg.SubscriptionContract)
	reconciler := monitor.NewReconciler(client, store, pipeline, monitor.ExecIdentitySync(cfg.Provisioner.GecosHelper))

	loop := monitor.NewLoop(cfg, client, dispatcher, channel, executor, pipeline, reconciler,
		nonces, fundCycle(cfg), gasCheck(cfg, client))

	health := monitor.NewHealthServer(cfg.Port)
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- health.Start()
	}()

	loopDone := make(chan error, 1)
	go func() {
		loopDone <- loop.Run(ctx)
	}()

	// Wait for interrupt signal, loop exit, or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		cancel()
		<-loopDone
		return err
	case err := <-loopDone:
		return err
	case sig := <-shutdown:
		slog.Info("Shutdown signal received", "signal", sig)
		cancel()
		<-loopDone

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return health.Shutdown(shutdownCtx)
	}
}

func chainClient(cfg *config.Config) *chain.RPCClient {
	return chain.NewRPCClient(cfg.RPCURL, cfg.NFTContract, cfg.SubscriptionContract)
}

// fundCycle wraps the revenue distribution helper, or disables the task
// when no helper is configured.
func fundCycle(cfg *config.Config) monitor.FundCycleFunc {
	helper := cfg.Provisioner.DistributeHelper
	if helper == "" {
		slog.Warn("no distribute helper configured, fund cycle disabled")
		return nil
	}
	return func(ctx context.Context) error {
		output, err := exec.CommandContext(ctx, helper).CombinedOutput()
		if err != nil {
			return fmt.Errorf("distribute helper failed: %s: %w", strings.TrimSpace(string(output)), err)
		}
		slog.Info("fund cycle completed", "output", strings.TrimSpace(string(output)))
		return nil
	}
}

// gasCheck queries the server wallet balance, or disables the task when no
// server wallet is configured.
func gasCheck(cfg *config.Config, client chain.Client) monitor.GasCheckFunc {
	if cfg.ServerWallet == "" {
		slog.Warn("no server wallet configured, gas check disabled")
		return nil
	}
	return func(ctx context.Context) (int64, error) {
		return client.Balance(ctx, cfg.ServerWallet)
	}
}
