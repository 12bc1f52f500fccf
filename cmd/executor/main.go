package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/ethereum/go-ethereum/log"
	"github.com/sharding-experiment/parallel-executor/config"
	"github.com/sharding-experiment/parallel-executor/internal/keys"
	"github.com/sharding-experiment/parallel-executor/internal/rpcclient"
	"github.com/sharding-experiment/parallel-executor/internal/service"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default config/config.json)")
	port := flag.Int("port", 0, "HTTP port (0 = use config)")
	rpcURL := flag.String("rpc", "", "Ledger node JSON-RPC URL (empty = use config)")
	mode := flag.String("mode", "", "Executor mode: parallel or serial (empty = use config)")
	verbosity := flag.String("verbosity", "", "Log level (empty = use config)")
	dumpConfig := flag.Bool("dump-config", false, "Print the effective configuration and exit")
	flag.Parse()

	// Load config first (primary source of truth)
	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		if *configPath != "" {
			log.Crit("Failed to load config", "path", *configPath, "err", err)
		}
		cfg = config.Default()
	}
	usingDefaults := err != nil

	if *port != 0 {
		cfg.HTTP.Port = *port
	}
	if *rpcURL != "" {
		cfg.RPC.URL = *rpcURL
	}
	if *mode != "" {
		cfg.Executor.Mode = *mode
	}
	if *verbosity != "" {
		cfg.Log.Level = *verbosity
	}

	// Environment variables override flags (container deployments)
	if envURL := os.Getenv("EXECUTOR_RPC_URL"); envURL != "" {
		cfg.RPC.URL = envURL
	}
	if envMode := os.Getenv("EXECUTOR_MODE"); envMode != "" {
		cfg.Executor.Mode = envMode
	}
	if envKey := os.Getenv("EXECUTOR_KEYSTORE"); envKey != "" {
		cfg.Keystore.Path = envKey
	}
	if envPort := os.Getenv("PORT"); envPort != "" {
		if p, err := strconv.Atoi(envPort); err == nil {
			cfg.HTTP.Port = p
		}
	}

	if err := setupLogging(cfg.Log.Level); err != nil {
		log.Crit("Invalid log level", "level", cfg.Log.Level, "err", err)
	}
	if usingDefaults {
		log.Info("No config.json found, using defaults")
	}
	if err := cfg.Validate(); err != nil {
		log.Crit("Invalid configuration", "err", err)
	}
	if *dumpConfig {
		spew.Fdump(os.Stdout, cfg)
		return
	}

	signer, err := keys.LoadKeypair(cfg.Keystore.Path)
	if err != nil {
		log.Crit("Failed to load signer key", "path", cfg.Keystore.Path, "err", err)
	}
	log.Info("Loaded signer", "address", signer.Address())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := rpcclient.Dial(ctx, cfg.RPC, cfg.Network)
	if err != nil {
		log.Crit("Failed to connect to ledger node", "url", cfg.RPC.URL, "err", err)
	}
	defer client.Close()
	if cfg.Network.DelayEnabled {
		log.Info("Network delay simulation enabled", "min", cfg.Network.MinDelayMs, "max", cfg.Network.MaxDelayMs)
	}

	cache, err := openCache(cfg.Cache)
	if err != nil {
		log.Crit("Failed to open object cache", "backend", cfg.Cache.Backend, "err", err)
	}
	defer cache.Close()

	exec, err := newExecutor(cfg.Executor, client, signer, cache)
	if err != nil {
		log.Crit("Failed to create executor", "err", err)
	}
	log.Info("Starting executor", "mode", cfg.Executor.Mode, "rpc", cfg.RPC.URL)

	svc := service.NewService(exec)
	errc := make(chan error, 1)
	go func() { errc <- svc.Start(cfg.HTTP.Port) }()

	select {
	case err := <-errc:
		if err != nil {
			log.Error("HTTP server failed", "err", err)
		}
	case <-ctx.Done():
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := svc.Shutdown(shutdownCtx); err != nil {
			log.Warn("HTTP shutdown incomplete", "err", err)
		}
		if err := exec.WaitForLastTransaction(shutdownCtx); err != nil {
			log.Warn("Last transaction not settled", "err", err)
		}
	}
}
