package main

import (
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/sharding-experiment/parallel-executor/config"
	"github.com/sharding-experiment/parallel-executor/internal/executor"
	"github.com/sharding-experiment/parallel-executor/internal/ledger"
	"github.com/sharding-experiment/parallel-executor/internal/objcache"
)

func setupLogging(level string) error {
	lvl, err := log.LvlFromString(level)
	if err != nil {
		return err
	}
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, lvl, false)))
	return nil
}

func openCache(cfg config.CacheConfig) (*objcache.Cache, error) {
	switch cfg.Backend {
	case config.BackendLevelDB:
		store, err := objcache.NewPersistentStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return objcache.New(store), nil
	default:
		return objcache.New(objcache.NewMemoryStore(cfg.MaxBytes)), nil
	}
}

// parallelOptions translates the executor config section.
func parallelOptions(cfg config.ExecutorConfig, cache *objcache.Cache) (executor.Options, error) {
	opts := executor.Options{
		CoinBatchSize:        cfg.CoinBatchSize,
		InitialCoinBalance:   cfg.InitialCoinBalance,
		MinimumCoinBalance:   cfg.MinimumCoinBalance,
		DefaultGasBudget:     cfg.DefaultGasBudget,
		EpochBoundaryWindow:  time.Duration(cfg.EpochBoundaryWindowMs) * time.Millisecond,
		MaxPoolSize:          cfg.MaxPoolSize,
		Cache:                cache,
		FailureSettleTimeout: time.Duration(cfg.FailureSettleTimeoutMs) * time.Millisecond,
	}
	switch cfg.GasUsage {
	case "", "net":
		opts.GasUsage = executor.GasUsage
	case "legacy":
		opts.GasUsage = executor.LegacyGasUsage
	default:
		return opts, fmt.Errorf("unknown gas usage formula %q", cfg.GasUsage)
	}
	for _, s := range cfg.SourceCoins {
		id, err := ledger.ParseObjectID(s)
		if err != nil {
			return opts, fmt.Errorf("invalid source coin: %w", err)
		}
		opts.SourceCoins = append(opts.SourceCoins, id)
	}
	return opts, nil
}

func newExecutor(cfg config.ExecutorConfig, client ledger.Client, signer ledger.Signer, cache *objcache.Cache) (executor.Executor, error) {
	if cfg.Mode == config.ModeSerial {
		return executor.NewSerialExecutor(client, signer, executor.SerialOptions{
			Cache:            cache,
			DefaultGasBudget: cfg.DefaultGasBudget,
		}), nil
	}
	opts, err := parallelOptions(cfg, cache)
	if err != nil {
		return nil, err
	}
	return executor.NewParallelExecutor(client, signer, opts), nil
}
