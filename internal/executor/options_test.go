package executor

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/sharding-experiment/parallel-executor/internal/ledger"
)

func TestRemainingBalance(t *testing.T) {
	cost := ledger.GasCost{ComputationCost: 1_000_000, StorageCost: 4_000_000, StorageRebate: 2_000_000}

	tests := []struct {
		name    string
		balance uint64
		cost    ledger.GasCost
		usage   GasUsageFunc
		want    uint64
	}{
		{"net", 200_000_000, cost, GasUsage, 197_000_000},
		{"legacy", 200_000_000, cost, LegacyGasUsage, 193_000_000},
		{"floor", 2_000_000, cost, GasUsage, 0},
		{"rebate only", 10, ledger.GasCost{StorageRebate: 2_000_000}, GasUsage, 2_000_010},
	}
	for _, tt := range tests {
		got := remainingBalance(uint256.NewInt(tt.balance), tt.usage, tt.cost)
		if got.Uint64() != tt.want {
			t.Errorf("%s: remaining = %d, want %d", tt.name, got.Uint64(), tt.want)
		}
	}
}

func TestOptionsDefaults(t *testing.T) {
	opts := Options{MinimumCoinBalance: 10}.withDefaults()
	if opts.DefaultGasBudget != 10 {
		t.Errorf("DefaultGasBudget = %d, want the minimum coin balance", opts.DefaultGasBudget)
	}
	if opts.CoinBatchSize != DefaultCoinBatchSize || opts.MaxPoolSize != DefaultMaxPoolSize {
		t.Errorf("unexpected defaults: %+v", opts)
	}
	if opts.Cache == nil || opts.GasUsage == nil || opts.Clock == nil || opts.Now == nil {
		t.Error("defaults left a dependency unset")
	}
}
