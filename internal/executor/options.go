package executor

import (
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/holiman/uint256"
	"github.com/sharding-experiment/parallel-executor/internal/ledger"
	"github.com/sharding-experiment/parallel-executor/internal/objcache"
)

const (
	DefaultCoinBatchSize        = 20
	DefaultInitialCoinBalance   = 200_000_000
	DefaultMinimumCoinBalance   = 50_000_000
	DefaultMaxPoolSize          = 50
	DefaultEpochBoundaryWindow  = time.Second
	DefaultSerialGasBudget      = 50_000_000
	DefaultFailureSettleTimeout = 30 * time.Second

	// minEpochWait is the shortest pause taken when the cached gas price
	// has expired.
	minEpochWait = time.Second
)

// GasUsageFunc splits the fee breakdown of an execution into the amount
// debited from the gas coin and the amount credited back to it.
type GasUsageFunc func(cost ledger.GasCost) (debit, credit *uint256.Int)

// GasUsage is the net charge of an execution: computation plus storage,
// less the storage rebate.
func GasUsage(cost ledger.GasCost) (debit, credit *uint256.Int) {
	debit = new(uint256.Int).Add(uint256.NewInt(cost.ComputationCost), uint256.NewInt(cost.StorageCost))
	return debit, uint256.NewInt(cost.StorageRebate)
}

// LegacyGasUsage counts the storage cost twice. It underestimates the
// remaining balance of a coin and retires coins earlier than necessary;
// it exists for parity with deployments that tuned their balances to it.
func LegacyGasUsage(cost ledger.GasCost) (debit, credit *uint256.Int) {
	storage := uint256.NewInt(cost.StorageCost)
	debit = new(uint256.Int).Add(uint256.NewInt(cost.ComputationCost), storage)
	debit.Add(debit, storage)
	return debit, uint256.NewInt(cost.StorageRebate)
}

// remainingBalance applies an execution's charge to a coin balance,
// flooring at zero.
func remainingBalance(balance *uint256.Int, usage GasUsageFunc, cost ledger.GasCost) *uint256.Int {
	debit, credit := usage(cost)
	total := new(uint256.Int).Add(balance, credit)
	remaining, underflow := new(uint256.Int).SubOverflow(total, debit)
	if underflow {
		return new(uint256.Int)
	}
	return remaining
}

// Options configures a ParallelExecutor. Zero values take the defaults
// above.
type Options struct {
	// CoinBatchSize is the number of coins created per pool refill.
	CoinBatchSize int
	// InitialCoinBalance is the balance of each coin created for the pool.
	InitialCoinBalance uint64
	// MinimumCoinBalance is the balance below which a coin is returned to
	// the funding sources instead of the pool.
	MinimumCoinBalance uint64
	// DefaultGasBudget applies to transactions without a budget. Defaults
	// to MinimumCoinBalance.
	DefaultGasBudget uint64
	// EpochBoundaryWindow is the margin kept around each expected epoch
	// change; builds pause for up to twice this long around the boundary
	// so the gas price is current for the new epoch.
	EpochBoundaryWindow time.Duration
	// MaxPoolSize bounds the number of in-flight transactions and thus the
	// number of pool coins.
	MaxPoolSize int
	// SourceCoins fund the first refill. When empty, every gas coin owned
	// by the signer is used.
	SourceCoins []ledger.ObjectID

	// Cache holds object versions between transactions. Defaults to an
	// in-memory cache.
	Cache *objcache.Cache
	// GasUsage computes coin charges. Defaults to GasUsage.
	GasUsage GasUsageFunc
	// FailureSettleTimeout bounds the wait for the previous transaction
	// after a failed submission.
	FailureSettleTimeout time.Duration

	Clock mclock.Clock
	Now   func() time.Time
}

func (o Options) withDefaults() Options {
	if o.CoinBatchSize <= 0 {
		o.CoinBatchSize = DefaultCoinBatchSize
	}
	if o.InitialCoinBalance == 0 {
		o.InitialCoinBalance = DefaultInitialCoinBalance
	}
	if o.MinimumCoinBalance == 0 {
		o.MinimumCoinBalance = DefaultMinimumCoinBalance
	}
	if o.DefaultGasBudget == 0 {
		o.DefaultGasBudget = o.MinimumCoinBalance
	}
	if o.EpochBoundaryWindow <= 0 {
		o.EpochBoundaryWindow = DefaultEpochBoundaryWindow
	}
	if o.MaxPoolSize <= 0 {
		o.MaxPoolSize = DefaultMaxPoolSize
	}
	if o.Cache == nil {
		o.Cache = objcache.New(nil)
	}
	if o.GasUsage == nil {
		o.GasUsage = GasUsage
	}
	if o.FailureSettleTimeout <= 0 {
		o.FailureSettleTimeout = DefaultFailureSettleTimeout
	}
	if o.Clock == nil {
		o.Clock = mclock.System{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
