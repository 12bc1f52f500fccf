// Package executor submits ledger transactions on behalf of a single
// signer. ParallelExecutor runs independent transactions concurrently,
// paying for each from a pool of pre-split gas coins; SerialExecutor runs
// them one at a time with a single carried-over gas coin.
package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/sharding-experiment/parallel-executor/internal/ledger"
	"golang.org/x/sync/errgroup"
)

// Executor is the submission surface shared by the serial and parallel
// executors.
type Executor interface {
	ExecuteTransaction(ctx context.Context, tx *ledger.Transaction, include ledger.Include, additionalSignatures ...string) (*ledger.TransactionResult, error)
	ResetCache(ctx context.Context) error
	WaitForLastTransaction(ctx context.Context) error
}

// Stats is a point-in-time view of a ParallelExecutor.
type Stats struct {
	PoolSize           int       `json:"poolSize"`
	Pending            int       `json:"pending"`
	SourceCoins        int       `json:"sourceCoins"`
	BusyObjects        int       `json:"busyObjects"`
	GasPrice           uint64    `json:"gasPrice"`
	GasPriceExpiration time.Time `json:"gasPriceExpiration"`
	Executed           uint64    `json:"executed"`
	Failed             uint64    `json:"failed"`
	Refills            uint64    `json:"refills"`
	Quarantined        uint64    `json:"quarantined"`
}

type counters struct {
	executed    atomic.Uint64
	failed      atomic.Uint64
	refills     atomic.Uint64
	quarantined atomic.Uint64
}

// ParallelExecutor executes transactions concurrently. Transactions that
// use the same owned objects run in submission order; all others run in
// parallel, up to MaxPoolSize at a time.
type ParallelExecutor struct {
	signer ledger.Signer
	client ledger.Client
	opts   Options
	log    log.Logger

	cache        *CachingExecutor
	objectQueues *objectQueues
	buildQueue   *SerialQueue
	executeQueue *ParallelQueue
	cacheLock    *cacheLock
	gasPrice     *gasPriceCache
	coins        *coinPool
	stats        counters

	mu         sync.Mutex
	lastDigest *ledger.Digest
}

// NewParallelExecutor creates an executor paying from signer's coins.
func NewParallelExecutor(client ledger.Client, signer ledger.Signer, opts Options) *ParallelExecutor {
	opts = opts.withDefaults()
	logger := log.New("component", "executor", "mode", "parallel")
	return &ParallelExecutor{
		signer:       signer,
		client:       client,
		opts:         opts,
		log:          logger,
		cache:        NewCachingExecutor(client, opts.Cache, nil),
		objectQueues: newObjectQueues(),
		buildQueue:   NewSerialQueue(),
		executeQueue: NewParallelQueue(opts.MaxPoolSize),
		cacheLock:    newCacheLock(),
		gasPrice:     newGasPriceCache(client, opts.EpochBoundaryWindow, opts.Clock, opts.Now, logger),
		coins:        newCoinPool(opts.SourceCoins),
	}
}

// ResetCache forgets the cached gas price and object versions.
func (e *ParallelExecutor) ResetCache(ctx context.Context) error {
	e.gasPrice.reset()
	return e.cacheLock.run(ctx, e.cache.Reset)
}

// WaitForLastTransaction blocks until the last successful transaction is
// visible to reads.
func (e *ParallelExecutor) WaitForLastTransaction(ctx context.Context) error {
	return e.cacheLock.run(ctx, e.waitForLastDigest)
}

// ExecuteTransaction builds, signs and submits tx, returning its
// settlement. Errors from building, signing or submission are returned
// unchanged; the transaction is never retried.
func (e *ParallelExecutor) ExecuteTransaction(ctx context.Context, tx *ledger.Transaction, include ledger.Include, additionalSignatures ...string) (*ledger.TransactionResult, error) {
	usedObjects := tx.UsedObjects()

	release := e.objectQueues.acquire(usedObjects)
	defer release()

	if err := e.executeQueue.acquire(ctx); err != nil {
		return nil, err
	}
	defer e.executeQueue.release()

	return e.execute(ctx, tx, usedObjects, include, additionalSignatures)
}

func (e *ParallelExecutor) execute(ctx context.Context, tx *ledger.Transaction, usedObjects []ledger.ObjectID, include ledger.Include, additionalSignatures []string) (*ledger.TransactionResult, error) {
	var gasCoin, reusable *Coin
	defer func() {
		if gasCoin != nil {
			e.coins.done(reusable)
		}
	}()

	fail := func(err error) (*ledger.TransactionResult, error) {
		e.stats.failed.Add(1)
		if gasCoin != nil {
			e.coins.quarantine(gasCoin.Ref.ObjectID)
			e.stats.quarantined.Add(1)
		}
		e.invalidate(ctx, usedObjects)
		e.log.Debug("Transaction failed", "objects", len(usedObjects), "err", err)
		return nil, err
	}

	address := e.signer.Address()
	tx.SetSenderIfNotSet(address)

	err := e.buildQueue.Run(ctx, func() error {
		if tx.Gas.Price == 0 {
			price, err := e.gasPrice.price(ctx)
			if err != nil {
				return err
			}
			tx.SetGasPrice(price)
		}
		tx.SetGasBudgetIfNotSet(e.opts.DefaultGasBudget)

		if err := e.cacheLock.wait(ctx); err != nil {
			return err
		}
		coin, err := e.getGasCoin(ctx)
		if err != nil {
			return err
		}
		gasCoin = coin
		tx.SetGasPayment([]ledger.ObjectRef{coin.Ref})

		// Only the kind: the gas data set above is already resolved.
		_, err = e.cache.BuildTransaction(ctx, tx, true)
		return err
	})
	if err != nil {
		return fail(err)
	}

	txBytes, err := tx.Build(ctx, ledger.BuildOptions{Client: e.client})
	if err != nil {
		return fail(err)
	}
	signature, err := e.signer.SignTransaction(ctx, txBytes)
	if err != nil {
		return fail(err)
	}
	signatures := append([]string{signature}, additionalSignatures...)

	result, err := e.cache.ExecuteTransaction(ctx, txBytes, signatures, include)
	if err != nil {
		return fail(err)
	}

	reusable = e.settleGasCoin(tx, gasCoin, result.Effects, address)

	e.mu.Lock()
	digest := result.Digest
	e.lastDigest = &digest
	e.mu.Unlock()

	e.stats.executed.Add(1)
	return result, nil
}

// settleGasCoin decides what happens to the gas coin after execution and
// returns it if it goes back to the pool.
func (e *ParallelExecutor) settleGasCoin(tx *ledger.Transaction, coin *Coin, effects *ledger.Effects, address ledger.Address) *Coin {
	if effects == nil || effects.GasObject == nil || effects.GasObject.OutputOwner == nil {
		e.coins.quarantine(coin.Ref.ObjectID)
		e.stats.quarantined.Add(1)
		return nil
	}
	gasObject := effects.GasObject
	if !gasObject.OutputOwner.OwnedBy(address) {
		e.log.Info("Gas coin left the signer's ownership", "id", gasObject.ObjectID, "digest", effects.Digest)
		return nil
	}
	remaining := remainingBalance(&coin.Balance, e.opts.GasUsage, effects.GasUsed)
	return e.releaseGasCoin(gasObject.OutputRef(), remaining, tx.UsesGasCoin())
}

// invalidate drops the cached versions of objects used by a failed
// transaction and waits for the last successful one, so later builds read
// fresh versions.
func (e *ParallelExecutor) invalidate(ctx context.Context, usedObjects []ledger.ObjectID) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.FailureSettleTimeout)
	defer cancel()

	err := e.cacheLock.run(ctx, func(ctx context.Context) error {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return e.cache.Cache().DeleteObjects(usedObjects) })
		g.Go(func() error { return e.waitForLastDigest(gctx) })
		return g.Wait()
	})
	if err != nil {
		e.log.Warn("Failed to settle cache after transaction failure", "err", err)
	}
}

func (e *ParallelExecutor) waitForLastDigest(ctx context.Context) error {
	e.mu.Lock()
	digest := e.lastDigest
	e.lastDigest = nil
	e.mu.Unlock()

	if digest == nil {
		return nil
	}
	return e.client.WaitForTransaction(ctx, *digest)
}

// Stats returns the current pool and queue state.
func (e *ParallelExecutor) Stats() Stats {
	size, pending, sources := e.coins.counts()
	price, expiration := e.gasPrice.snapshot()
	return Stats{
		PoolSize:           size,
		Pending:            pending,
		SourceCoins:        sources,
		BusyObjects:        e.objectQueues.busy(),
		GasPrice:           price,
		GasPriceExpiration: expiration,
		Executed:           e.stats.executed.Load(),
		Failed:             e.stats.failed.Load(),
		Refills:            e.stats.refills.Load(),
		Quarantined:        e.stats.quarantined.Load(),
	}
}
