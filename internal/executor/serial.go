package executor

import (
	"context"

	"github.com/ethereum/go-ethereum/log"
	"github.com/sharding-experiment/parallel-executor/internal/ledger"
	"github.com/sharding-experiment/parallel-executor/internal/objcache"
)

// gasCoinKey is the custom cache entry holding the coin the next serial
// transaction pays with.
const gasCoinKey = "gasCoin"

// SerialOptions configures a SerialExecutor.
type SerialOptions struct {
	Cache *objcache.Cache
	// DefaultGasBudget applies to transactions without a budget. Defaults
	// to DefaultSerialGasBudget.
	DefaultGasBudget uint64
}

// SerialExecutor executes one transaction at a time, paying each with the
// gas coin output of the previous one.
type SerialExecutor struct {
	signer           ledger.Signer
	queue            *SerialQueue
	cache            *CachingExecutor
	defaultGasBudget uint64
	log              log.Logger
}

func NewSerialExecutor(client ledger.Client, signer ledger.Signer, opts SerialOptions) *SerialExecutor {
	if opts.DefaultGasBudget == 0 {
		opts.DefaultGasBudget = DefaultSerialGasBudget
	}
	e := &SerialExecutor{
		signer:           signer,
		queue:            NewSerialQueue(),
		defaultGasBudget: opts.DefaultGasBudget,
		log:              log.New("component", "executor", "mode", "serial"),
	}
	e.cache = NewCachingExecutor(client, opts.Cache, e.cacheGasCoin)
	return e
}

// cacheGasCoin remembers the gas coin written by the last transaction.
func (e *SerialExecutor) cacheGasCoin(effects *ledger.Effects) error {
	gas := effects.GasObject
	if gas == nil || gas.OutputState != ledger.OutputObjectWrite {
		return e.cache.Cache().DeleteCustom(gasCoinKey)
	}
	ref := gas.OutputRef()
	return e.cache.Cache().SetCustom(gasCoinKey, &ref)
}

// ApplyEffects records effects of transactions executed elsewhere with the
// same signer.
func (e *SerialExecutor) ApplyEffects(effects *ledger.Effects) error {
	return e.cache.ApplyEffects(effects)
}

// BuildTransaction returns the bytes the executor would sign for tx. tx
// itself is left unmodified.
func (e *SerialExecutor) BuildTransaction(ctx context.Context, tx *ledger.Transaction) ([]byte, error) {
	var txBytes []byte
	err := e.queue.Run(ctx, func() error {
		var err error
		txBytes, err = e.buildTransaction(ctx, tx)
		return err
	})
	return txBytes, err
}

func (e *SerialExecutor) buildTransaction(ctx context.Context, tx *ledger.Transaction) ([]byte, error) {
	var gasCoin ledger.ObjectRef
	found, err := e.cache.Cache().GetCustom(gasCoinKey, &gasCoin)
	if err != nil {
		return nil, err
	}

	cp := tx.Clone()
	if found {
		cp.SetGasPayment([]ledger.ObjectRef{gasCoin})
	}
	cp.SetGasBudgetIfNotSet(e.defaultGasBudget)
	cp.SetSenderIfNotSet(e.signer.Address())

	return e.cache.BuildTransaction(ctx, cp, false)
}

func (e *SerialExecutor) ResetCache(ctx context.Context) error {
	return e.cache.Reset(ctx)
}

func (e *SerialExecutor) WaitForLastTransaction(ctx context.Context) error {
	return e.cache.WaitForLastTransaction(ctx)
}

// ExecuteTransaction builds, signs and submits tx after every earlier
// transaction has finished. On failure the cache is reset so the next
// transaction re-reads object versions.
func (e *SerialExecutor) ExecuteTransaction(ctx context.Context, tx *ledger.Transaction, include ledger.Include, additionalSignatures ...string) (*ledger.TransactionResult, error) {
	return e.run(ctx, func() ([]byte, error) { return e.buildTransaction(ctx, tx) }, include, additionalSignatures)
}

// ExecuteTransactionBytes submits already built bytes.
func (e *SerialExecutor) ExecuteTransactionBytes(ctx context.Context, txBytes []byte, include ledger.Include, additionalSignatures ...string) (*ledger.TransactionResult, error) {
	return e.run(ctx, func() ([]byte, error) { return txBytes, nil }, include, additionalSignatures)
}

func (e *SerialExecutor) run(ctx context.Context, build func() ([]byte, error), include ledger.Include, additionalSignatures []string) (*ledger.TransactionResult, error) {
	var result *ledger.TransactionResult
	err := e.queue.Run(ctx, func() error {
		txBytes, err := build()
		if err != nil {
			return err
		}
		signature, err := e.signer.SignTransaction(ctx, txBytes)
		if err != nil {
			return err
		}
		result, err = e.cache.ExecuteTransaction(ctx, txBytes, append([]string{signature}, additionalSignatures...), include)
		if err != nil {
			if resetErr := e.ResetCache(ctx); resetErr != nil {
				e.log.Warn("Failed to reset cache after execution failure", "err", resetErr)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
