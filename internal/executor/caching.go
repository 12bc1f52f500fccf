package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/sharding-experiment/parallel-executor/internal/ledger"
	"github.com/sharding-experiment/parallel-executor/internal/objcache"
	"golang.org/x/sync/errgroup"
)

// CachingExecutor submits transactions through a client and keeps an
// object cache in step with their effects.
type CachingExecutor struct {
	client    ledger.Client
	cache     *objcache.Cache
	onEffects func(*ledger.Effects) error

	mu         sync.Mutex
	lastDigest *ledger.Digest
}

// NewCachingExecutor wraps client. onEffects, if set, runs after the cache
// has absorbed each transaction's effects.
func NewCachingExecutor(client ledger.Client, cache *objcache.Cache, onEffects func(*ledger.Effects) error) *CachingExecutor {
	if cache == nil {
		cache = objcache.New(nil)
	}
	return &CachingExecutor{client: client, cache: cache, onEffects: onEffects}
}

func (c *CachingExecutor) Cache() *objcache.Cache { return c.cache }

// Reset drops cached owned objects and custom values and waits for the
// last executed transaction.
func (c *CachingExecutor) Reset(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(c.cache.ClearOwnedObjects)
	g.Go(c.cache.ClearCustom)
	g.Go(func() error { return c.WaitForLastTransaction(gctx) })
	return g.Wait()
}

// BuildTransaction resolves tx against the cache, falling back to the
// client, and returns its encoding.
func (c *CachingExecutor) BuildTransaction(ctx context.Context, tx *ledger.Transaction, onlyTransactionKind bool) ([]byte, error) {
	return tx.Build(ctx, ledger.BuildOptions{
		Client:              c.client,
		Resolver:            c.cache.Resolver(ledger.ClientResolver{Client: c.client}),
		OnlyTransactionKind: onlyTransactionKind,
	})
}

// ExecuteTransaction submits signed bytes and applies the resulting
// effects to the cache.
func (c *CachingExecutor) ExecuteTransaction(ctx context.Context, txBytes []byte, signatures []string, include ledger.Include) (*ledger.TransactionResult, error) {
	include.Effects = true
	result, err := c.client.ExecuteTransaction(ctx, ledger.ExecuteRequest{
		Transaction: txBytes,
		Signatures:  signatures,
		Include:     include,
	})
	if err != nil {
		return nil, err
	}
	if result.Effects != nil {
		if err := c.ApplyEffects(result.Effects); err != nil {
			return nil, fmt.Errorf("apply effects of %s: %w", result.Digest.Hex(), err)
		}
	}
	return result, nil
}

// ApplyEffects records effects produced outside this executor.
func (c *CachingExecutor) ApplyEffects(effects *ledger.Effects) error {
	c.mu.Lock()
	digest := effects.Digest
	c.lastDigest = &digest
	c.mu.Unlock()

	if err := c.cache.ApplyEffects(effects); err != nil {
		return err
	}
	if c.onEffects != nil {
		return c.onEffects(effects)
	}
	return nil
}

// WaitForLastTransaction blocks until the most recent transaction is
// visible to reads.
func (c *CachingExecutor) WaitForLastTransaction(ctx context.Context) error {
	c.mu.Lock()
	digest := c.lastDigest
	c.mu.Unlock()

	if digest == nil {
		return nil
	}
	if err := c.client.WaitForTransaction(ctx, *digest); err != nil {
		return err
	}

	c.mu.Lock()
	if c.lastDigest != nil && *c.lastDigest == *digest {
		c.lastDigest = nil
	}
	c.mu.Unlock()
	return nil
}
