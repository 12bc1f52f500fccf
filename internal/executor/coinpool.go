package executor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/holiman/uint256"
	"github.com/sharding-experiment/parallel-executor/internal/ledger"
)

// ErrNoCoinsAvailable is returned when the pool is empty and cannot be
// refilled.
var ErrNoCoinsAvailable = errors.New("no coins available")

// Coin is a pool entry: a gas coin reference and its known balance.
type Coin struct {
	Ref     ledger.ObjectRef
	Balance uint256.Int
}

// coinPool holds the coins available for gas payment and the funding
// sources used to mint new ones.
type coinPool struct {
	mu    sync.Mutex
	coins []*Coin
	// sources maps candidate funding coins to their reference, or to nil
	// when the reference must be re-fetched. A nil map means no sources
	// were configured and owned coins are used instead.
	sources map[ledger.ObjectID]*ledger.ObjectRef
	pending int
}

func newCoinPool(sourceCoins []ledger.ObjectID) *coinPool {
	p := &coinPool{}
	if len(sourceCoins) > 0 {
		p.sources = make(map[ledger.ObjectID]*ledger.ObjectRef, len(sourceCoins))
		for _, id := range sourceCoins {
			p.sources[id] = nil
		}
	}
	return p
}

// take pops the oldest coin and counts it as in flight.
func (p *coinPool) take() (*Coin, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.coins) == 0 {
		return nil, false
	}
	coin := p.coins[0]
	p.coins[0] = nil
	p.coins = p.coins[1:]
	p.pending++
	return coin, true
}

func (p *coinPool) put(coins ...*Coin) {
	p.mu.Lock()
	p.coins = append(p.coins, coins...)
	p.mu.Unlock()
}

// done marks an in-flight transaction as finished, returning its coin to
// the pool when it is still usable.
func (p *coinPool) done(reusable *Coin) {
	p.mu.Lock()
	p.pending--
	if reusable != nil {
		p.coins = append(p.coins, reusable)
	}
	p.mu.Unlock()
}

// quarantine records id as a funding source whose reference must be
// re-fetched before use.
func (p *coinPool) quarantine(id ledger.ObjectID) {
	p.addSource(id, nil)
}

func (p *coinPool) addSource(id ledger.ObjectID, ref *ledger.ObjectRef) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sources == nil {
		p.sources = make(map[ledger.ObjectID]*ledger.ObjectRef)
	}
	p.sources[id] = ref
}

// needsRefill reports whether the pool is empty while there is still room
// for another transaction.
func (p *coinPool) needsRefill(maxPoolSize int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.coins) == 0 && p.pending <= maxPoolSize
}

// batchSize is the number of coins a refill may mint while keeping pool
// and in-flight coins within maxPoolSize. The requester holds an execution
// slot, so pending is below maxPoolSize and the result is at least one.
func (p *coinPool) batchSize(coinBatchSize, maxPoolSize int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return min(coinBatchSize, maxPoolSize-(len(p.coins)+p.pending))
}

// takeSources removes and returns the funding sources. ok is false when no
// sources were ever configured.
func (p *coinPool) takeSources() (sources map[ledger.ObjectID]*ledger.ObjectRef, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sources == nil {
		return nil, false
	}
	sources = p.sources
	p.sources = make(map[ledger.ObjectID]*ledger.ObjectRef)
	return sources, true
}

// restoreSources puts back sources that a failed refill did not spend,
// marking them for re-fetch.
func (p *coinPool) restoreSources(ids []ledger.ObjectID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sources == nil {
		p.sources = make(map[ledger.ObjectID]*ledger.ObjectRef)
	}
	for _, id := range ids {
		p.sources[id] = nil
	}
}

func (p *coinPool) contains(id ledger.ObjectID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.coins {
		if c.Ref.ObjectID == id {
			return true
		}
	}
	return false
}

func (p *coinPool) source(id ledger.ObjectID) (ref *ledger.ObjectRef, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ref, ok = p.sources[id]
	return ref, ok
}

func (p *coinPool) counts() (size, pending, sources int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.coins), p.pending, len(p.sources)
}

// getGasCoin takes a coin from the pool, refilling it first if it is empty.
// Callers must hold the build queue.
func (e *ParallelExecutor) getGasCoin(ctx context.Context) (*Coin, error) {
	if e.coins.needsRefill(e.opts.MaxPoolSize) {
		if err := e.refillCoinPool(ctx); err != nil {
			return nil, err
		}
	}
	coin, ok := e.coins.take()
	if !ok {
		return nil, ErrNoCoinsAvailable
	}
	return coin, nil
}

// refillCoinPool mints a batch of pool coins by splitting them off the
// funding sources in a single transaction.
func (e *ParallelExecutor) refillCoinPool(ctx context.Context) error {
	batch := e.coins.batchSize(e.opts.CoinBatchSize, e.opts.MaxPoolSize)
	if batch <= 0 {
		return nil
	}

	address := e.signer.Address()
	tx := ledger.NewTransaction()
	tx.SetSender(address)

	sources, configured := e.coins.takeSources()
	var spent []ledger.ObjectID
	for id := range sources {
		spent = append(spent, id)
	}
	restore := func() {
		if len(spent) > 0 {
			e.coins.restoreSources(spent)
		}
	}

	// Owned coins pay only for the first refill of an executor started
	// without sources. Afterwards every owned coin may belong to an
	// in-flight transaction.
	if configured {
		refs, gone, err := e.resolveSources(ctx, sources, address)
		spent = slices.DeleteFunc(spent, func(id ledger.ObjectID) bool { return slices.Contains(gone, id) })
		if err != nil {
			restore()
			return err
		}
		if len(refs) == 0 {
			restore()
			return ErrNoCoinsAvailable
		}
		tx.SetGasPayment(refs)
	}

	amounts := make([]ledger.Argument, batch)
	for i := range amounts {
		amounts[i] = tx.PureUint64(e.opts.InitialCoinBalance)
	}
	tx.TransferObjects(tx.SplitCoins(tx.GasCoin(), amounts), tx.PureAddress(address))

	price, err := e.gasPrice.price(ctx)
	if err != nil {
		restore()
		return err
	}
	tx.SetGasPrice(price)
	tx.SetGasBudget(e.opts.DefaultGasBudget)

	if err := e.WaitForLastTransaction(ctx); err != nil {
		restore()
		return fmt.Errorf("wait for last transaction: %w", err)
	}

	txBytes, err := tx.Build(ctx, ledger.BuildOptions{Client: e.client})
	if err != nil {
		restore()
		return fmt.Errorf("build refill transaction: %w", err)
	}
	signature, err := e.signer.SignTransaction(ctx, txBytes)
	if err != nil {
		restore()
		return fmt.Errorf("sign refill transaction: %w", err)
	}
	result, err := e.client.ExecuteTransaction(ctx, ledger.ExecuteRequest{
		Transaction: txBytes,
		Signatures:  []string{signature},
		Include:     ledger.Include{Effects: true},
	})
	if err != nil {
		restore()
		return err
	}
	effects := result.Effects
	if effects == nil || effects.GasObject == nil {
		restore()
		return fmt.Errorf("refill transaction %s returned no gas effects", result.Digest.Hex())
	}
	if !effects.Status.Success {
		e.log.Warn("Coin pool refill failed on chain", "digest", result.Digest, "err", effects.Status.Error)
	}

	minted := make([]*Coin, 0, batch)
	for i := range effects.ChangedObjects {
		change := &effects.ChangedObjects[i]
		if change.ObjectID == effects.GasObject.ObjectID ||
			change.OutputState != ledger.OutputObjectWrite ||
			change.IDOperation != ledger.IDCreated {
			continue
		}
		coin := &Coin{Ref: change.OutputRef()}
		coin.Balance.SetUint64(e.opts.InitialCoinBalance)
		minted = append(minted, coin)
	}
	e.coins.put(minted...)

	gasRef := effects.GasObject.OutputRef()
	e.coins.addSource(gasRef.ObjectID, &gasRef)
	e.stats.refills.Add(1)
	e.log.Info("Refilled coin pool", "digest", result.Digest, "coins", len(minted), "sources", len(sources))

	if err := e.client.WaitForTransaction(ctx, result.Digest); err != nil {
		return fmt.Errorf("wait for refill transaction: %w", err)
	}
	return nil
}

// resolveSources returns references for every funding source, fetching
// those whose reference is unknown. Sources that no longer exist or are no
// longer owned by owner are dropped and returned in gone.
func (e *ParallelExecutor) resolveSources(ctx context.Context, sources map[ledger.ObjectID]*ledger.ObjectRef, owner ledger.Address) (refs []ledger.ObjectRef, gone []ledger.ObjectID, err error) {
	var ids []ledger.ObjectID
	for id, ref := range sources {
		if ref != nil {
			refs = append(refs, *ref)
		} else {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return refs, nil, nil
	}
	objs, err := e.client.GetObjects(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch source coins: %w", err)
	}
	for i, obj := range objs {
		if obj == nil || !obj.Owner.OwnedBy(owner) {
			e.log.Debug("Dropping unavailable source coin", "id", ids[i])
			gone = append(gone, ids[i])
			continue
		}
		refs = append(refs, obj.Ref)
	}
	return refs, gone, nil
}

// releaseGasCoin returns the coin to put back in the pool after a
// successful execution, or nil after retiring it to the funding sources
// because it was handed to a command or no longer holds enough balance.
func (e *ParallelExecutor) releaseGasCoin(ref ledger.ObjectRef, remaining *uint256.Int, usedAsArgument bool) *Coin {
	if !usedAsArgument && !remaining.Lt(uint256.NewInt(e.opts.MinimumCoinBalance)) {
		return &Coin{Ref: ref, Balance: *remaining}
	}
	e.log.Debug("Retiring gas coin", "id", ref.ObjectID, "remaining", remaining, "argument", usedAsArgument)
	e.coins.quarantine(ref.ObjectID)
	e.stats.quarantined.Add(1)
	return nil
}
