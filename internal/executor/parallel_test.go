package executor

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"
	"github.com/sharding-experiment/parallel-executor/internal/keys"
	"github.com/sharding-experiment/parallel-executor/internal/ledger"
	"github.com/sharding-experiment/parallel-executor/internal/simledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fundingBalance = 1_000_000_000_000

type fixture struct {
	t       *testing.T
	ledger  *simledger.Ledger
	signer  *keys.Keypair
	funding ledger.ObjectRef
}

func newFixture(t *testing.T, cfg simledger.Config) *fixture {
	t.Helper()
	signer, err := keys.NewKeypair(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	l := simledger.New(cfg)
	return &fixture{
		t:       t,
		ledger:  l,
		signer:  signer,
		funding: l.Mint(signer.Address(), fundingBalance),
	}
}

func (f *fixture) parallel(opts Options) *ParallelExecutor {
	if opts.SourceCoins == nil {
		opts.SourceCoins = []ledger.ObjectID{f.funding.ObjectID}
	}
	return NewParallelExecutor(f.ledger, f.signer, opts)
}

func (f *fixture) object() ledger.ObjectID {
	return f.ledger.CreateObject(f.signer.Address(), "0x2::example::Thing").ObjectID
}

// touch builds a transaction that mutates the given objects.
func touch(function string, ids ...ledger.ObjectID) *ledger.Transaction {
	tx := ledger.NewTransaction()
	args := make([]ledger.Argument, len(ids))
	for i, id := range ids {
		args[i] = tx.Object(id)
	}
	tx.MoveCall(ledger.ObjectID{}, "example", function, nil, args)
	return tx
}

// isUserCall reports whether tx was submitted by a test rather than a pool
// refill.
func isUserCall(tx *ledger.Transaction) bool {
	return len(tx.Commands) > 0 && tx.Commands[0].Kind == ledger.CmdMoveCall
}

func execute(t *testing.T, e Executor, tx *ledger.Transaction) *ledger.TransactionResult {
	t.Helper()
	res, err := e.ExecuteTransaction(context.Background(), tx, ledger.Include{})
	require.NoError(t, err)
	require.NotNil(t, res.Effects)
	require.True(t, res.Effects.Status.Success, res.Effects.Status.Error)
	return res
}

func TestExecuteRefillsPool(t *testing.T) {
	f := newFixture(t, simledger.DefaultConfig())
	e := f.parallel(Options{CoinBatchSize: 5, MaxPoolSize: 10})

	execute(t, e, touch("first", f.object()))

	executed := f.ledger.Executed()
	require.Len(t, executed, 2)
	refill := executed[0]
	require.Len(t, refill.Commands, 2)
	assert.Equal(t, ledger.CmdSplitCoins, refill.Commands[0].Kind)
	assert.Len(t, refill.Commands[0].Arguments, 5)
	assert.Equal(t, []ledger.ObjectRef{f.funding}, refill.Gas.Payment)

	stats := e.Stats()
	assert.Equal(t, 5, stats.PoolSize)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 1, stats.SourceCoins)
	assert.Equal(t, uint64(1), stats.Refills)

	// The funding coin's new version is the only source.
	ref, ok := e.coins.source(f.funding.ObjectID)
	require.True(t, ok)
	require.NotNil(t, ref)
	current, _ := f.ledger.Object(f.funding.ObjectID)
	assert.Equal(t, current.Ref, *ref)

	// Tracked balances match the ledger.
	for _, coin := range e.coins.coins {
		obj, ok := f.ledger.Object(coin.Ref.ObjectID)
		require.True(t, ok)
		assert.Equal(t, obj.Ref, coin.Ref)
		assert.Equal(t, obj.Balance, coin.Balance.Uint64())
	}
}

func TestRefillFromResolvedSource(t *testing.T) {
	f := newFixture(t, simledger.DefaultConfig())
	e := NewParallelExecutor(f.ledger, f.signer, Options{CoinBatchSize: 3, MaxPoolSize: 10})
	e.coins.addSource(f.funding.ObjectID, &f.funding)

	require.NoError(t, e.refillCoinPool(context.Background()))

	assert.Zero(t, f.ledger.Calls("GetObjects"))
	size, pending, sources := e.coins.counts()
	assert.Equal(t, 3, size)
	assert.Zero(t, pending)
	assert.Equal(t, 1, sources)

	// The source now points at the refill's gas output.
	ref, ok := e.coins.source(f.funding.ObjectID)
	require.True(t, ok)
	require.NotNil(t, ref)
	assert.Greater(t, ref.Version, f.funding.Version)
	current, _ := f.ledger.Object(f.funding.ObjectID)
	assert.Equal(t, current.Ref, *ref)
	for _, coin := range e.coins.coins {
		assert.Equal(t, uint64(DefaultInitialCoinBalance), coin.Balance.Uint64())
		obj, _ := f.ledger.Object(coin.Ref.ObjectID)
		assert.Equal(t, uint64(DefaultInitialCoinBalance), obj.Balance)
	}
}

func TestRefillWithoutSourcesUsesOwnedCoins(t *testing.T) {
	f := newFixture(t, simledger.DefaultConfig())
	e := NewParallelExecutor(f.ledger, f.signer, Options{CoinBatchSize: 2, MaxPoolSize: 4})

	execute(t, e, touch("first", f.object()))

	assert.Equal(t, 1, f.ledger.Calls("GetCoins"))
	_, ok := e.coins.source(f.funding.ObjectID)
	assert.True(t, ok)
}

func TestMaxPoolSizeOneSerializes(t *testing.T) {
	cfg := simledger.DefaultConfig()
	cfg.ExecuteDelay = 20 * time.Millisecond
	f := newFixture(t, cfg)
	e := f.parallel(Options{CoinBatchSize: 5, MaxPoolSize: 1})

	a, b := f.object(), f.object()
	var wg sync.WaitGroup
	for _, id := range []ledger.ObjectID{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			execute(t, e, touch("touch", id))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.ledger.MaxInFlight())
	stats := e.Stats()
	assert.Equal(t, 1, stats.PoolSize)
	assert.Equal(t, uint64(2), stats.Executed)
}

func TestDisjointTransactionsRunInParallel(t *testing.T) {
	f := newFixture(t, simledger.DefaultConfig())
	e := f.parallel(Options{CoinBatchSize: 4, MaxPoolSize: 4})

	entered := make(chan struct{}, 4)
	proceed := make(chan struct{})
	f.ledger.SetExecuteHook(func(ctx context.Context, tx *ledger.Transaction) error {
		if !isUserCall(tx) {
			return nil
		}
		entered <- struct{}{}
		<-proceed
		return nil
	})

	var wg sync.WaitGroup
	for range 4 {
		id := f.object()
		wg.Add(1)
		go func() {
			defer wg.Done()
			execute(t, e, touch("touch", id))
		}()
	}

	for range 4 {
		select {
		case <-entered:
		case <-time.After(2 * time.Second):
			t.Fatal("disjoint transactions did not reach the ledger concurrently")
		}
	}
	close(proceed)
	wg.Wait()
	assert.Equal(t, 4, f.ledger.MaxInFlight())
}

func TestConflictingTransactionsRunInOrder(t *testing.T) {
	f := newFixture(t, simledger.DefaultConfig())
	e := f.parallel(Options{CoinBatchSize: 4, MaxPoolSize: 4})
	shared := f.object()

	var (
		mu    sync.Mutex
		calls []string
	)
	entered := make(chan struct{}, 1)
	proceed := make(chan struct{})
	f.ledger.SetExecuteHook(func(ctx context.Context, tx *ledger.Transaction) error {
		if !isUserCall(tx) {
			return nil
		}
		fn := tx.Commands[0].Function
		mu.Lock()
		calls = append(calls, fn)
		mu.Unlock()
		if fn == "first" {
			entered <- struct{}{}
			<-proceed
		}
		return nil
	})

	results := make(chan *ledger.TransactionResult, 2)
	go func() { results <- execute(t, e, touch("first", shared)) }()
	<-entered
	go func() { results <- execute(t, e, touch("second", shared)) }()

	waitUntil(t, func() bool { return e.objectQueues.waiting(shared) == 1 })
	mu.Lock()
	assert.Equal(t, []string{"first"}, calls)
	mu.Unlock()

	close(proceed)
	<-results
	<-results

	mu.Lock()
	assert.Equal(t, []string{"first", "second"}, calls)
	mu.Unlock()
	assert.Zero(t, e.Stats().BusyObjects)
}

func TestSubmissionFailureQuarantinesCoin(t *testing.T) {
	f := newFixture(t, simledger.DefaultConfig())
	e := f.parallel(Options{CoinBatchSize: 4, MaxPoolSize: 4})
	first, second, untouched := f.object(), f.object(), f.object()

	execute(t, e, touch("first", first, second))
	execute(t, e, touch("other", untouched))
	for _, id := range []ledger.ObjectID{first, second, untouched} {
		_, cached := e.cache.Cache().GetObject(id)
		require.True(t, cached)
	}

	boom := errors.New("node unavailable")
	var failedCoin ledger.ObjectID
	f.ledger.SetExecuteHook(func(ctx context.Context, tx *ledger.Transaction) error {
		if isUserCall(tx) && tx.Commands[0].Function == "fail" {
			failedCoin = tx.Gas.Payment[0].ObjectID
			return boom
		}
		return nil
	})

	failing := touch("fail", first, second)
	require.ElementsMatch(t, []ledger.ObjectID{first, second}, failing.UsedObjects())
	_, err := e.ExecuteTransaction(context.Background(), failing, ledger.Include{})
	assert.ErrorIs(t, err, boom)

	ref, ok := e.coins.source(failedCoin)
	assert.True(t, ok)
	assert.Nil(t, ref)
	assert.False(t, e.coins.contains(failedCoin))

	// Exactly the failed transaction's inputs are evicted.
	for _, id := range []ledger.ObjectID{first, second} {
		_, cached := e.cache.Cache().GetObject(id)
		assert.False(t, cached, "input %s", id.Hex())
	}
	_, cached := e.cache.Cache().GetObject(untouched)
	assert.True(t, cached)

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(1), stats.Quarantined)
	assert.Zero(t, stats.Pending)

	execute(t, e, touch("after", first, second))
}

func TestStaleCacheRecovers(t *testing.T) {
	f := newFixture(t, simledger.DefaultConfig())
	external := f.ledger.Mint(f.signer.Address(), fundingBalance)
	e := f.parallel(Options{CoinBatchSize: 4, MaxPoolSize: 4})
	obj := f.object()

	execute(t, e, touch("first", obj))

	// Another client moves the object on without the executor noticing.
	ctx := context.Background()
	tx := touch("external", obj)
	tx.SetSender(f.signer.Address())
	tx.SetGasPayment([]ledger.ObjectRef{external})
	tx.SetGasBudget(DefaultMinimumCoinBalance)
	txBytes, err := tx.Build(ctx, ledger.BuildOptions{Client: f.ledger})
	require.NoError(t, err)
	sig, err := f.signer.SignTransaction(ctx, txBytes)
	require.NoError(t, err)
	_, err = f.ledger.ExecuteTransaction(ctx, ledger.ExecuteRequest{Transaction: txBytes, Signatures: []string{sig}})
	require.NoError(t, err)

	_, err = e.ExecuteTransaction(ctx, touch("stale", obj), ledger.Include{})
	assert.ErrorIs(t, err, simledger.ErrObjectVersionMismatch)

	execute(t, e, touch("fresh", obj))
}

func TestLowBalanceCoinRetired(t *testing.T) {
	f := newFixture(t, simledger.DefaultConfig())
	e := f.parallel(Options{
		CoinBatchSize:      1,
		MaxPoolSize:        4,
		InitialCoinBalance: 60_000_000,
		MinimumCoinBalance: 58_000_000,
	})

	res := execute(t, e, touch("drain", f.object()))
	gas := res.Effects.GasObject.ObjectID

	assert.False(t, e.coins.contains(gas))
	ref, ok := e.coins.source(gas)
	assert.True(t, ok)
	assert.Nil(t, ref)
}

func TestGasCoinArgumentRetired(t *testing.T) {
	f := newFixture(t, simledger.DefaultConfig())
	e := f.parallel(Options{CoinBatchSize: 2, MaxPoolSize: 4})

	tx := ledger.NewTransaction()
	tx.TransferObjects(tx.SplitCoins(tx.GasCoin(), []ledger.Argument{tx.PureUint64(1000)}), tx.PureAddress(f.signer.Address()))
	res := execute(t, e, tx)
	gas := res.Effects.GasObject.ObjectID

	assert.False(t, e.coins.contains(gas))
	_, ok := e.coins.source(gas)
	assert.True(t, ok)
}

func TestGasCoinTransferredAwayDropped(t *testing.T) {
	f := newFixture(t, simledger.DefaultConfig())
	e := f.parallel(Options{CoinBatchSize: 2, MaxPoolSize: 4})
	recipient := ledger.HexToObjectID("0xbeef")

	tx := ledger.NewTransaction()
	tx.TransferObjects([]ledger.Argument{tx.GasCoin()}, tx.PureAddress(recipient))
	res := execute(t, e, tx)
	gas := res.Effects.GasObject.ObjectID

	assert.False(t, e.coins.contains(gas))
	_, ok := e.coins.source(gas)
	assert.False(t, ok)
	obj, _ := f.ledger.Object(gas)
	assert.True(t, obj.Owner.OwnedBy(recipient))
}

func TestPoolBound(t *testing.T) {
	f := newFixture(t, simledger.DefaultConfig())
	const maxPoolSize = 3
	e := f.parallel(Options{CoinBatchSize: 10, MaxPoolSize: maxPoolSize})

	var (
		mu         sync.Mutex
		violations []Stats
	)
	check := func() {
		stats := e.Stats()
		if stats.PoolSize+stats.Pending > maxPoolSize {
			mu.Lock()
			violations = append(violations, stats)
			mu.Unlock()
		}
	}
	f.ledger.SetExecuteHook(func(ctx context.Context, tx *ledger.Transaction) error {
		check()
		return nil
	})

	var wg sync.WaitGroup
	for range 12 {
		id := f.object()
		wg.Add(1)
		go func() {
			defer wg.Done()
			execute(t, e, touch("touch", id))
			check()
		}()
	}
	wg.Wait()

	assert.Empty(t, violations)
	assert.LessOrEqual(t, f.ledger.MaxInFlight(), maxPoolSize)
	assert.Equal(t, uint64(1), e.Stats().Refills)
}

func TestResetCache(t *testing.T) {
	f := newFixture(t, simledger.DefaultConfig())
	e := f.parallel(Options{CoinBatchSize: 2, MaxPoolSize: 4})
	obj := f.object()

	execute(t, e, touch("first", obj))
	require.NotZero(t, e.Stats().GasPrice)

	require.NoError(t, e.ResetCache(context.Background()))
	_, cached := e.cache.Cache().GetObject(obj)
	assert.False(t, cached)
	assert.Zero(t, e.Stats().GasPrice)

	execute(t, e, touch("second", obj))
	assert.Equal(t, 2, f.ledger.Calls("GetCurrentSystemState"))
}

func TestStats(t *testing.T) {
	f := newFixture(t, simledger.DefaultConfig())
	e := f.parallel(Options{CoinBatchSize: 3, MaxPoolSize: 4})

	execute(t, e, touch("first", f.object()))
	execute(t, e, touch("second", f.object()))
	require.NoError(t, e.WaitForLastTransaction(context.Background()))

	got := e.Stats()
	got.GasPriceExpiration = time.Time{}
	want := Stats{
		PoolSize:    3,
		SourceCoins: 1,
		GasPrice:    1000,
		Executed:    2,
		Refills:     1,
	}
	if diff := pretty.Compare(want, got); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestRequestIncludeHonored(t *testing.T) {
	f := newFixture(t, simledger.DefaultConfig())
	e := f.parallel(Options{CoinBatchSize: 2, MaxPoolSize: 4})

	res, err := e.ExecuteTransaction(context.Background(), touch("first", f.object()), ledger.Include{BalanceChanges: true})
	require.NoError(t, err)
	assert.NotNil(t, res.Effects)
	assert.NotEmpty(t, res.BalanceChanges)
}
