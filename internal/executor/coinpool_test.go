package executor

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/sharding-experiment/parallel-executor/internal/keys"
	"github.com/sharding-experiment/parallel-executor/internal/ledger"
	"github.com/sharding-experiment/parallel-executor/internal/simledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoinPoolBatchSize(t *testing.T) {
	p := newCoinPool(nil)
	assert.Equal(t, 5, p.batchSize(5, 10))
	assert.Equal(t, 1, p.batchSize(5, 1))

	p.put(&Coin{}, &Coin{})
	p.take()
	// one pooled, one pending
	assert.Equal(t, 2, p.batchSize(5, 4))
	assert.Equal(t, 0, p.batchSize(5, 2))
}

func TestCoinPoolTakeAndDone(t *testing.T) {
	p := newCoinPool(nil)
	_, ok := p.take()
	assert.False(t, ok)

	a := &Coin{Ref: ledger.ObjectRef{ObjectID: ledger.HexToObjectID("0xa")}}
	b := &Coin{Ref: ledger.ObjectRef{ObjectID: ledger.HexToObjectID("0xb")}}
	p.put(a, b)

	got, ok := p.take()
	require.True(t, ok)
	assert.Same(t, a, got)
	size, pending, _ := p.counts()
	assert.Equal(t, 1, size)
	assert.Equal(t, 1, pending)

	p.done(got)
	size, pending, _ = p.counts()
	assert.Equal(t, 2, size)
	assert.Zero(t, pending)

	// Returned coins go to the back.
	got, _ = p.take()
	assert.Same(t, b, got)
	p.done(nil)
	assert.True(t, p.contains(a.Ref.ObjectID))
	assert.False(t, p.contains(b.Ref.ObjectID))
}

func TestCoinPoolSources(t *testing.T) {
	id := ledger.HexToObjectID("0x1")
	p := newCoinPool([]ledger.ObjectID{id})
	assert.True(t, p.needsRefill(1))

	sources, ok := p.takeSources()
	require.True(t, ok)
	assert.Contains(t, sources, id)
	_, _, n := p.counts()
	assert.Zero(t, n)

	p.restoreSources([]ledger.ObjectID{id})
	ref, ok := p.source(id)
	assert.True(t, ok)
	assert.Nil(t, ref)

	_, ok = newCoinPool(nil).takeSources()
	assert.False(t, ok)
}

func TestRefillFailureRestoresSources(t *testing.T) {
	f := newFixture(t, simledger.DefaultConfig())
	e := f.parallel(Options{CoinBatchSize: 2, MaxPoolSize: 4})

	boom := errors.New("rejected")
	f.ledger.SetExecuteHook(func(context.Context, *ledger.Transaction) error { return boom })

	_, err := e.ExecuteTransaction(context.Background(), touch("first", f.object()), ledger.Include{})
	assert.ErrorIs(t, err, boom)

	ref, ok := e.coins.source(f.funding.ObjectID)
	assert.True(t, ok)
	assert.Nil(t, ref)
	size, pending, _ := e.coins.counts()
	assert.Zero(t, size)
	assert.Zero(t, pending)

	f.ledger.SetExecuteHook(nil)
	execute(t, e, touch("second", f.object()))
}

func TestNoCoinsAvailable(t *testing.T) {
	f := newFixture(t, simledger.DefaultConfig())
	e := NewParallelExecutor(f.ledger, f.signer, Options{
		SourceCoins: []ledger.ObjectID{ledger.HexToObjectID("0xdead")},
		MaxPoolSize: 2,
	})

	// The only source does not exist. The signer's own coins are not used
	// once sources are configured.
	_, err := e.ExecuteTransaction(context.Background(), touch("first", f.object()), ledger.Include{})
	assert.ErrorIs(t, err, ErrNoCoinsAvailable)
	assert.Zero(t, f.ledger.Calls("GetCoins"))
	assert.Zero(t, e.Stats().Pending)
	assert.Zero(t, e.Stats().SourceCoins)

	current, _ := f.ledger.Object(f.funding.ObjectID)
	assert.Equal(t, f.funding, current.Ref)
}

func TestLostSourceLeavesInFlightCoin(t *testing.T) {
	f := newFixture(t, simledger.DefaultConfig())
	e := f.parallel(Options{CoinBatchSize: 1, MaxPoolSize: 2})
	ctx := context.Background()

	execute(t, e, touch("first", f.object()))
	require.Equal(t, 1, e.Stats().PoolSize)

	entered := make(chan struct{})
	proceed := make(chan struct{})
	f.ledger.SetExecuteHook(func(_ context.Context, tx *ledger.Transaction) error {
		if isUserCall(tx) && tx.Commands[0].Function == "held" {
			close(entered)
			<-proceed
		}
		return nil
	})

	held := make(chan error, 1)
	go func() {
		res, err := e.ExecuteTransaction(ctx, touch("held", f.object()), ledger.Include{})
		if err == nil && !res.Effects.Status.Success {
			err = errors.New(res.Effects.Status.Error)
		}
		held <- err
	}()
	<-entered

	// The funding coin is handed to another account behind the executor's
	// back.
	other, err := keys.NewKeypair(bytes.Repeat([]byte{8}, 32))
	require.NoError(t, err)
	funding, _ := f.ledger.Object(f.funding.ObjectID)
	transfer := ledger.NewTransaction()
	transfer.SetSender(f.signer.Address())
	transfer.SetGasPayment([]ledger.ObjectRef{funding.Ref})
	transfer.SetGasBudget(DefaultMinimumCoinBalance)
	transfer.TransferObjects([]ledger.Argument{transfer.GasCoin()}, transfer.PureAddress(other.Address()))
	txBytes, err := transfer.Build(ctx, ledger.BuildOptions{Client: f.ledger})
	require.NoError(t, err)
	sig, err := f.signer.SignTransaction(ctx, txBytes)
	require.NoError(t, err)
	_, err = f.ledger.ExecuteTransaction(ctx, ledger.ExecuteRequest{Transaction: txBytes, Signatures: []string{sig}})
	require.NoError(t, err)

	// The stale source reference is rejected, then dropped once re-fetched.
	_, err = e.ExecuteTransaction(ctx, touch("second", f.object()), ledger.Include{})
	require.ErrorIs(t, err, simledger.ErrObjectVersionMismatch)
	_, err = e.ExecuteTransaction(ctx, touch("third", f.object()), ledger.Include{})
	assert.ErrorIs(t, err, ErrNoCoinsAvailable)
	assert.Zero(t, f.ledger.Calls("GetCoins"))
	assert.Zero(t, e.Stats().SourceCoins)

	close(proceed)
	assert.NoError(t, <-held)
	assert.Equal(t, 1, e.Stats().PoolSize)
}
