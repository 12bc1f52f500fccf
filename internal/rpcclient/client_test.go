package rpcclient

import (
	"bytes"
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sharding-experiment/parallel-executor/config"
	"github.com/sharding-experiment/parallel-executor/internal/executor"
	"github.com/sharding-experiment/parallel-executor/internal/keys"
	"github.com/sharding-experiment/parallel-executor/internal/ledger"
	"github.com/sharding-experiment/parallel-executor/internal/simledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type node struct {
	ledger *simledger.Ledger
	client *Client
	signer *keys.Keypair
}

func startNode(t *testing.T) *node {
	t.Helper()
	l := simledger.New(simledger.DefaultConfig())
	srv, err := NewServer(l)
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Stop)

	c, err := Dial(context.Background(), config.RPCConfig{
		URL:            ts.URL,
		TimeoutMs:      5_000,
		PollIntervalMs: 5,
	}, config.NetworkConfig{MaxConnsPerHost: 8})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	signer, err := keys.NewKeypair(bytes.Repeat([]byte{3}, 32))
	require.NoError(t, err)
	return &node{ledger: l, client: c, signer: signer}
}

func TestGetObjects(t *testing.T) {
	n := startNode(t)
	coin := n.ledger.Mint(n.signer.Address(), 500)
	missing := ledger.HexToObjectID("0x404")

	objs, err := n.client.GetObjects(context.Background(), []ledger.ObjectID{coin.ObjectID, missing})
	require.NoError(t, err)
	require.Len(t, objs, 2)
	require.NotNil(t, objs[0])
	assert.Equal(t, coin, objs[0].Ref)
	assert.Equal(t, uint64(500), objs[0].Balance)
	assert.True(t, objs[0].IsGasCoin())
	assert.Nil(t, objs[1])
}

func TestGetCoins(t *testing.T) {
	n := startNode(t)
	coins, err := n.client.GetCoins(context.Background(), n.signer.Address())
	require.NoError(t, err)
	assert.Empty(t, coins)

	n.ledger.Mint(n.signer.Address(), 1)
	n.ledger.Mint(n.signer.Address(), 2)
	coins, err = n.client.GetCoins(context.Background(), n.signer.Address())
	require.NoError(t, err)
	assert.Len(t, coins, 2)
}

func TestGetCurrentSystemState(t *testing.T) {
	n := startNode(t)
	start := time.UnixMilli(1_700_000_000_000)
	n.ledger.AdvanceEpoch(start, 1234)

	state, err := n.client.GetCurrentSystemState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), state.Epoch)
	assert.Equal(t, uint64(1234), state.ReferenceGasPrice)
	assert.Equal(t, uint64(start.UnixMilli()), state.EpochStartTimestampMs)
}

func TestExecuteAndWait(t *testing.T) {
	n := startNode(t)
	ctx := context.Background()
	n.ledger.Mint(n.signer.Address(), 1_000_000_000)

	tx := ledger.NewTransaction()
	tx.SetSender(n.signer.Address())
	tx.SetGasBudget(10_000_000)
	txBytes, err := tx.Build(ctx, ledger.BuildOptions{Client: n.client})
	require.NoError(t, err)
	sig, err := n.signer.SignTransaction(ctx, txBytes)
	require.NoError(t, err)

	res, err := n.client.ExecuteTransaction(ctx, ledger.ExecuteRequest{
		Transaction: txBytes,
		Signatures:  []string{sig},
		Include:     ledger.Include{Effects: true, RawBytes: true},
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.TransactionDigest(txBytes), res.Digest)
	require.NotNil(t, res.Effects)
	require.NotNil(t, res.Effects.GasObject)
	assert.True(t, res.Effects.Status.Success)
	assert.Equal(t, txBytes, res.RawBytes)

	require.NoError(t, n.client.WaitForTransaction(ctx, res.Digest))
	got, err := n.client.GetTransaction(ctx, res.Digest)
	require.NoError(t, err)
	assert.Equal(t, res.Effects.GasObject.OutputRef(), got.Effects.GasObject.OutputRef())
}

func TestExecuteRejected(t *testing.T) {
	n := startNode(t)
	ctx := context.Background()
	coin := n.ledger.Mint(n.signer.Address(), 1_000_000_000)

	tx := ledger.NewTransaction()
	tx.SetSender(n.signer.Address())
	tx.SetGasBudget(10_000_000)
	tx.SetGasPrice(1000)
	stale := coin
	stale.Version = 7
	tx.SetGasPayment([]ledger.ObjectRef{stale})
	txBytes, err := ledger.EncodeTransactionData(tx)
	require.NoError(t, err)
	sig, err := n.signer.SignTransaction(ctx, txBytes)
	require.NoError(t, err)

	_, err = n.client.ExecuteTransaction(ctx, ledger.ExecuteRequest{Transaction: txBytes, Signatures: []string{sig}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), simledger.ErrObjectVersionMismatch.Error())
}

func TestWaitForUnknownTransaction(t *testing.T) {
	n := startNode(t)

	_, err := n.client.GetTransaction(context.Background(), ledger.Digest{9})
	assert.ErrorIs(t, err, ErrTransactionNotFound)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, n.client.WaitForTransaction(ctx, ledger.Digest{9}), context.DeadlineExceeded)
	assert.Greater(t, n.ledger.Calls("Transaction"), 1)
}

func TestParallelExecutorOverRPC(t *testing.T) {
	n := startNode(t)
	funding := n.ledger.Mint(n.signer.Address(), 1_000_000_000_000)
	e := executor.NewParallelExecutor(n.client, n.signer, executor.Options{
		CoinBatchSize: 4,
		MaxPoolSize:   4,
		SourceCoins:   []ledger.ObjectID{funding.ObjectID},
	})

	var wg sync.WaitGroup
	for range 8 {
		obj := n.ledger.CreateObject(n.signer.Address(), "0x2::example::Thing")
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx := ledger.NewTransaction()
			tx.MoveCall(ledger.ObjectID{}, "example", "touch", nil, []ledger.Argument{tx.Object(obj.ObjectID)})
			res, err := e.ExecuteTransaction(context.Background(), tx, ledger.Include{})
			if assert.NoError(t, err) {
				assert.True(t, res.Effects.Status.Success)
			}
		}()
	}
	wg.Wait()

	require.NoError(t, e.WaitForLastTransaction(context.Background()))
	stats := e.Stats()
	assert.Equal(t, uint64(8), stats.Executed)
	assert.Equal(t, uint64(1), stats.Refills)
	assert.Len(t, n.ledger.Executed(), 9)
}
