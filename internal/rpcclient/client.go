package rpcclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sharding-experiment/parallel-executor/config"
	"github.com/sharding-experiment/parallel-executor/internal/ledger"
	"github.com/sharding-experiment/parallel-executor/internal/network"
)

// ErrTransactionNotFound is returned for digests the node has not indexed.
var ErrTransactionNotFound = errors.New("transaction not found")

const DefaultPollInterval = 200 * time.Millisecond

// Client is a ledger.Client backed by a JSON-RPC node.
type Client struct {
	rpc          *rpc.Client
	pollInterval time.Duration
	log          log.Logger
}

// Dial connects to the node described by cfg.
func Dial(ctx context.Context, cfg config.RPCConfig, netCfg config.NetworkConfig) (*Client, error) {
	httpClient := network.NewHTTPClient(netCfg, cfg.Timeout())
	c, err := rpc.DialOptions(ctx, cfg.URL, rpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	return New(c, cfg.PollInterval()), nil
}

// New wraps an existing rpc client.
func New(c *rpc.Client, pollInterval time.Duration) *Client {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Client{rpc: c, pollInterval: pollInterval, log: log.New("component", "rpcclient")}
}

func (c *Client) Close() {
	c.rpc.Close()
}

func (c *Client) GetObjects(ctx context.Context, ids []ledger.ObjectID) ([]*ledger.Object, error) {
	var res []ObjectResponse
	if err := c.rpc.CallContext(ctx, &res, methodMultiGetObjects, ids); err != nil {
		return nil, err
	}
	if len(res) != len(ids) {
		return nil, fmt.Errorf("%s: got %d objects for %d ids", methodMultiGetObjects, len(res), len(ids))
	}
	out := make([]*ledger.Object, len(res))
	for i, r := range res {
		if r.Data == nil {
			c.log.Trace("Object not loaded", "id", ids[i], "err", r.Error)
			continue
		}
		out[i] = r.Data
	}
	return out, nil
}

func (c *Client) GetCoins(ctx context.Context, owner ledger.Address) ([]*ledger.Object, error) {
	var page CoinPage
	if err := c.rpc.CallContext(ctx, &page, methodGetCoins, owner); err != nil {
		return nil, err
	}
	return page.Data, nil
}

func (c *Client) GetCurrentSystemState(ctx context.Context) (*ledger.SystemState, error) {
	var state SystemState
	if err := c.rpc.CallContext(ctx, &state, methodGetLatestSystemState); err != nil {
		return nil, err
	}
	return state.toLedger(), nil
}

func (c *Client) ExecuteTransaction(ctx context.Context, req ledger.ExecuteRequest) (*ledger.TransactionResult, error) {
	var res *ledger.TransactionResult
	err := c.rpc.CallContext(ctx, &res, methodExecuteTransaction, hexutil.Bytes(req.Transaction), req.Signatures, req.Include)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("%s: empty response", methodExecuteTransaction)
	}
	return res, nil
}

// GetTransaction returns the indexed result of digest.
func (c *Client) GetTransaction(ctx context.Context, digest ledger.Digest) (*ledger.TransactionResult, error) {
	var res *ledger.TransactionResult
	if err := c.rpc.CallContext(ctx, &res, methodGetTransaction, digest); err != nil {
		return nil, err
	}
	if res == nil {
		return nil, ErrTransactionNotFound
	}
	return res, nil
}

// WaitForTransaction polls until the node has indexed digest.
func (c *Client) WaitForTransaction(ctx context.Context, digest ledger.Digest) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		_, err := c.GetTransaction(ctx, digest)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrTransactionNotFound) {
			return err
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
