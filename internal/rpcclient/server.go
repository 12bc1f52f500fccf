package rpcclient

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sharding-experiment/parallel-executor/internal/ledger"
)

// Backend is a ledger the server can expose.
type Backend interface {
	ledger.Client
	Transaction(digest ledger.Digest) (*ledger.TransactionResult, bool)
}

// NewServer registers backend's read and write APIs on a new rpc server.
func NewServer(backend Backend) (*rpc.Server, error) {
	srv := rpc.NewServer()
	if err := srv.RegisterName("sui", &readAPI{backend}); err != nil {
		return nil, err
	}
	if err := srv.RegisterName("suix", &extendedAPI{backend}); err != nil {
		return nil, err
	}
	return srv, nil
}

type readAPI struct {
	b Backend
}

func (api *readAPI) MultiGetObjects(ctx context.Context, ids []common.Hash) ([]ObjectResponse, error) {
	objs, err := api.b.GetObjects(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]ObjectResponse, len(ids))
	for i, obj := range objs {
		if obj == nil {
			out[i].Error = "notExists"
			continue
		}
		out[i].Data = obj
	}
	return out, nil
}

func (api *readAPI) ExecuteTransactionBlock(ctx context.Context, txBytes hexutil.Bytes, signatures []string, include *ledger.Include) (*ledger.TransactionResult, error) {
	if len(txBytes) == 0 {
		return nil, errors.New("empty transaction bytes")
	}
	req := ledger.ExecuteRequest{Transaction: txBytes, Signatures: signatures}
	if include != nil {
		req.Include = *include
	}
	return api.b.ExecuteTransaction(ctx, req)
}

// GetTransactionBlock returns null for digests that are not indexed yet.
func (api *readAPI) GetTransactionBlock(ctx context.Context, digest common.Hash) (*ledger.TransactionResult, error) {
	res, ok := api.b.Transaction(digest)
	if !ok {
		return nil, nil
	}
	return res, nil
}

type extendedAPI struct {
	b Backend
}

func (api *extendedAPI) GetCoins(ctx context.Context, owner common.Hash) (*CoinPage, error) {
	coins, err := api.b.GetCoins(ctx, owner)
	if err != nil {
		return nil, err
	}
	if coins == nil {
		coins = []*ledger.Object{}
	}
	return &CoinPage{Data: coins}, nil
}

func (api *extendedAPI) GetLatestSuiSystemState(ctx context.Context) (*SystemState, error) {
	state, err := api.b.GetCurrentSystemState(ctx)
	if err != nil {
		return nil, err
	}
	return toSystemState(state), nil
}
