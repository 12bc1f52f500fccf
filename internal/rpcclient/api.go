// Package rpcclient speaks the ledger node's JSON-RPC dialect. Client
// implements ledger.Client over go-ethereum's rpc package; NewServer
// exposes any Backend under the same methods.
package rpcclient

import (
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sharding-experiment/parallel-executor/internal/ledger"
)

// Method names.
const (
	methodMultiGetObjects      = "sui_multiGetObjects"
	methodExecuteTransaction   = "sui_executeTransactionBlock"
	methodGetTransaction       = "sui_getTransactionBlock"
	methodGetCoins             = "suix_getCoins"
	methodGetLatestSystemState = "suix_getLatestSuiSystemState"
)

// ObjectResponse is one entry of a multi-object read. Data is nil when the
// object could not be loaded.
type ObjectResponse struct {
	Data  *ledger.Object `json:"data,omitempty"`
	Error string         `json:"error,omitempty"`
}

// CoinPage lists the gas coins of an owner.
type CoinPage struct {
	Data []*ledger.Object `json:"data"`
}

// SystemState is the wire form of ledger.SystemState.
type SystemState struct {
	Epoch                 hexutil.Uint64 `json:"epoch"`
	ReferenceGasPrice     hexutil.Uint64 `json:"referenceGasPrice"`
	EpochStartTimestampMs hexutil.Uint64 `json:"epochStartTimestampMs"`
	EpochDurationMs       hexutil.Uint64 `json:"epochDurationMs"`
}

func toSystemState(s *ledger.SystemState) *SystemState {
	return &SystemState{
		Epoch:                 hexutil.Uint64(s.Epoch),
		ReferenceGasPrice:     hexutil.Uint64(s.ReferenceGasPrice),
		EpochStartTimestampMs: hexutil.Uint64(s.EpochStartTimestampMs),
		EpochDurationMs:       hexutil.Uint64(s.EpochDurationMs),
	}
}

func (s *SystemState) toLedger() *ledger.SystemState {
	return &ledger.SystemState{
		Epoch:                 uint64(s.Epoch),
		ReferenceGasPrice:     uint64(s.ReferenceGasPrice),
		EpochStartTimestampMs: uint64(s.EpochStartTimestampMs),
		EpochDurationMs:       uint64(s.EpochDurationMs),
	}
}
