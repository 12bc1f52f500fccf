package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// GasCoinType is the Move type of the coins used to pay for execution.
const GasCoinType = "0x2::coin::Coin<0x2::sui::SUI>"

// ObjectID identifies an on-chain object.
type ObjectID = common.Hash

// Address identifies an account.
type Address = common.Hash

// Digest is a 32-byte content hash (object or transaction).
type Digest = common.Hash

// HexToObjectID parses a hex object id, left-padding short values.
func HexToObjectID(s string) ObjectID {
	return common.HexToHash(s)
}

// ParseObjectID is the strict form of HexToObjectID: s must be non-empty
// hex of at most 32 bytes, with or without the 0x prefix.
func ParseObjectID(s string) (ObjectID, error) {
	digits := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(digits)%2 == 1 {
		digits = "0" + digits
	}
	b, err := hexutil.Decode("0x" + digits)
	if err != nil {
		return ObjectID{}, fmt.Errorf("object id %q: %w", s, err)
	}
	if len(b) == 0 || len(b) > common.HashLength {
		return ObjectID{}, fmt.Errorf("object id %q: want 1 to %d bytes, have %d", s, common.HashLength, len(b))
	}
	return common.BytesToHash(b), nil
}

// ObjectRef pins an object to a specific version.
type ObjectRef struct {
	ObjectID ObjectID `json:"objectId"`
	Version  uint64   `json:"version"`
	Digest   Digest   `json:"digest"`
}

func (r ObjectRef) String() string {
	return fmt.Sprintf("%s@%d", r.ObjectID.Hex(), r.Version)
}

// OwnerKind enumerates the ownership models of an object.
type OwnerKind uint8

const (
	OwnerAddress OwnerKind = iota
	OwnerObject
	OwnerShared
	OwnerImmutable
)

// Owner describes who controls an object after a transaction.
type Owner struct {
	Kind                 OwnerKind `json:"kind"`
	Address              Address   `json:"address,omitempty"`
	InitialSharedVersion uint64    `json:"initialSharedVersion,omitempty"`
}

// AddressOwner returns an owner for a plain account.
func AddressOwner(addr Address) Owner {
	return Owner{Kind: OwnerAddress, Address: addr}
}

// SharedOwner returns a shared owner created at the given version.
func SharedOwner(initialSharedVersion uint64) Owner {
	return Owner{Kind: OwnerShared, InitialSharedVersion: initialSharedVersion}
}

// OwnedBy reports whether the object is held by addr, either directly or
// through a parent object with that id.
func (o Owner) OwnedBy(addr Address) bool {
	return (o.Kind == OwnerAddress || o.Kind == OwnerObject) && o.Address == addr
}

// Object is the subset of object data the executor needs.
type Object struct {
	Ref     ObjectRef `json:"ref"`
	Owner   Owner     `json:"owner"`
	Type    string    `json:"type"`
	Balance uint64    `json:"balance,omitempty"`
}

// IsGasCoin reports whether the object can pay for execution.
func (o *Object) IsGasCoin() bool {
	return o.Type == GasCoinType
}

// SystemState is the epoch information exposed by the ledger.
type SystemState struct {
	Epoch                 uint64 `json:"epoch"`
	ReferenceGasPrice     uint64 `json:"referenceGasPrice"`
	EpochStartTimestampMs uint64 `json:"epochStartTimestampMs"`
	EpochDurationMs       uint64 `json:"epochDurationMs"`
}

// GasCost is the fee breakdown reported in transaction effects.
type GasCost struct {
	ComputationCost         uint64 `json:"computationCost"`
	StorageCost             uint64 `json:"storageCost"`
	StorageRebate           uint64 `json:"storageRebate"`
	NonRefundableStorageFee uint64 `json:"nonRefundableStorageFee"`
}

// OutputState describes an object after execution.
type OutputState uint8

const (
	OutputObjectWrite OutputState = iota
	OutputPackageWrite
	OutputDoesNotExist
)

// IDOperation records whether an object was created or deleted.
type IDOperation uint8

const (
	IDNone IDOperation = iota
	IDCreated
	IDDeleted
)

// ChangedObject is one entry of the effects' changed-object list.
type ChangedObject struct {
	ObjectID      ObjectID    `json:"objectId"`
	InputVersion  uint64      `json:"inputVersion,omitempty"`
	OutputState   OutputState `json:"outputState"`
	OutputVersion uint64      `json:"outputVersion,omitempty"`
	OutputDigest  Digest      `json:"outputDigest,omitempty"`
	OutputOwner   *Owner      `json:"outputOwner,omitempty"`
	IDOperation   IDOperation `json:"idOperation"`
}

// OutputRef returns the post-execution reference of the object.
func (c *ChangedObject) OutputRef() ObjectRef {
	return ObjectRef{ObjectID: c.ObjectID, Version: c.OutputVersion, Digest: c.OutputDigest}
}

// ExecutionStatus is the on-chain outcome of a transaction.
type ExecutionStatus struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Effects summarizes the state changes of an executed transaction.
type Effects struct {
	Digest         Digest          `json:"transactionDigest"`
	Status         ExecutionStatus `json:"status"`
	LamportVersion uint64          `json:"lamportVersion"`
	GasUsed        GasCost         `json:"gasUsed"`
	GasObject      *ChangedObject  `json:"gasObject,omitempty"`
	ChangedObjects []ChangedObject `json:"changedObjects"`
}

// Include selects optional parts of an execution response.
type Include struct {
	Effects        bool `json:"effects"`
	ObjectTypes    bool `json:"objectTypes"`
	BalanceChanges bool `json:"balanceChanges"`
	RawBytes       bool `json:"rawBytes"`
}

// BalanceChange is a net coin movement for one owner.
type BalanceChange struct {
	Owner    Address `json:"owner"`
	CoinType string  `json:"coinType"`
	Amount   int64   `json:"amount"`
}

// TransactionResult is the settlement of a submitted transaction.
type TransactionResult struct {
	Digest         Digest              `json:"digest"`
	Effects        *Effects            `json:"effects,omitempty"`
	ObjectTypes    map[ObjectID]string `json:"objectTypes,omitempty"`
	BalanceChanges []BalanceChange     `json:"balanceChanges,omitempty"`
	RawBytes       []byte              `json:"rawBytes,omitempty"`
}

// ExecuteRequest carries signed transaction bytes to the ledger.
type ExecuteRequest struct {
	Transaction []byte   `json:"transaction"`
	Signatures  []string `json:"signatures"`
	Include     Include  `json:"include"`
}

// Client is the remote ledger as seen by the executor.
type Client interface {
	// GetObjects returns one entry per requested id, nil where the object
	// could not be loaded.
	GetObjects(ctx context.Context, ids []ObjectID) ([]*Object, error)
	// GetCoins lists the gas coins owned by owner.
	GetCoins(ctx context.Context, owner Address) ([]*Object, error)
	GetCurrentSystemState(ctx context.Context) (*SystemState, error)
	ExecuteTransaction(ctx context.Context, req ExecuteRequest) (*TransactionResult, error)
	// WaitForTransaction blocks until the transaction is indexed by the
	// node and its effects are visible to reads.
	WaitForTransaction(ctx context.Context, digest Digest) error
}

// Signer authorizes transactions for a single address.
type Signer interface {
	Address() Address
	SignTransaction(ctx context.Context, txBytes []byte) (string, error)
}
