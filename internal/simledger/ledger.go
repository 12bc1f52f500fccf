// Package simledger is an in-memory ledger implementing ledger.Client. It
// enforces object versions on owned inputs, interprets coin commands and
// charges gas, which is enough to exercise an executor end to end.
package simledger

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/sharding-experiment/parallel-executor/internal/keys"
	"github.com/sharding-experiment/parallel-executor/internal/ledger"
	"golang.org/x/crypto/blake2b"
)

var (
	ErrObjectNotFound        = errors.New("object not found")
	ErrObjectVersionMismatch = errors.New("object version mismatch")
	ErrNotOwner              = errors.New("object not owned by signer")
	ErrNotGasCoin            = errors.New("gas payment object is not a gas coin")
	ErrInsufficientGas       = errors.New("gas balance below budget")
	ErrInvalidSignature      = errors.New("invalid transaction signature")
)

// Config sets the economics and behavior of a simulated ledger.
type Config struct {
	ReferenceGasPrice uint64
	EpochStart        time.Time
	EpochDuration     time.Duration
	// ComputationUnits is charged per transaction at the gas price.
	ComputationUnits uint64
	// StorageCostPerObject is charged for every written object.
	StorageCostPerObject uint64
	// StorageRebatePerObject is refunded for every overwritten or deleted
	// object.
	StorageRebatePerObject uint64
	VerifySignatures       bool
	// ExecuteDelay is slept by every execution before it commits.
	ExecuteDelay time.Duration
}

// DefaultConfig returns the configuration used by the dev node.
func DefaultConfig() Config {
	return Config{
		ReferenceGasPrice:      1000,
		EpochStart:             time.Now(),
		EpochDuration:          24 * time.Hour,
		ComputationUnits:       1000,
		StorageCostPerObject:   2_000_000,
		StorageRebatePerObject: 1_000_000,
		VerifySignatures:       true,
	}
}

// ExecuteHook runs before a transaction commits. A non-nil error is
// returned to the submitter and nothing is committed.
type ExecuteHook func(ctx context.Context, tx *ledger.Transaction) error

// Ledger is the simulated ledger state.
type Ledger struct {
	cfg Config
	log log.Logger

	mu       sync.Mutex
	objects  map[ledger.ObjectID]*ledger.Object
	results  map[ledger.Digest]*ledger.TransactionResult
	executed []*ledger.Transaction
	state    ledger.SystemState
	nonce    uint64
	settled  chan struct{}
	hook     ExecuteHook

	inFlight    int
	maxInFlight int
	calls       map[string]int
}

func New(cfg Config) *Ledger {
	return &Ledger{
		cfg:     cfg,
		log:     log.New("component", "simledger"),
		objects: make(map[ledger.ObjectID]*ledger.Object),
		results: make(map[ledger.Digest]*ledger.TransactionResult),
		state: ledger.SystemState{
			ReferenceGasPrice:     cfg.ReferenceGasPrice,
			EpochStartTimestampMs: uint64(cfg.EpochStart.UnixMilli()),
			EpochDurationMs:       uint64(cfg.EpochDuration.Milliseconds()),
		},
		settled: make(chan struct{}),
		calls:   make(map[string]int),
	}
}

// SetExecuteHook installs hook, replacing any previous one.
func (l *Ledger) SetExecuteHook(hook ExecuteHook) {
	l.mu.Lock()
	l.hook = hook
	l.mu.Unlock()
}

// SetSystemState replaces the epoch information.
func (l *Ledger) SetSystemState(state ledger.SystemState) {
	l.mu.Lock()
	l.state = state
	l.mu.Unlock()
}

// AdvanceEpoch starts a new epoch at start with the given gas price.
func (l *Ledger) AdvanceEpoch(start time.Time, price uint64) {
	l.mu.Lock()
	l.state.Epoch++
	l.state.ReferenceGasPrice = price
	l.state.EpochStartTimestampMs = uint64(start.UnixMilli())
	l.mu.Unlock()
}

func (l *Ledger) newID() ledger.ObjectID {
	l.nonce++
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], l.nonce)
	return ledger.ObjectID(blake2b.Sum256(append([]byte("genesis"), b[:]...)))
}

func objectDigest(id ledger.ObjectID, version uint64) ledger.Digest {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], version)
	return ledger.Digest(blake2b.Sum256(append(id.Bytes(), b[:]...)))
}

func (l *Ledger) insert(obj *ledger.Object) ledger.ObjectRef {
	obj.Ref.Version = 1
	obj.Ref.Digest = objectDigest(obj.Ref.ObjectID, 1)
	l.objects[obj.Ref.ObjectID] = obj
	return obj.Ref
}

// Mint creates a gas coin owned by owner.
func (l *Ledger) Mint(owner ledger.Address, balance uint64) ledger.ObjectRef {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.insert(&ledger.Object{
		Ref:     ledger.ObjectRef{ObjectID: l.newID()},
		Owner:   ledger.AddressOwner(owner),
		Type:    ledger.GasCoinType,
		Balance: balance,
	})
}

// CreateObject creates an owned object of the given type.
func (l *Ledger) CreateObject(owner ledger.Address, typ string) ledger.ObjectRef {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.insert(&ledger.Object{
		Ref:   ledger.ObjectRef{ObjectID: l.newID()},
		Owner: ledger.AddressOwner(owner),
		Type:  typ,
	})
}

// CreateShared creates a shared object and returns its id and initial
// shared version.
func (l *Ledger) CreateShared(typ string) (ledger.ObjectID, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ref := l.insert(&ledger.Object{
		Ref:   ledger.ObjectRef{ObjectID: l.newID()},
		Owner: ledger.SharedOwner(1),
		Type:  typ,
	})
	return ref.ObjectID, 1
}

// Object returns a copy of the current state of id.
func (l *Ledger) Object(id ledger.ObjectID) (*ledger.Object, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	obj, ok := l.objects[id]
	if !ok {
		return nil, false
	}
	cp := *obj
	return &cp, true
}

// Executed returns the committed transactions in commit order.
func (l *Ledger) Executed() []*ledger.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*ledger.Transaction(nil), l.executed...)
}

// MaxInFlight returns the highest number of concurrent executions seen.
func (l *Ledger) MaxInFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxInFlight
}

// Calls returns how often the named client method was invoked.
func (l *Ledger) Calls(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[method]
}

func (l *Ledger) count(method string) {
	l.mu.Lock()
	l.calls[method]++
	l.mu.Unlock()
}

func (l *Ledger) GetObjects(_ context.Context, ids []ledger.ObjectID) ([]*ledger.Object, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls["GetObjects"]++

	out := make([]*ledger.Object, len(ids))
	for i, id := range ids {
		if obj, ok := l.objects[id]; ok {
			cp := *obj
			out[i] = &cp
		}
	}
	return out, nil
}

func (l *Ledger) GetCoins(_ context.Context, owner ledger.Address) ([]*ledger.Object, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls["GetCoins"]++

	var out []*ledger.Object
	for _, obj := range l.objects {
		if obj.IsGasCoin() && obj.Owner.Kind == ledger.OwnerAddress && obj.Owner.Address == owner {
			cp := *obj
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Ref.ObjectID[:], out[j].Ref.ObjectID[:]) < 0
	})
	return out, nil
}

func (l *Ledger) GetCurrentSystemState(context.Context) (*ledger.SystemState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls["GetCurrentSystemState"]++
	state := l.state
	return &state, nil
}

// Transaction returns the committed result for digest.
func (l *Ledger) Transaction(digest ledger.Digest) (*ledger.TransactionResult, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls["Transaction"]++
	res, ok := l.results[digest]
	if !ok {
		return nil, false
	}
	return filterResult(res, ledger.Include{Effects: true, ObjectTypes: true, BalanceChanges: true}), true
}

// WaitForTransaction blocks until digest has been committed.
func (l *Ledger) WaitForTransaction(ctx context.Context, digest ledger.Digest) error {
	l.count("WaitForTransaction")
	for {
		l.mu.Lock()
		_, ok := l.results[digest]
		settled := l.settled
		l.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-settled:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Ledger) ExecuteTransaction(ctx context.Context, req ledger.ExecuteRequest) (*ledger.TransactionResult, error) {
	tx, err := ledger.DecodeTransactionData(req.Transaction)
	if err != nil {
		return nil, err
	}
	if l.cfg.VerifySignatures {
		if len(req.Signatures) == 0 {
			return nil, ErrInvalidSignature
		}
		signer, err := keys.VerifyTransaction(req.Transaction, req.Signatures[0])
		if err != nil || signer != tx.Sender {
			return nil, ErrInvalidSignature
		}
	}

	l.mu.Lock()
	l.calls["ExecuteTransaction"]++
	l.inFlight++
	l.maxInFlight = max(l.maxInFlight, l.inFlight)
	hook := l.hook
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.inFlight--
		l.mu.Unlock()
	}()

	if hook != nil {
		if err := hook(ctx, tx); err != nil {
			return nil, err
		}
	}
	if l.cfg.ExecuteDelay > 0 {
		select {
		case <-time.After(l.cfg.ExecuteDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	digest := ledger.TransactionDigest(req.Transaction)

	l.mu.Lock()
	defer l.mu.Unlock()

	if res, ok := l.results[digest]; ok {
		return filterResult(res, req.Include), nil
	}
	res, err := l.apply(tx, digest)
	if err != nil {
		return nil, err
	}
	l.results[digest] = res
	l.executed = append(l.executed, tx)
	close(l.settled)
	l.settled = make(chan struct{})

	l.log.Debug("Executed transaction", "digest", digest, "status", res.Effects.Status.Success, "changed", len(res.Effects.ChangedObjects))
	out := filterResult(res, req.Include)
	if req.Include.RawBytes {
		out.RawBytes = append([]byte(nil), req.Transaction...)
	}
	return out, nil
}

func filterResult(res *ledger.TransactionResult, include ledger.Include) *ledger.TransactionResult {
	out := &ledger.TransactionResult{Digest: res.Digest}
	if include.Effects {
		effects := *res.Effects
		out.Effects = &effects
	}
	if include.ObjectTypes {
		out.ObjectTypes = res.ObjectTypes
	}
	if include.BalanceChanges {
		out.BalanceChanges = res.BalanceChanges
	}
	return out
}

// checkInputs validates owned inputs and gas payment against current
// versions and returns the highest input version.
func (l *Ledger) checkInputs(tx *ledger.Transaction) (uint64, error) {
	var lamport uint64
	for i, in := range tx.Inputs {
		if in.Kind == ledger.InputPure {
			continue
		}
		obj, ok := l.objects[in.Ref.ObjectID]
		if !ok {
			return 0, fmt.Errorf("input %d %s: %w", i, in.Ref.ObjectID.Hex(), ErrObjectNotFound)
		}
		switch in.Kind {
		case ledger.InputShared:
			if obj.Owner.Kind != ledger.OwnerShared || obj.Owner.InitialSharedVersion != in.InitialSharedVersion {
				return 0, fmt.Errorf("input %d %s: not a shared object at version %d", i, in.Ref.ObjectID.Hex(), in.InitialSharedVersion)
			}
		case ledger.InputImmOrOwned, ledger.InputReceiving:
			if obj.Ref != in.Ref {
				return 0, fmt.Errorf("input %d %s (have %d, want %d): %w", i, in.Ref.ObjectID.Hex(), in.Ref.Version, obj.Ref.Version, ErrObjectVersionMismatch)
			}
			if in.Kind == ledger.InputImmOrOwned && obj.Owner.Kind == ledger.OwnerAddress && obj.Owner.Address != tx.Sender {
				return 0, fmt.Errorf("input %d %s: %w", i, in.Ref.ObjectID.Hex(), ErrNotOwner)
			}
		default:
			return 0, fmt.Errorf("input %d: %w", i, ledger.ErrUnresolvedInput)
		}
		lamport = max(lamport, obj.Ref.Version)
	}

	var total uint64
	for _, ref := range tx.Gas.Payment {
		obj, ok := l.objects[ref.ObjectID]
		if !ok {
			return 0, fmt.Errorf("gas %s: %w", ref.ObjectID.Hex(), ErrObjectNotFound)
		}
		if obj.Ref != ref {
			return 0, fmt.Errorf("gas %s (have %d, want %d): %w", ref.ObjectID.Hex(), ref.Version, obj.Ref.Version, ErrObjectVersionMismatch)
		}
		if !obj.Owner.OwnedBy(tx.Gas.Owner) {
			return 0, fmt.Errorf("gas %s: %w", ref.ObjectID.Hex(), ErrNotOwner)
		}
		if !obj.IsGasCoin() {
			return 0, fmt.Errorf("gas %s: %w", ref.ObjectID.Hex(), ErrNotGasCoin)
		}
		total += obj.Balance
		lamport = max(lamport, obj.Ref.Version)
	}
	if total < tx.Gas.Budget {
		return 0, fmt.Errorf("balance %d, budget %d: %w", total, tx.Gas.Budget, ErrInsufficientGas)
	}
	return lamport, nil
}
