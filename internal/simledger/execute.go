package simledger

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/sharding-experiment/parallel-executor/internal/ledger"
	"golang.org/x/crypto/blake2b"
)

// AbortFunction is the Move function name that makes a call abort. The
// transaction is charged gas and only its gas coin changes.
const AbortFunction = "abort"

var errAborted = errors.New("move call aborted")

type value struct {
	object bool
	id     ledger.ObjectID
	pure   []byte
}

// session is the working state of one transaction before commit.
type session struct {
	tx      *ledger.Transaction
	digest  ledger.Digest
	gas     ledger.ObjectID
	objects map[ledger.ObjectID]*ledger.Object
	// inputs maps every loaded object to its pre-execution state.
	inputs  map[ledger.ObjectID]ledger.Object
	mutable map[ledger.ObjectID]bool
	created []ledger.ObjectID
	deleted map[ledger.ObjectID]bool
	results [][]value
}

func (l *Ledger) newSession(tx *ledger.Transaction, digest ledger.Digest) *session {
	s := &session{
		tx:      tx,
		digest:  digest,
		objects: make(map[ledger.ObjectID]*ledger.Object),
		inputs:  make(map[ledger.ObjectID]ledger.Object),
		mutable: make(map[ledger.ObjectID]bool),
		deleted: make(map[ledger.ObjectID]bool),
	}
	for _, in := range tx.Inputs {
		if in.Kind == ledger.InputPure {
			continue
		}
		obj := l.objects[in.Ref.ObjectID]
		s.load(obj)
		switch {
		case in.Kind == ledger.InputShared:
			s.mutable[obj.Ref.ObjectID] = s.mutable[obj.Ref.ObjectID] || in.Mutable
		case obj.Owner.Kind != ledger.OwnerImmutable:
			s.mutable[obj.Ref.ObjectID] = true
		}
	}

	// Gas smashing: every payment coin is merged into the first one.
	s.gas = tx.Gas.Payment[0].ObjectID
	for i, ref := range tx.Gas.Payment {
		obj := l.objects[ref.ObjectID]
		s.load(obj)
		if i == 0 {
			s.mutable[ref.ObjectID] = true
			continue
		}
		s.objects[s.gas].Balance += s.objects[ref.ObjectID].Balance
		s.objects[ref.ObjectID].Balance = 0
		s.deleted[ref.ObjectID] = true
	}
	return s
}

func (s *session) load(obj *ledger.Object) {
	if _, ok := s.objects[obj.Ref.ObjectID]; ok {
		return
	}
	cp := *obj
	s.objects[obj.Ref.ObjectID] = &cp
	s.inputs[obj.Ref.ObjectID] = *obj
}

func (s *session) newObjectID() ledger.ObjectID {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(len(s.created)))
	return ledger.ObjectID(blake2b.Sum256(append(s.digest.Bytes(), b[:]...)))
}

func (s *session) arg(arg ledger.Argument) (value, error) {
	switch arg.Kind {
	case ledger.ArgGasCoin:
		return value{object: true, id: s.gas}, nil
	case ledger.ArgInput:
		if int(arg.Index) >= len(s.tx.Inputs) {
			return value{}, fmt.Errorf("input %d out of range", arg.Index)
		}
		in := s.tx.Inputs[arg.Index]
		if in.Kind == ledger.InputPure {
			return value{pure: in.Pure}, nil
		}
		return value{object: true, id: in.Ref.ObjectID}, nil
	case ledger.ArgResult, ledger.ArgNestedResult:
		if int(arg.Index) >= len(s.results) {
			return value{}, fmt.Errorf("result %d not available", arg.Index)
		}
		res := s.results[arg.Index]
		j := 0
		if arg.Kind == ledger.ArgNestedResult {
			j = int(arg.ResultIndex)
		}
		if j >= len(res) {
			return value{}, fmt.Errorf("result %d.%d not available", arg.Index, j)
		}
		return res[j], nil
	}
	return value{}, fmt.Errorf("unknown argument kind %d", arg.Kind)
}

func (s *session) object(arg ledger.Argument) (*ledger.Object, error) {
	v, err := s.arg(arg)
	if err != nil {
		return nil, err
	}
	if !v.object {
		return nil, errors.New("expected object argument")
	}
	obj, ok := s.objects[v.id]
	if !ok || s.deleted[v.id] {
		return nil, fmt.Errorf("object %s not available", v.id.Hex())
	}
	return obj, nil
}

func (s *session) coin(arg ledger.Argument) (*ledger.Object, error) {
	obj, err := s.object(arg)
	if err != nil {
		return nil, err
	}
	if !obj.IsGasCoin() {
		return nil, fmt.Errorf("object %s is not a coin", obj.Ref.ObjectID.Hex())
	}
	if _, loaded := s.inputs[obj.Ref.ObjectID]; loaded && !s.mutable[obj.Ref.ObjectID] {
		return nil, fmt.Errorf("coin %s is not mutable", obj.Ref.ObjectID.Hex())
	}
	return obj, nil
}

func (s *session) pure(arg ledger.Argument, size int) ([]byte, error) {
	v, err := s.arg(arg)
	if err != nil {
		return nil, err
	}
	if v.object || len(v.pure) != size {
		return nil, fmt.Errorf("expected %d byte pure argument", size)
	}
	return v.pure, nil
}

// run interprets the commands against the working state.
func (s *session) run() error {
	for i := range s.tx.Commands {
		res, err := s.command(&s.tx.Commands[i])
		if err != nil {
			return fmt.Errorf("command %d: %w", i, err)
		}
		s.results = append(s.results, res)
	}
	return nil
}

func (s *session) command(cmd *ledger.Command) ([]value, error) {
	switch cmd.Kind {
	case ledger.CmdSplitCoins:
		coin, err := s.coin(cmd.Target)
		if err != nil {
			return nil, err
		}
		available := coin.Balance
		if coin.Ref.ObjectID == s.gas {
			available = coin.Balance - min(coin.Balance, s.tx.Gas.Budget)
		}
		out := make([]value, 0, len(cmd.Arguments))
		for _, a := range cmd.Arguments {
			b, err := s.pure(a, 8)
			if err != nil {
				return nil, err
			}
			amount := binary.LittleEndian.Uint64(b)
			if amount > available {
				return nil, fmt.Errorf("insufficient coin balance: have %d, need %d", available, amount)
			}
			available -= amount
			coin.Balance -= amount
			id := s.newObjectID()
			s.objects[id] = &ledger.Object{
				Ref:     ledger.ObjectRef{ObjectID: id},
				Owner:   ledger.AddressOwner(s.tx.Sender),
				Type:    coin.Type,
				Balance: amount,
			}
			s.created = append(s.created, id)
			out = append(out, value{object: true, id: id})
		}
		return out, nil

	case ledger.CmdTransferObjects:
		b, err := s.pure(cmd.Target, 32)
		if err != nil {
			return nil, err
		}
		recipient := ledger.Address(b)
		for _, a := range cmd.Arguments {
			obj, err := s.object(a)
			if err != nil {
				return nil, err
			}
			if obj.Owner.Kind == ledger.OwnerShared || obj.Owner.Kind == ledger.OwnerImmutable {
				return nil, fmt.Errorf("object %s cannot be transferred", obj.Ref.ObjectID.Hex())
			}
			obj.Owner = ledger.AddressOwner(recipient)
		}
		return nil, nil

	case ledger.CmdMergeCoins:
		dest, err := s.coin(cmd.Target)
		if err != nil {
			return nil, err
		}
		for _, a := range cmd.Arguments {
			src, err := s.coin(a)
			if err != nil {
				return nil, err
			}
			if src.Ref.ObjectID == s.gas || src == dest {
				return nil, fmt.Errorf("coin %s cannot be merged away", src.Ref.ObjectID.Hex())
			}
			dest.Balance += src.Balance
			src.Balance = 0
			s.deleted[src.Ref.ObjectID] = true
		}
		return nil, nil

	case ledger.CmdMoveCall:
		for _, a := range cmd.Arguments {
			if _, err := s.arg(a); err != nil {
				return nil, err
			}
		}
		if cmd.Function == AbortFunction {
			return nil, fmt.Errorf("%s::%s: %w", cmd.Module, cmd.Function, errAborted)
		}
		return nil, nil
	}
	return nil, fmt.Errorf("unknown command kind %d", cmd.Kind)
}

// apply executes tx and commits its effects. Errors are returned only for
// transactions the ledger rejects outright; aborted commands still commit
// the gas charge.
func (l *Ledger) apply(tx *ledger.Transaction, digest ledger.Digest) (*ledger.TransactionResult, error) {
	if len(tx.Gas.Payment) == 0 {
		return nil, ledger.ErrMissingGasPayment
	}
	lamport, err := l.checkInputs(tx)
	if err != nil {
		return nil, err
	}
	lamport++

	status := ledger.ExecutionStatus{Success: true}
	s := l.newSession(tx, digest)
	if err := s.run(); err != nil {
		status = ledger.ExecutionStatus{Error: err.Error()}
		s = l.newSession(tx, digest)
	}

	var written []ledger.ObjectID
	for id := range s.mutable {
		if !s.deleted[id] {
			written = append(written, id)
		}
	}
	for _, id := range s.created {
		if !s.deleted[id] {
			written = append(written, id)
		}
	}

	var overwritten uint64
	for id := range s.inputs {
		if s.mutable[id] || s.deleted[id] {
			overwritten++
		}
	}
	gasUsed := ledger.GasCost{
		ComputationCost: tx.Gas.Price * l.cfg.ComputationUnits,
		StorageCost:     l.cfg.StorageCostPerObject * uint64(len(written)),
		StorageRebate:   l.cfg.StorageRebatePerObject * overwritten,
	}
	gas := s.objects[s.gas]
	if charge := gasUsed.ComputationCost + gasUsed.StorageCost; charge > gasUsed.StorageRebate {
		gas.Balance -= min(charge-gasUsed.StorageRebate, tx.Gas.Budget, gas.Balance)
	} else {
		gas.Balance += gasUsed.StorageRebate - charge
	}

	effects := &ledger.Effects{
		Digest:         digest,
		Status:         status,
		LamportVersion: lamport,
		GasUsed:        gasUsed,
	}
	objectTypes := make(map[ledger.ObjectID]string)
	for _, id := range written {
		obj := s.objects[id]
		obj.Ref.Version = lamport
		obj.Ref.Digest = objectDigest(id, lamport)
		owner := obj.Owner
		change := ledger.ChangedObject{
			ObjectID:      id,
			OutputState:   ledger.OutputObjectWrite,
			OutputVersion: lamport,
			OutputDigest:  obj.Ref.Digest,
			OutputOwner:   &owner,
		}
		if in, ok := s.inputs[id]; ok {
			change.InputVersion = in.Ref.Version
		} else {
			change.IDOperation = ledger.IDCreated
		}
		effects.ChangedObjects = append(effects.ChangedObjects, change)
		objectTypes[id] = obj.Type
	}
	for id := range s.deleted {
		in, ok := s.inputs[id]
		if !ok {
			continue
		}
		effects.ChangedObjects = append(effects.ChangedObjects, ledger.ChangedObject{
			ObjectID:     id,
			InputVersion: in.Ref.Version,
			OutputState:  ledger.OutputDoesNotExist,
			IDOperation:  ledger.IDDeleted,
		})
	}
	sort.Slice(effects.ChangedObjects, func(i, j int) bool {
		return bytes.Compare(effects.ChangedObjects[i].ObjectID[:], effects.ChangedObjects[j].ObjectID[:]) < 0
	})
	for i := range effects.ChangedObjects {
		if effects.ChangedObjects[i].ObjectID == s.gas {
			gasObject := effects.ChangedObjects[i]
			effects.GasObject = &gasObject
		}
	}

	balanceChanges := s.balanceChanges()

	for _, id := range written {
		l.objects[id] = s.objects[id]
	}
	for id := range s.deleted {
		delete(l.objects, id)
	}

	return &ledger.TransactionResult{
		Digest:         digest,
		Effects:        effects,
		ObjectTypes:    objectTypes,
		BalanceChanges: balanceChanges,
	}, nil
}

// balanceChanges nets coin balances per owner before and after execution.
func (s *session) balanceChanges() []ledger.BalanceChange {
	type key struct {
		owner ledger.Address
		typ   string
	}
	net := make(map[key]int64)
	for id, in := range s.inputs {
		if in.IsGasCoin() && in.Owner.Kind == ledger.OwnerAddress {
			net[key{in.Owner.Address, in.Type}] -= int64(in.Balance)
		}
		if obj := s.objects[id]; !s.deleted[id] && obj.IsGasCoin() && obj.Owner.Kind == ledger.OwnerAddress {
			net[key{obj.Owner.Address, obj.Type}] += int64(obj.Balance)
		}
	}
	for _, id := range s.created {
		if obj := s.objects[id]; !s.deleted[id] && obj.IsGasCoin() && obj.Owner.Kind == ledger.OwnerAddress {
			net[key{obj.Owner.Address, obj.Type}] += int64(obj.Balance)
		}
	}

	var out []ledger.BalanceChange
	for k, amount := range net {
		if amount != 0 {
			out = append(out, ledger.BalanceChange{Owner: k.owner, CoinType: k.typ, Amount: amount})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Owner[:], out[j].Owner[:]) < 0
	})
	return out
}
