package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"golang.org/x/crypto/blake2b"
)

// txDigestPrefix domain-separates transaction digests from other hashes.
var txDigestPrefix = []byte("TransactionData::")

type wireRef struct {
	ID      ObjectID
	Version uint64
	Digest  Digest
}

type wireInput struct {
	Kind                 uint8
	Pure                 []byte
	Ref                  wireRef
	InitialSharedVersion uint64
	Mutable              bool
}

type wireArgument struct {
	Kind        uint8
	Index       uint16
	ResultIndex uint16
}

type wireCommand struct {
	Kind          uint8
	Package       ObjectID
	Module        string
	Function      string
	TypeArguments []string
	Target        wireArgument
	Arguments     []wireArgument
}

type wireKind struct {
	Inputs   []wireInput
	Commands []wireCommand
}

type wireTransaction struct {
	Kind       wireKind
	Sender     Address
	GasPayment []wireRef
	GasOwner   Address
	GasPrice   uint64
	GasBudget  uint64
}

func toWireRef(r ObjectRef) wireRef {
	return wireRef{ID: r.ObjectID, Version: r.Version, Digest: r.Digest}
}

func (w wireRef) ref() ObjectRef {
	return ObjectRef{ObjectID: w.ID, Version: w.Version, Digest: w.Digest}
}

func toWireArgument(a Argument) wireArgument {
	return wireArgument{Kind: uint8(a.Kind), Index: a.Index, ResultIndex: a.ResultIndex}
}

func (w wireArgument) argument() Argument {
	return Argument{Kind: ArgumentKind(w.Kind), Index: w.Index, ResultIndex: w.ResultIndex}
}

func encodeKind(tx *Transaction) (wireKind, error) {
	kind := wireKind{
		Inputs:   make([]wireInput, len(tx.Inputs)),
		Commands: make([]wireCommand, len(tx.Commands)),
	}
	for i, in := range tx.Inputs {
		if in.Kind == InputUnresolved {
			return wireKind{}, fmt.Errorf("input %d (%s): %w", i, in.Ref.ObjectID.Hex(), ErrUnresolvedInput)
		}
		kind.Inputs[i] = wireInput{
			Kind:                 uint8(in.Kind),
			Pure:                 in.Pure,
			Ref:                  toWireRef(in.Ref),
			InitialSharedVersion: in.InitialSharedVersion,
			Mutable:              in.Mutable,
		}
	}
	for i, cmd := range tx.Commands {
		wc := wireCommand{
			Kind:          uint8(cmd.Kind),
			Package:       cmd.Package,
			Module:        cmd.Module,
			Function:      cmd.Function,
			TypeArguments: cmd.TypeArguments,
			Target:        toWireArgument(cmd.Target),
			Arguments:     make([]wireArgument, len(cmd.Arguments)),
		}
		for j, arg := range cmd.Arguments {
			wc.Arguments[j] = toWireArgument(arg)
		}
		kind.Commands[i] = wc
	}
	return kind, nil
}

// EncodeTransactionKind encodes only the inputs and commands.
func EncodeTransactionKind(tx *Transaction) ([]byte, error) {
	kind, err := encodeKind(tx)
	if err != nil {
		return nil, err
	}
	return rlp.EncodeToBytes(&kind)
}

// EncodeTransactionData encodes a fully resolved transaction into the bytes
// that are signed and submitted.
func EncodeTransactionData(tx *Transaction) ([]byte, error) {
	if tx.Sender == (Address{}) {
		return nil, ErrMissingSender
	}
	if tx.Gas.Price == 0 {
		return nil, ErrMissingGasPrice
	}
	if tx.Gas.Budget == 0 {
		return nil, ErrMissingGasBudget
	}
	if len(tx.Gas.Payment) == 0 {
		return nil, ErrMissingGasPayment
	}
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	kind, err := encodeKind(tx)
	if err != nil {
		return nil, err
	}
	owner := tx.Gas.Owner
	if owner == (Address{}) {
		owner = tx.Sender
	}
	wtx := wireTransaction{
		Kind:       kind,
		Sender:     tx.Sender,
		GasPayment: make([]wireRef, len(tx.Gas.Payment)),
		GasOwner:   owner,
		GasPrice:   tx.Gas.Price,
		GasBudget:  tx.Gas.Budget,
	}
	for i, ref := range tx.Gas.Payment {
		wtx.GasPayment[i] = toWireRef(ref)
	}
	return rlp.EncodeToBytes(&wtx)
}

// DecodeTransactionData is the inverse of EncodeTransactionData.
func DecodeTransactionData(b []byte) (*Transaction, error) {
	var wtx wireTransaction
	if err := rlp.DecodeBytes(b, &wtx); err != nil {
		return nil, fmt.Errorf("decode transaction data: %w", err)
	}
	tx := &Transaction{
		Sender:   wtx.Sender,
		Inputs:   make([]CallArg, len(wtx.Kind.Inputs)),
		Commands: make([]Command, len(wtx.Kind.Commands)),
		Gas: GasData{
			Payment: make([]ObjectRef, len(wtx.GasPayment)),
			Owner:   wtx.GasOwner,
			Price:   wtx.GasPrice,
			Budget:  wtx.GasBudget,
		},
	}
	for i, in := range wtx.Kind.Inputs {
		tx.Inputs[i] = CallArg{
			Kind:                 InputKind(in.Kind),
			Pure:                 in.Pure,
			Ref:                  in.Ref.ref(),
			InitialSharedVersion: in.InitialSharedVersion,
			Mutable:              in.Mutable,
		}
	}
	for i, wc := range wtx.Kind.Commands {
		cmd := Command{
			Kind:          CommandKind(wc.Kind),
			Package:       wc.Package,
			Module:        wc.Module,
			Function:      wc.Function,
			TypeArguments: wc.TypeArguments,
			Target:        wc.Target.argument(),
			Arguments:     make([]Argument, len(wc.Arguments)),
		}
		for j, arg := range wc.Arguments {
			cmd.Arguments[j] = arg.argument()
		}
		tx.Commands[i] = cmd
	}
	for i, ref := range wtx.GasPayment {
		tx.Gas.Payment[i] = ref.ref()
	}
	return tx, nil
}

// TransactionDigest returns the digest identifying the encoded transaction.
func TransactionDigest(txBytes []byte) Digest {
	h, _ := blake2b.New256(nil)
	h.Write(txDigestPrefix)
	h.Write(txBytes)
	var d Digest
	h.Sum(d[:0])
	return d
}
