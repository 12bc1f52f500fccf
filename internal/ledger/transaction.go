package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrUnresolvedInput   = errors.New("transaction input is not resolved")
	ErrMissingSender     = errors.New("transaction sender is not set")
	ErrMissingGasBudget  = errors.New("transaction gas budget is not set")
	ErrMissingGasPrice   = errors.New("transaction gas price is not set")
	ErrMissingGasPayment = errors.New("no gas coins available to pay for transaction")
	ErrInvalidArgument   = errors.New("argument references an unknown input or result")
)

// InputKind tags a CallArg.
type InputKind uint8

const (
	InputPure InputKind = iota
	InputImmOrOwned
	InputShared
	InputReceiving
	// InputUnresolved is an object known only by id; the version (and
	// whether it is shared) is looked up at build time.
	InputUnresolved
)

var inputKindNames = []string{"Pure", "ImmOrOwnedObject", "SharedObject", "Receiving", "UnresolvedObject"}

func (k InputKind) String() string {
	if int(k) < len(inputKindNames) {
		return inputKindNames[k]
	}
	return fmt.Sprintf("InputKind(%d)", uint8(k))
}

func (k InputKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *InputKind) UnmarshalText(b []byte) error {
	return unmarshalKind(b, inputKindNames, (*uint8)(k), "input kind")
}

// CallArg is a transaction input.
type CallArg struct {
	Kind InputKind `json:"kind"`
	Pure []byte    `json:"pure,omitempty"`
	// Ref carries the object reference for owned and receiving inputs. For
	// unresolved inputs only the id is required; a non-zero version and
	// digest are used as-is.
	Ref                  ObjectRef `json:"ref"`
	InitialSharedVersion uint64    `json:"initialSharedVersion,omitempty"`
	Mutable              bool      `json:"mutable,omitempty"`
	// Receiving marks an unresolved input that should resolve to a
	// Receiving argument rather than an owned one.
	Receiving bool `json:"receiving,omitempty"`
}

// ArgumentKind tags an Argument.
type ArgumentKind uint8

const (
	ArgGasCoin ArgumentKind = iota
	ArgInput
	ArgResult
	ArgNestedResult
)

var argumentKindNames = []string{"GasCoin", "Input", "Result", "NestedResult"}

func (k ArgumentKind) String() string {
	if int(k) < len(argumentKindNames) {
		return argumentKindNames[k]
	}
	return fmt.Sprintf("ArgumentKind(%d)", uint8(k))
}

func (k ArgumentKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *ArgumentKind) UnmarshalText(b []byte) error {
	return unmarshalKind(b, argumentKindNames, (*uint8)(k), "argument kind")
}

// Argument refers to a value available to a command.
type Argument struct {
	Kind        ArgumentKind `json:"kind"`
	Index       uint16       `json:"index,omitempty"`
	ResultIndex uint16       `json:"resultIndex,omitempty"`
}

// GasCoin is the argument for the coin paying for the transaction.
func GasCoin() Argument { return Argument{Kind: ArgGasCoin} }

func InputArg(i uint16) Argument { return Argument{Kind: ArgInput, Index: i} }

func ResultArg(i uint16) Argument { return Argument{Kind: ArgResult, Index: i} }

func NestedResultArg(i, j uint16) Argument {
	return Argument{Kind: ArgNestedResult, Index: i, ResultIndex: j}
}

// CommandKind tags a Command.
type CommandKind uint8

const (
	CmdMoveCall CommandKind = iota
	CmdTransferObjects
	CmdSplitCoins
	CmdMergeCoins
)

var commandKindNames = []string{"MoveCall", "TransferObjects", "SplitCoins", "MergeCoins"}

func (k CommandKind) String() string {
	if int(k) < len(commandKindNames) {
		return commandKindNames[k]
	}
	return fmt.Sprintf("CommandKind(%d)", uint8(k))
}

func (k CommandKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *CommandKind) UnmarshalText(b []byte) error {
	return unmarshalKind(b, commandKindNames, (*uint8)(k), "command kind")
}

// Command is one step of a programmable transaction.
//
// Target holds the single-argument operand of the command: the recipient
// for TransferObjects, the coin for SplitCoins and the destination for
// MergeCoins. It is unused by MoveCall. Arguments holds the list operand:
// call arguments, transferred objects, split amounts or merged sources.
type Command struct {
	Kind          CommandKind `json:"kind"`
	Package       ObjectID    `json:"package,omitempty"`
	Module        string      `json:"module,omitempty"`
	Function      string      `json:"function,omitempty"`
	TypeArguments []string    `json:"typeArguments,omitempty"`
	Target        Argument    `json:"target"`
	Arguments     []Argument  `json:"arguments"`
}

// VisitArguments calls fn for every argument of the command, in encoding
// order.
func (c *Command) VisitArguments(fn func(*Argument)) {
	if c.Kind != CmdMoveCall {
		fn(&c.Target)
	}
	for i := range c.Arguments {
		fn(&c.Arguments[i])
	}
}

// GasData describes how the transaction pays for execution. Zero price and
// budget mean unset.
type GasData struct {
	Payment []ObjectRef `json:"payment,omitempty"`
	Owner   Address     `json:"owner"`
	Price   uint64      `json:"price,omitempty"`
	Budget  uint64      `json:"budget,omitempty"`
}

// Transaction is a mutable programmable-transaction builder. It is not safe
// for concurrent use; the executor takes ownership while submitting it.
type Transaction struct {
	Sender   Address   `json:"sender"`
	Inputs   []CallArg `json:"inputs"`
	Commands []Command `json:"commands"`
	Gas      GasData   `json:"gasData"`
}

// NewTransaction returns an empty transaction.
func NewTransaction() *Transaction {
	return &Transaction{}
}

// Clone returns a deep copy of the transaction.
func (tx *Transaction) Clone() *Transaction {
	cp := &Transaction{
		Sender:   tx.Sender,
		Inputs:   make([]CallArg, len(tx.Inputs)),
		Commands: make([]Command, len(tx.Commands)),
		Gas:      tx.Gas,
	}
	for i, in := range tx.Inputs {
		in.Pure = append([]byte(nil), in.Pure...)
		cp.Inputs[i] = in
	}
	for i, cmd := range tx.Commands {
		cmd.TypeArguments = append([]string(nil), cmd.TypeArguments...)
		cmd.Arguments = append([]Argument(nil), cmd.Arguments...)
		cp.Commands[i] = cmd
	}
	cp.Gas.Payment = append([]ObjectRef(nil), tx.Gas.Payment...)
	return cp
}

func (tx *Transaction) SetSender(addr Address) { tx.Sender = addr }

func (tx *Transaction) SetSenderIfNotSet(addr Address) {
	if tx.Sender == (Address{}) {
		tx.Sender = addr
	}
}

func (tx *Transaction) SetGasPrice(price uint64) { tx.Gas.Price = price }

func (tx *Transaction) SetGasBudget(budget uint64) { tx.Gas.Budget = budget }

func (tx *Transaction) SetGasBudgetIfNotSet(budget uint64) {
	if tx.Gas.Budget == 0 {
		tx.Gas.Budget = budget
	}
}

func (tx *Transaction) SetGasOwner(owner Address) { tx.Gas.Owner = owner }

func (tx *Transaction) SetGasPayment(refs []ObjectRef) {
	tx.Gas.Payment = append([]ObjectRef(nil), refs...)
}

func (tx *Transaction) addInput(arg CallArg) Argument {
	tx.Inputs = append(tx.Inputs, arg)
	return InputArg(uint16(len(tx.Inputs) - 1))
}

// Object adds an object input known only by id. Adding the same id twice
// returns the existing input.
func (tx *Transaction) Object(id ObjectID) Argument {
	for i, in := range tx.Inputs {
		if in.Kind != InputPure && in.Ref.ObjectID == id {
			return InputArg(uint16(i))
		}
	}
	return tx.addInput(CallArg{Kind: InputUnresolved, Ref: ObjectRef{ObjectID: id}, Mutable: true})
}

// ObjectRef adds an owned or immutable object input at a fixed version.
func (tx *Transaction) ObjectRef(ref ObjectRef) Argument {
	return tx.addInput(CallArg{Kind: InputImmOrOwned, Ref: ref})
}

// SharedObject adds a shared object input.
func (tx *Transaction) SharedObject(id ObjectID, initialSharedVersion uint64, mutable bool) Argument {
	return tx.addInput(CallArg{
		Kind:                 InputShared,
		Ref:                  ObjectRef{ObjectID: id},
		InitialSharedVersion: initialSharedVersion,
		Mutable:              mutable,
	})
}

// ReceivingRef adds an object sent to another object, to be received.
func (tx *Transaction) ReceivingRef(ref ObjectRef) Argument {
	return tx.addInput(CallArg{Kind: InputReceiving, Ref: ref})
}

// Pure adds a raw value input.
func (tx *Transaction) Pure(b []byte) Argument {
	return tx.addInput(CallArg{Kind: InputPure, Pure: append([]byte(nil), b...)})
}

// PureUint64 adds a little-endian u64 input.
func (tx *Transaction) PureUint64(v uint64) Argument {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return tx.Pure(b[:])
}

// PureAddress adds an address input.
func (tx *Transaction) PureAddress(addr Address) Argument {
	return tx.Pure(addr.Bytes())
}

// Gas returns the gas coin argument.
func (tx *Transaction) GasCoin() Argument { return GasCoin() }

func (tx *Transaction) addCommand(cmd Command) Argument {
	tx.Commands = append(tx.Commands, cmd)
	return ResultArg(uint16(len(tx.Commands) - 1))
}

// SplitCoins splits amounts off coin and returns one argument per new coin.
func (tx *Transaction) SplitCoins(coin Argument, amounts []Argument) []Argument {
	res := tx.addCommand(Command{Kind: CmdSplitCoins, Target: coin, Arguments: amounts})
	out := make([]Argument, len(amounts))
	for i := range amounts {
		out[i] = NestedResultArg(res.Index, uint16(i))
	}
	return out
}

func (tx *Transaction) TransferObjects(objects []Argument, recipient Argument) {
	tx.addCommand(Command{Kind: CmdTransferObjects, Target: recipient, Arguments: objects})
}

func (tx *Transaction) MergeCoins(destination Argument, sources []Argument) {
	tx.addCommand(Command{Kind: CmdMergeCoins, Target: destination, Arguments: sources})
}

// MoveCall calls pkg::module::function and returns its result.
func (tx *Transaction) MoveCall(pkg ObjectID, module, function string, typeArgs []string, args []Argument) Argument {
	return tx.addCommand(Command{
		Kind:          CmdMoveCall,
		Package:       pkg,
		Module:        module,
		Function:      function,
		TypeArguments: typeArgs,
		Arguments:     args,
	})
}

// VisitArguments walks every argument of every command.
func (tx *Transaction) VisitArguments(fn func(*Argument)) {
	for i := range tx.Commands {
		tx.Commands[i].VisitArguments(fn)
	}
}

// UsesGasCoin reports whether the gas coin is passed explicitly to a
// command, in which case its balance after execution is unknown.
func (tx *Transaction) UsesGasCoin() bool {
	uses := false
	tx.VisitArguments(func(arg *Argument) {
		if arg.Kind == ArgGasCoin {
			uses = true
		}
	})
	return uses
}

// UsedObjects returns the ids of every owned or receiving object the
// transaction will lock, in input order. Shared objects, and unresolved
// inputs that already carry a shared version, are ordered by consensus and
// are left out.
func (tx *Transaction) UsedObjects() []ObjectID {
	seen := make(map[ObjectID]struct{}, len(tx.Inputs))
	var ids []ObjectID
	for _, in := range tx.Inputs {
		switch {
		case in.Kind == InputImmOrOwned, in.Kind == InputReceiving:
		case in.Kind == InputUnresolved && in.InitialSharedVersion == 0:
		default:
			continue
		}
		if _, ok := seen[in.Ref.ObjectID]; ok {
			continue
		}
		seen[in.Ref.ObjectID] = struct{}{}
		ids = append(ids, in.Ref.ObjectID)
	}
	return ids
}

// Validate checks that every argument points at an existing input or an
// earlier command.
func (tx *Transaction) Validate() error {
	for ci := range tx.Commands {
		var err error
		tx.Commands[ci].VisitArguments(func(arg *Argument) {
			if err != nil {
				return
			}
			switch arg.Kind {
			case ArgInput:
				if int(arg.Index) >= len(tx.Inputs) {
					err = fmt.Errorf("command %d: input %d: %w", ci, arg.Index, ErrInvalidArgument)
				}
			case ArgResult, ArgNestedResult:
				if int(arg.Index) >= ci {
					err = fmt.Errorf("command %d: result %d: %w", ci, arg.Index, ErrInvalidArgument)
				}
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func unmarshalKind(b []byte, names []string, dst *uint8, what string) error {
	for i, name := range names {
		if name == string(b) {
			*dst = uint8(i)
			return nil
		}
	}
	return fmt.Errorf("unknown %s %q", what, b)
}
