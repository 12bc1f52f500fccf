package ledger

import (
	"context"
	"fmt"
)

// maxGasPaymentObjects bounds how many owned coins are selected when the
// transaction has no explicit gas payment.
const maxGasPaymentObjects = 256

// ObjectResolver looks up objects by id during a build. Missing objects are
// absent from the returned map.
type ObjectResolver interface {
	ResolveObjects(ctx context.Context, ids []ObjectID) (map[ObjectID]*Object, error)
}

// ClientResolver resolves objects straight from the ledger.
type ClientResolver struct {
	Client Client
}

func (r ClientResolver) ResolveObjects(ctx context.Context, ids []ObjectID) (map[ObjectID]*Object, error) {
	objs, err := r.Client.GetObjects(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[ObjectID]*Object, len(objs))
	for _, obj := range objs {
		if obj != nil {
			out[obj.Ref.ObjectID] = obj
		}
	}
	return out, nil
}

// BuildOptions controls how a transaction is completed before encoding.
type BuildOptions struct {
	Client Client
	// Resolver is consulted for unresolved inputs. Defaults to a
	// ClientResolver over Client.
	Resolver ObjectResolver
	// OnlyTransactionKind resolves inputs and returns the encoded kind,
	// leaving gas data untouched.
	OnlyTransactionKind bool
}

func (o *BuildOptions) resolver() ObjectResolver {
	if o.Resolver != nil {
		return o.Resolver
	}
	return ClientResolver{Client: o.Client}
}

// Build resolves whatever the transaction is still missing and encodes it.
func (tx *Transaction) Build(ctx context.Context, opts BuildOptions) ([]byte, error) {
	if err := tx.ResolveInputs(ctx, opts.resolver()); err != nil {
		return nil, err
	}
	if opts.OnlyTransactionKind {
		return EncodeTransactionKind(tx)
	}
	if err := tx.resolveGas(ctx, opts.Client); err != nil {
		return nil, err
	}
	return EncodeTransactionData(tx)
}

// ResolveInputs replaces every unresolved object input with an owned,
// receiving or shared input using the resolver.
func (tx *Transaction) ResolveInputs(ctx context.Context, r ObjectResolver) error {
	var pending []ObjectID
	for i := range tx.Inputs {
		in := &tx.Inputs[i]
		if in.Kind != InputUnresolved {
			continue
		}
		switch {
		case in.InitialSharedVersion != 0:
			in.Kind = InputShared
		case in.Ref.Version != 0 && in.Ref.Digest != (Digest{}):
			in.Kind = InputImmOrOwned
			if in.Receiving {
				in.Kind = InputReceiving
			}
		default:
			pending = append(pending, in.Ref.ObjectID)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	objs, err := r.ResolveObjects(ctx, pending)
	if err != nil {
		return fmt.Errorf("resolve objects: %w", err)
	}
	for i := range tx.Inputs {
		in := &tx.Inputs[i]
		if in.Kind != InputUnresolved {
			continue
		}
		obj, ok := objs[in.Ref.ObjectID]
		if !ok {
			return fmt.Errorf("input %d (%s): %w", i, in.Ref.ObjectID.Hex(), ErrUnresolvedInput)
		}
		switch {
		case obj.Owner.Kind == OwnerShared:
			in.Kind = InputShared
			in.InitialSharedVersion = obj.Owner.InitialSharedVersion
			in.Ref = ObjectRef{ObjectID: obj.Ref.ObjectID}
		case in.Receiving:
			in.Kind = InputReceiving
			in.Ref = obj.Ref
		default:
			in.Kind = InputImmOrOwned
			in.Ref = obj.Ref
		}
	}
	return nil
}

func (tx *Transaction) resolveGas(ctx context.Context, client Client) error {
	if tx.Sender == (Address{}) {
		return ErrMissingSender
	}
	if tx.Gas.Price == 0 {
		if client == nil {
			return ErrMissingGasPrice
		}
		state, err := client.GetCurrentSystemState(ctx)
		if err != nil {
			return fmt.Errorf("fetch reference gas price: %w", err)
		}
		tx.Gas.Price = state.ReferenceGasPrice
	}
	if tx.Gas.Budget == 0 {
		return ErrMissingGasBudget
	}
	if len(tx.Gas.Payment) > 0 {
		return nil
	}
	if client == nil {
		return ErrMissingGasPayment
	}
	owner := tx.Gas.Owner
	if owner == (Address{}) {
		owner = tx.Sender
	}
	coins, err := client.GetCoins(ctx, owner)
	if err != nil {
		return fmt.Errorf("list gas coins: %w", err)
	}
	used := make(map[ObjectID]struct{}, len(tx.Inputs))
	for _, in := range tx.Inputs {
		if in.Kind != InputPure {
			used[in.Ref.ObjectID] = struct{}{}
		}
	}
	for _, coin := range coins {
		if _, ok := used[coin.Ref.ObjectID]; ok {
			continue
		}
		tx.Gas.Payment = append(tx.Gas.Payment, coin.Ref)
		if len(tx.Gas.Payment) == maxGasPaymentObjects {
			break
		}
	}
	if len(tx.Gas.Payment) == 0 {
		return ErrMissingGasPayment
	}
	return nil
}
