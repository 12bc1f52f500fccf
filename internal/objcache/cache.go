// Package objcache caches object versions between transactions so builds
// can resolve inputs without a round trip to the ledger.
package objcache

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/sharding-experiment/parallel-executor/internal/ledger"
)

// Cache tracks the latest known reference of owned objects, the initial
// version of shared objects and small custom values.
type Cache struct {
	store Store
}

// New returns a cache over store. A nil store means a fresh MemoryStore.
func New(store Store) *Cache {
	if store == nil {
		store = NewMemoryStore(0)
	}
	return &Cache{store: store}
}

func (c *Cache) Close() error {
	return c.store.Close()
}

// GetObject returns the cached object for id. Shared objects are returned
// with only their id and owner set.
func (c *Cache) GetObject(id ledger.ObjectID) (*ledger.Object, bool) {
	if data, ok := c.store.Get(NamespaceOwned, id.Bytes()); ok {
		var obj ledger.Object
		if err := rlp.DecodeBytes(data, &obj); err == nil {
			return &obj, true
		}
	}
	if data, ok := c.store.Get(NamespaceShared, id.Bytes()); ok {
		var isv uint64
		if err := rlp.DecodeBytes(data, &isv); err == nil {
			return &ledger.Object{
				Ref:   ledger.ObjectRef{ObjectID: id},
				Owner: ledger.SharedOwner(isv),
			}, true
		}
	}
	return nil, false
}

// GetObjects returns the cached subset of ids.
func (c *Cache) GetObjects(ids []ledger.ObjectID) map[ledger.ObjectID]*ledger.Object {
	out := make(map[ledger.ObjectID]*ledger.Object, len(ids))
	for _, id := range ids {
		if obj, ok := c.GetObject(id); ok {
			out[id] = obj
		}
	}
	return out
}

// AddObject records the object under the namespace matching its owner.
func (c *Cache) AddObject(obj *ledger.Object) error {
	id := obj.Ref.ObjectID
	if obj.Owner.Kind == ledger.OwnerShared {
		data, err := rlp.EncodeToBytes(obj.Owner.InitialSharedVersion)
		if err != nil {
			return err
		}
		return c.store.Put(NamespaceShared, id.Bytes(), data)
	}
	data, err := rlp.EncodeToBytes(obj)
	if err != nil {
		return err
	}
	return c.store.Put(NamespaceOwned, id.Bytes(), data)
}

func (c *Cache) AddObjects(objs []*ledger.Object) error {
	for _, obj := range objs {
		if err := c.AddObject(obj); err != nil {
			return fmt.Errorf("cache object %s: %w", obj.Ref.ObjectID.Hex(), err)
		}
	}
	return nil
}

// DeleteObjects drops the owned entries of ids. Shared entries are kept
// since the initial shared version never changes.
func (c *Cache) DeleteObjects(ids []ledger.ObjectID) error {
	for _, id := range ids {
		if err := c.store.Delete(NamespaceOwned, id.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) ClearOwnedObjects() error {
	return c.store.Clear(NamespaceOwned)
}

func (c *Cache) ClearCustom() error {
	return c.store.Clear(NamespaceCustom)
}

// GetCustom decodes the custom value stored under key into v.
func (c *Cache) GetCustom(key string, v interface{}) (bool, error) {
	data, ok := c.store.Get(NamespaceCustom, []byte(key))
	if !ok {
		return false, nil
	}
	if err := rlp.DecodeBytes(data, v); err != nil {
		return false, fmt.Errorf("decode custom value %q: %w", key, err)
	}
	return true, nil
}

func (c *Cache) SetCustom(key string, v interface{}) error {
	data, err := rlp.EncodeToBytes(v)
	if err != nil {
		return fmt.Errorf("encode custom value %q: %w", key, err)
	}
	return c.store.Put(NamespaceCustom, []byte(key), data)
}

func (c *Cache) DeleteCustom(key string) error {
	return c.store.Delete(NamespaceCustom, []byte(key))
}

// ApplyEffects updates the cache with the outputs of an executed
// transaction: written objects take their new reference, deleted objects
// are dropped.
func (c *Cache) ApplyEffects(effects *ledger.Effects) error {
	if effects == nil {
		return nil
	}
	var deleted []ledger.ObjectID
	for i := range effects.ChangedObjects {
		change := &effects.ChangedObjects[i]
		switch change.OutputState {
		case ledger.OutputDoesNotExist:
			deleted = append(deleted, change.ObjectID)
		case ledger.OutputObjectWrite:
			if change.OutputOwner == nil {
				continue
			}
			obj := &ledger.Object{Ref: change.OutputRef(), Owner: *change.OutputOwner}
			if err := c.AddObject(obj); err != nil {
				return err
			}
		}
	}
	return c.DeleteObjects(deleted)
}

// Resolver returns a build resolver that serves hits from the cache and
// fetches misses through fallback, caching what it fetched.
func (c *Cache) Resolver(fallback ledger.ObjectResolver) ledger.ObjectResolver {
	return &resolver{cache: c, fallback: fallback}
}

type resolver struct {
	cache    *Cache
	fallback ledger.ObjectResolver
}

func (r *resolver) ResolveObjects(ctx context.Context, ids []ledger.ObjectID) (map[ledger.ObjectID]*ledger.Object, error) {
	found := r.cache.GetObjects(ids)
	var missing []ledger.ObjectID
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 || r.fallback == nil {
		return found, nil
	}
	fetched, err := r.fallback.ResolveObjects(ctx, missing)
	if err != nil {
		return nil, err
	}
	for id, obj := range fetched {
		found[id] = obj
		if err := r.cache.AddObject(obj); err != nil {
			return nil, err
		}
	}
	return found, nil
}
