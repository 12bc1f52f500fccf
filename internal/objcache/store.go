package objcache

import (
	"fmt"
	"os"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/log"
)

const (
	// PersistentStoreCacheMB is the LevelDB block cache size in MB.
	PersistentStoreCacheMB = 16

	// PersistentStoreHandles is the maximum number of open file handles for LevelDB.
	PersistentStoreHandles = 16

	// DefaultMemoryStoreBytes is the per-namespace capacity of a MemoryStore.
	DefaultMemoryStoreBytes = 32 * 1024 * 1024
)

// Namespace partitions the keys of a Store.
type Namespace byte

const (
	NamespaceOwned Namespace = iota + 1
	NamespaceShared
	NamespaceCustom
)

var namespaces = []Namespace{NamespaceOwned, NamespaceShared, NamespaceCustom}

// Store is the key/value backend of a Cache. Implementations must be safe
// for concurrent use.
type Store interface {
	Get(ns Namespace, key []byte) ([]byte, bool)
	Put(ns Namespace, key, value []byte) error
	Delete(ns Namespace, key []byte) error
	// Clear removes every key of the namespace.
	Clear(ns Namespace) error
	Close() error
}

// MemoryStore keeps entries in one fastcache per namespace.
type MemoryStore struct {
	caches map[Namespace]*fastcache.Cache
}

// NewMemoryStore creates an in-memory store; maxBytes bounds each
// namespace and defaults to DefaultMemoryStoreBytes.
func NewMemoryStore(maxBytes int) *MemoryStore {
	if maxBytes <= 0 {
		maxBytes = DefaultMemoryStoreBytes
	}
	s := &MemoryStore{caches: make(map[Namespace]*fastcache.Cache, len(namespaces))}
	for _, ns := range namespaces {
		s.caches[ns] = fastcache.New(maxBytes)
	}
	return s
}

func (s *MemoryStore) Get(ns Namespace, key []byte) ([]byte, bool) {
	c, ok := s.caches[ns]
	if !ok {
		return nil, false
	}
	return c.HasGet(nil, key)
}

func (s *MemoryStore) Put(ns Namespace, key, value []byte) error {
	c, ok := s.caches[ns]
	if !ok {
		return fmt.Errorf("unknown namespace %d", ns)
	}
	c.Set(key, value)
	return nil
}

func (s *MemoryStore) Delete(ns Namespace, key []byte) error {
	if c, ok := s.caches[ns]; ok {
		c.Del(key)
	}
	return nil
}

func (s *MemoryStore) Clear(ns Namespace) error {
	if c, ok := s.caches[ns]; ok {
		c.Reset()
	}
	return nil
}

func (s *MemoryStore) Close() error {
	for _, c := range s.caches {
		c.Reset()
	}
	return nil
}

// PersistentStore keeps entries in a key/value database so cached object
// versions survive restarts.
type PersistentStore struct {
	db     ethdb.Database
	mu     sync.RWMutex
	closed bool
}

// NewPersistentStore opens a LevelDB store at path, creating the directory
// if needed. An empty path selects an in-memory database.
func NewPersistentStore(path string) (*PersistentStore, error) {
	if path == "" {
		log.Debug("Using in-memory object cache database (no path specified)")
		return &PersistentStore{db: rawdb.NewMemoryDatabase()}, nil
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("create object cache directory: %w", err)
	}
	ldb, err := leveldb.New(path, PersistentStoreCacheMB, PersistentStoreHandles, "objcache/", false)
	if err != nil {
		return nil, fmt.Errorf("open object cache database %s: %w", path, err)
	}
	log.Info("Opened persistent object cache", "path", path)
	return &PersistentStore{db: rawdb.NewDatabase(ldb)}, nil
}

func storeKey(ns Namespace, key []byte) []byte {
	return append([]byte{byte(ns)}, key...)
}

func (s *PersistentStore) Get(ns Namespace, key []byte) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, false
	}
	data, err := s.db.Get(storeKey(ns, key))
	if err != nil || len(data) == 0 {
		return nil, false
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true
}

func (s *PersistentStore) Put(ns Namespace, key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("object cache store is closed")
	}
	return s.db.Put(storeKey(ns, key), value)
}

func (s *PersistentStore) Delete(ns Namespace, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("object cache store is closed")
	}
	return s.db.Delete(storeKey(ns, key))
}

func (s *PersistentStore) Clear(ns Namespace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("object cache store is closed")
	}
	it := s.db.NewIterator([]byte{byte(ns)}, nil)
	defer it.Release()

	batch := s.db.NewBatch()
	for it.Next() {
		key := make([]byte, len(it.Key()))
		copy(key, it.Key())
		if err := batch.Delete(key); err != nil {
			return err
		}
	}
	if err := it.Error(); err != nil {
		return err
	}
	return batch.Write()
}

// Close gracefully closes the underlying database
func (s *PersistentStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
