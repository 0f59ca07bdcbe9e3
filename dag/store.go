package dag

import (
	"sync"

	"icn-core/ccid"
	"icn-core/runtimeerr"
)

// Store is the content-addressed, append-only block store contract.
// Implementations are interchangeable: the core must not depend on
// any backend-specific feature beyond key/value semantics.
type Store interface {
	// Put is idempotent on equal CIDs: put(b); put(b) leaves the store
	// indistinguishable from a single put(b).
	Put(b *Block) (ccid.CID, error)
	Get(id ccid.CID) (*Block, bool, error)
	Pin(id ccid.CID) error
	Unpin(id ccid.CID) error
	LinksOf(id ccid.CID) ([]ccid.CID, error)
}

// KV is the minimal byte-oriented persistence contract the three backends
// implement, keeping backends swappable without the DAG layer knowing
// about LevelDB/SQL/memory specifics.
type KV interface {
	Put(key []byte, value []byte) error
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Close() error
}

func blockKey(id ccid.CID) []byte {
	return append([]byte("dag/block/"), id.MarshalBinary()...)
}

func pinKey(id ccid.CID) []byte {
	return append([]byte("dag/pin/"), id.MarshalBinary()...)
}

// kvStore implements Store over any KV backend, sharing the integrity rules
// across all three concrete backends (in-memory, LevelDB, SQL) so they only
// differ in byte persistence.
type kvStore struct {
	mu       sync.Mutex
	kv       KV
	resolver PubKeyResolver
}

func newKVStore(kv KV, resolver PubKeyResolver) *kvStore {
	return &kvStore{kv: kv, resolver: resolver}
}

func (s *kvStore) Put(b *Block) (ccid.CID, error) {
	if b == nil {
		return ccid.CID{}, runtimeerr.New(runtimeerr.InvalidInput, "dag: nil block")
	}
	if err := VerifyIntegrity(b, s.resolver); err != nil {
		return ccid.CID{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := blockKey(b.CID)
	existing, err := s.kv.Get(key)
	if err != nil {
		return ccid.CID{}, runtimeerr.Wrap(runtimeerr.StorageError, "dag: get existing", err)
	}
	encoded, err := encodeBlock(b)
	if err != nil {
		return ccid.CID{}, err
	}
	if existing != nil {
		// Idempotent on equal CIDs: leave the store unchanged, so
		// put(b); put(b) is indistinguishable from put(b).
		return b.CID, nil
	}
	if err := s.kv.Put(key, encoded); err != nil {
		return ccid.CID{}, runtimeerr.Wrap(runtimeerr.StorageError, "dag: put", err)
	}
	return b.CID, nil
}

func (s *kvStore) Get(id ccid.CID) (*Block, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.kv.Get(blockKey(id))
	if err != nil {
		return nil, false, runtimeerr.Wrap(runtimeerr.StorageError, "dag: get", err)
	}
	if data == nil {
		return nil, false, nil
	}
	b, err := decodeBlock(data)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *kvStore) Pin(id ccid.CID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Put(pinKey(id), []byte{1}); err != nil {
		return runtimeerr.Wrap(runtimeerr.StorageError, "dag: pin", err)
	}
	return nil
}

func (s *kvStore) Unpin(id ccid.CID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Put(pinKey(id), nil); err != nil {
		return runtimeerr.Wrap(runtimeerr.StorageError, "dag: unpin", err)
	}
	return nil
}

func (s *kvStore) LinksOf(id ccid.CID) ([]ccid.CID, error) {
	b, ok, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, runtimeerr.New(runtimeerr.NotFound, "dag: block not found")
	}
	return b.Links, nil
}
