package dag

import (
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"

	"icn-core/runtimeerr"
)

// levelKV is the embedded, persistent KV backend, with a nil-on-missing
// Get convention matching the KV contract.
type levelKV struct {
	db *leveldb.DB
}

func newLevelKV(path string) (*levelKV, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, runtimeerr.Wrap(runtimeerr.StorageError, "dag: open leveldb", err)
	}
	return &levelKV{db: db}, nil
}

func (l *levelKV) Put(key, value []byte) error {
	if err := l.db.Put(key, value, nil); err != nil {
		return runtimeerr.Wrap(runtimeerr.StorageError, "dag: leveldb put", err)
	}
	return nil
}

func (l *levelKV) Get(key []byte) ([]byte, error) {
	v, err := l.db.Get(key, nil)
	if err != nil {
		if err == errors.ErrNotFound {
			return nil, nil
		}
		return nil, runtimeerr.Wrap(runtimeerr.StorageError, "dag: leveldb get", err)
	}
	return v, nil
}

func (l *levelKV) Has(key []byte) (bool, error) {
	ok, err := l.db.Has(key, nil)
	if err != nil {
		return false, runtimeerr.Wrap(runtimeerr.StorageError, "dag: leveldb has", err)
	}
	return ok, nil
}

func (l *levelKV) Close() error {
	if err := l.db.Close(); err != nil {
		return runtimeerr.Wrap(runtimeerr.StorageError, "dag: leveldb close", err)
	}
	return nil
}

// NewLevelKV opens (or creates) an embedded LevelDB-backed byte store at
// path, for callers (the mana ledger, the reputation store) that need the
// raw KV contract rather than a DAG store.
func NewLevelKV(path string) (KV, error) {
	return newLevelKV(path)
}

// NewLevelStore opens (or creates) an embedded LevelDB-backed DAG store at
// path, the default single-node persistent
// backend.
func NewLevelStore(path string, resolver PubKeyResolver) (Store, error) {
	kv, err := newLevelKV(path)
	if err != nil {
		return nil, err
	}
	return newKVStore(kv, resolver), nil
}
