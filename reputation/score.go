// Package reputation implements the saturating integer score ledger: one
// monotone-ish score per principal, updated only by the receipt-anchoring
// pipeline and persisted through a byte-oriented KV backend.
package reputation

import (
	"icn-core/canon"
	"icn-core/dag"
	"icn-core/identity"
	"icn-core/runtimeerr"
)

const scorePrefix = "reputation/score/"

func scoreKey(p identity.Principal) []byte {
	return append([]byte(scorePrefix), []byte(p.String())...)
}

type wireScore struct {
	Score uint64
}

// Store is the reputation contract.
type Store interface {
	Score(p identity.Principal) (uint64, error)
	RecordSuccess(p identity.Principal, delta uint64) error
	RecordFailure(p identity.Principal, delta uint64) error
}

// KVStore is the default Store implementation, backed by any dag.KV byte
// store, with scores saturating at a configurable ceiling.
type KVStore struct {
	kv      dag.KV
	ceiling uint64
}

// NewKVStore constructs a reputation store over kv. A ceiling of 0 means
// unbounded.
func NewKVStore(kv dag.KV, ceiling uint64) *KVStore {
	return &KVStore{kv: kv, ceiling: ceiling}
}

func (s *KVStore) load(p identity.Principal) (uint64, error) {
	data, err := s.kv.Get(scoreKey(p))
	if err != nil {
		return 0, runtimeerr.Wrap(runtimeerr.StorageError, "reputation: load score", err)
	}
	if data == nil {
		return 0, nil
	}
	var w wireScore
	if err := canon.Decode(data, &w); err != nil {
		return 0, err
	}
	return w.Score, nil
}

func (s *KVStore) persist(p identity.Principal, score uint64) error {
	data, err := canon.Bytes(wireScore{Score: score})
	if err != nil {
		return err
	}
	if err := s.kv.Put(scoreKey(p), data); err != nil {
		return runtimeerr.Wrap(runtimeerr.StorageError, "reputation: persist score", err)
	}
	return nil
}

func (s *KVStore) saturate(score uint64) uint64 {
	if s.ceiling > 0 && score > s.ceiling {
		return s.ceiling
	}
	return score
}

// Score returns p's current score (0 if never recorded).
func (s *KVStore) Score(p identity.Principal) (uint64, error) {
	return s.load(p)
}

// RecordSuccess increments p's score by delta, applied after a receipt has
// been anchored.
func (s *KVStore) RecordSuccess(p identity.Principal, delta uint64) error {
	cur, err := s.load(p)
	if err != nil {
		return err
	}
	next := s.saturate(cur + delta)
	return s.persist(p, next)
}

// RecordFailure decrements p's score by delta, floored at zero.
func (s *KVStore) RecordFailure(p identity.Principal, delta uint64) error {
	cur, err := s.load(p)
	if err != nil {
		return err
	}
	var next uint64
	if delta >= cur {
		next = 0
	} else {
		next = cur - delta
	}
	return s.persist(p, next)
}

// BulkAdjust applies a governance-issued adjustment to every principal in
// principals, saturating/flooring per the same rules as RecordSuccess/
// RecordFailure.
func (s *KVStore) BulkAdjust(principals []identity.Principal, delta int64) error {
	for _, p := range principals {
		if delta >= 0 {
			if err := s.RecordSuccess(p, uint64(delta)); err != nil {
				return err
			}
			continue
		}
		if err := s.RecordFailure(p, uint64(-delta)); err != nil {
			return err
		}
	}
	return nil
}
