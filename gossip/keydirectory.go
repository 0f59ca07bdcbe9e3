package gossip

import (
	"sync"

	"icn-core/crypto"
	"icn-core/identity"
)

// KeyDirectory caches the public key each peer proved ownership of during
// its overlay handshake. It satisfies the DAG store's PubKeyResolver
// contract, so blocks gossiped by connected peers verify without any
// out-of-band key distribution.
type KeyDirectory struct {
	mu   sync.RWMutex
	keys map[string]*crypto.PublicKey
}

// NewKeyDirectory returns an empty directory.
func NewKeyDirectory() *KeyDirectory {
	return &KeyDirectory{keys: make(map[string]*crypto.PublicKey)}
}

// Add records (or refreshes) a principal's proven public key.
func (d *KeyDirectory) Add(p identity.Principal, pub *crypto.PublicKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[p.String()] = pub
}

// PubKeyFor resolves a principal's public key, if it has been seen.
func (d *KeyDirectory) PubKeyFor(p identity.Principal) (*crypto.PublicKey, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	k, ok := d.keys[p.String()]
	return k, ok
}
