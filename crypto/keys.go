// Package crypto provides the secp256k1 keypair primitives the rest of
// the runtime builds identities and signatures on top of.
package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"

	"github.com/ethereum/go-ethereum/crypto"
)

// PrivateKey wraps a secp256k1 private key.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

// PublicKey wraps a secp256k1 public key.
type PublicKey struct {
	*ecdsa.PublicKey
}

// GeneratePrivateKey creates a fresh secp256k1 keypair.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the raw private key scalar.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

// PubKey derives the public key for this private key.
func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// PrivateKeyFromBytes reconstructs a private key from its raw scalar bytes.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// MethodSpecificID derives the 20-byte method-specific identifier used as the
// DID subject: the last 20 bytes of the Ethereum-style Keccak256 hash of the
// uncompressed public key, matching Ethereum's address derivation
// rather than inventing a new scheme.
func (k *PublicKey) MethodSpecificID() [20]byte {
	return crypto.PubkeyToAddress(*k.PublicKey)
}

// Bytes returns the uncompressed public key encoding.
func (k *PublicKey) Bytes() []byte {
	return crypto.FromECDSAPub(k.PublicKey)
}

// PublicKeyFromBytes decodes an uncompressed public key.
func PublicKeyFromBytes(b []byte) (*PublicKey, error) {
	pub, err := crypto.UnmarshalPubkey(b)
	if err != nil {
		return nil, err
	}
	return &PublicKey{pub}, nil
}

// Sign produces a 65-byte [R || S || V] signature over digest, which must be
// a 32-byte hash.
func Sign(digest []byte, priv *PrivateKey) ([]byte, error) {
	return crypto.Sign(digest, priv.PrivateKey)
}

// Verify checks a 65-byte signature over digest against the supplied public
// key bytes.
func Verify(pubkey []byte, digest []byte, sig []byte) bool {
	if len(sig) != 65 {
		return false
	}
	return crypto.VerifySignature(pubkey, digest, sig[:64])
}

// RecoverPubkey recovers the signer's public key from a 65-byte signature.
func RecoverPubkey(digest []byte, sig []byte) (*PublicKey, error) {
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return nil, err
	}
	return &PublicKey{pub}, nil
}

// Keccak256 hashes b with Keccak-256, used for handshake digests and
// canonical-encoding digests.
func Keccak256(b ...[]byte) []byte {
	return crypto.Keccak256(b...)
}
