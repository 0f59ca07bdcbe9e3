package identity

import (
	"fmt"

	"icn-core/crypto"
	"icn-core/runtimeerr"
)

// Signature is a detached secp256k1 signature over a canonical byte
// encoding.
type Signature []byte

// Signer is the identity contract every principal that originates signed
// artifacts implements.
type Signer interface {
	Sign(digest []byte) (Signature, error)
	PublicKey() *crypto.PublicKey
	Principal() Principal
}

// Verify checks a detached signature over digest against pubkey.
func Verify(digest []byte, sig Signature, pubkey *crypto.PublicKey) error {
	if !crypto.Verify(pubkey.Bytes(), digest, sig) {
		return runtimeerr.New(runtimeerr.CryptoError, "identity: signature verification failed")
	}
	return nil
}

// MemorySigner is the development signer: an in-process keypair with no
// persistence.
type MemorySigner struct {
	priv      *crypto.PrivateKey
	principal Principal
}

// NewMemorySigner constructs a MemorySigner from a private key, validating
// that the derived principal is well-formed.
func NewMemorySigner(priv *crypto.PrivateKey) (*MemorySigner, error) {
	if priv == nil {
		return nil, runtimeerr.New(runtimeerr.InvalidInput, "identity: nil private key")
	}
	p := PrincipalOf(priv.PubKey())
	return &MemorySigner{priv: priv, principal: p}, nil
}

// GenerateMemorySigner creates a fresh keypair and wraps it in a
// MemorySigner, for development/testing use.
func GenerateMemorySigner() (*MemorySigner, error) {
	priv, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return NewMemorySigner(priv)
}

func (s *MemorySigner) Sign(digest []byte) (Signature, error) {
	sig, err := crypto.Sign(digest, s.priv)
	if err != nil {
		return nil, runtimeerr.Wrap(runtimeerr.CryptoError, "identity: sign", err)
	}
	return sig, nil
}

func (s *MemorySigner) PublicKey() *crypto.PublicKey { return s.priv.PubKey() }
func (s *MemorySigner) Principal() Principal         { return s.principal }

// KeystoreSigner is the production signer: keys live encrypted at rest in an
// Ethereum v3 keystore file, decrypted once at construction.
type KeystoreSigner struct {
	inner *MemorySigner
}

// NewKeystoreSigner decrypts the keystore file at path with passphrase and
// validates the derived principal matches declaredPrincipal, failing fatally
// on mismatch.
func NewKeystoreSigner(path, passphrase string, declaredPrincipal Principal) (*KeystoreSigner, error) {
	priv, err := crypto.LoadFromKeystore(path, passphrase)
	if err != nil {
		return nil, runtimeerr.Wrap(runtimeerr.CryptoError, "identity: load keystore", err)
	}
	mem, err := NewMemorySigner(priv)
	if err != nil {
		return nil, err
	}
	if !declaredPrincipal.IsZero() && !mem.Principal().Equal(declaredPrincipal) {
		return nil, runtimeerr.New(runtimeerr.CryptoError,
			fmt.Sprintf("identity: keystore principal %s does not match declared principal %s", mem.Principal(), declaredPrincipal))
	}
	return &KeystoreSigner{inner: mem}, nil
}

func (s *KeystoreSigner) Sign(digest []byte) (Signature, error) { return s.inner.Sign(digest) }
func (s *KeystoreSigner) PublicKey() *crypto.PublicKey          { return s.inner.PublicKey() }
func (s *KeystoreSigner) Principal() Principal                  { return s.inner.Principal() }
