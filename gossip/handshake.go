package gossip

import (
	"crypto/rand"
	"fmt"

	"icn-core/canon"
	"icn-core/crypto"
	"icn-core/identity"
	"icn-core/runtimeerr"
)

const handshakeNonceSize = 32

// handshakeMessage is the signed introduction exchanged by both sides of
// a new overlay connection: each side proves key ownership and membership
// of the same federation namespace before any payload flows.
type handshakeMessage struct {
	Federation string
	Principal  string
	PubKey     []byte
	Nonce      []byte
	Signature  []byte
}

type handshakeDigestInput struct {
	Federation string
	Nonce      []byte
}

func handshakeDigest(federation string, nonce []byte) ([32]byte, error) {
	return canon.Digest32(handshakeDigestInput{Federation: federation, Nonce: nonce})
}

func buildHandshake(federation string, signer identity.Signer) (*handshakeMessage, error) {
	nonce := make([]byte, handshakeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, runtimeerr.Wrap(runtimeerr.CryptoError, "gossip: generate handshake nonce", err)
	}
	digest, err := handshakeDigest(federation, nonce)
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(digest[:])
	if err != nil {
		return nil, err
	}
	return &handshakeMessage{
		Federation: federation,
		Principal:  signer.Principal().String(),
		PubKey:     signer.PublicKey().Bytes(),
		Nonce:      nonce,
		Signature:  sig,
	}, nil
}

func verifyHandshake(expectedFederation string, msg *handshakeMessage) (identity.Principal, error) {
	if len(msg.Nonce) != handshakeNonceSize {
		return identity.Principal{}, runtimeerr.New(runtimeerr.InvalidInput, "gossip: invalid handshake nonce length")
	}
	if msg.Federation != expectedFederation {
		return identity.Principal{}, runtimeerr.New(runtimeerr.InvalidInput,
			fmt.Sprintf("gossip: federation mismatch: remote %q local %q", msg.Federation, expectedFederation))
	}
	pub, err := crypto.PublicKeyFromBytes(msg.PubKey)
	if err != nil {
		return identity.Principal{}, runtimeerr.Wrap(runtimeerr.CryptoError, "gossip: decode handshake pubkey", err)
	}
	principal, err := identity.ParseDID(msg.Principal)
	if err != nil {
		return identity.Principal{}, err
	}
	if !identity.PrincipalOf(pub).Equal(principal) {
		return identity.Principal{}, runtimeerr.New(runtimeerr.CryptoError, "gossip: principal does not match handshake public key")
	}
	digest, err := handshakeDigest(msg.Federation, msg.Nonce)
	if err != nil {
		return identity.Principal{}, err
	}
	if err := identity.Verify(digest[:], identity.Signature(msg.Signature), pub); err != nil {
		return identity.Principal{}, err
	}
	return principal, nil
}
