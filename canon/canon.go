// Package canon provides the canonical byte serialization every signable
// type in the runtime hashes and signs over: stable field order,
// length-prefixed strings, and big-endian integers, exactly as RLP
// encodes them.
package canon

import (
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"icn-core/runtimeerr"
)

// Bytes returns the canonical RLP encoding of v. v's exported fields, in
// declaration order, form the stable field order.
func Bytes(v interface{}) ([]byte, error) {
	b, err := rlp.EncodeToBytes(v)
	if err != nil {
		return nil, runtimeerr.Wrap(runtimeerr.InvalidInput, "canon: encode", err)
	}
	return b, nil
}

// Decode decodes the canonical RLP encoding produced by Bytes into out.
func Decode(b []byte, out interface{}) error {
	if err := rlp.DecodeBytes(b, out); err != nil {
		return runtimeerr.Wrap(runtimeerr.InvalidInput, "canon: decode", err)
	}
	return nil
}

// Digest32 returns the 32-byte Keccak256 digest of v's canonical encoding,
// the input every Sign/Verify call operates on.
func Digest32(v interface{}) ([32]byte, error) {
	b, err := Bytes(v)
	if err != nil {
		return [32]byte{}, err
	}
	var out [32]byte
	copy(out[:], crypto.Keccak256(b))
	return out, nil
}
