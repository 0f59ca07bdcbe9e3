// Package ccid implements the content identifier scheme used to address
// every block in the DAG store: cid(bytes) = H(codec_tag || digest(bytes)),
// independently recomputable from the stored bytes.
package ccid

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"lukechampine.com/blake3"

	"icn-core/runtimeerr"
)

// Codec identifies the payload encoding a CID addresses.
type Codec uint8

const (
	// CodecRaw addresses opaque bytes with no further structure.
	CodecRaw Codec = 0
	// CodecDagBlock addresses a canonically-encoded DAG block.
	CodecDagBlock Codec = 1
	// CodecJob addresses a canonically-encoded job descriptor.
	CodecJob Codec = 2
)

func (c Codec) tag() string {
	switch c {
	case CodecRaw:
		return "raw"
	case CodecDagBlock:
		return "block"
	case CodecJob:
		return "job"
	default:
		return "unknown"
	}
}

// HashAlgorithm identifies the digest function used to derive a CID.
type HashAlgorithm uint8

const (
	// HashBlake3_256 is the only supported digest for this implementation.
	HashBlake3_256 HashAlgorithm = 0
)

const cidVersion = 1

// CID is a self-describing content address: (version, codec, hash
// algorithm, digest bytes).
type CID struct {
	Version  uint8
	Codec    Codec
	HashAlgo HashAlgorithm
	Digest   [32]byte
}

// Of computes the CID of the supplied bytes under the given codec, per
// cid(bytes) = H(codec_tag || digest(bytes)).
func Of(codec Codec, payload []byte) CID {
	h := blake3.New(32, nil)
	h.Write([]byte(codec.tag()))
	h.Write([]byte{0})
	h.Write(payload)
	sum := h.Sum(nil)
	var digest [32]byte
	copy(digest[:], sum)
	return CID{Version: cidVersion, Codec: codec, HashAlgo: HashBlake3_256, Digest: digest}
}

// IsZero reports whether c is the zero-value CID.
func (c CID) IsZero() bool {
	return c.Version == 0 && c.Codec == 0 && c.Digest == [32]byte{}
}

// Bytes returns the raw digest bytes.
func (c CID) Bytes() []byte {
	return append([]byte(nil), c.Digest[:]...)
}

// MarshalBinary encodes the full self-describing CID (version, codec, hash
// algorithm, digest) for storage contexts that need a lossless round-trip,
// as opposed to Bytes, which returns only the digest.
func (c CID) MarshalBinary() []byte {
	out := make([]byte, 0, 3+len(c.Digest))
	out = append(out, c.Version, byte(c.Codec), byte(c.HashAlgo))
	out = append(out, c.Digest[:]...)
	return out
}

// UnmarshalCID decodes the encoding produced by MarshalBinary.
func UnmarshalCID(data []byte) (CID, error) {
	if len(data) != 3+32 {
		return CID{}, runtimeerr.New(runtimeerr.InvalidInput, "ccid: malformed marshaled cid")
	}
	var digest [32]byte
	copy(digest[:], data[3:])
	return CID{Version: data[0], Codec: Codec(data[1]), HashAlgo: HashAlgorithm(data[2]), Digest: digest}, nil
}

// String renders the deterministic textual form: bech32 with the
// human-readable part "<codec><hash algorithm>" over the digest, e.g.
// "raw01...".
func (c CID) String() string {
	conv, err := bech32.ConvertBits(c.Digest[:], 8, 5, true)
	if err != nil {
		panic(fmt.Errorf("ccid: convert bits: %w", err))
	}
	hrp := fmt.Sprintf("%s%d", c.Codec.tag(), c.HashAlgo)
	encoded, err := bech32.Encode(hrp, conv)
	if err != nil {
		panic(fmt.Errorf("ccid: bech32 encode: %w", err))
	}
	return encoded
}

// Parse decodes the textual form produced by String.
func Parse(s string) (CID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return CID{}, runtimeerr.New(runtimeerr.InvalidInput, "ccid: empty cid string")
	}
	hrp, data, err := bech32.Decode(s)
	if err != nil {
		return CID{}, runtimeerr.Wrap(runtimeerr.InvalidInput, "ccid: invalid bech32 string", err)
	}
	conv, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return CID{}, runtimeerr.Wrap(runtimeerr.InvalidInput, "ccid: convert bits", err)
	}
	if len(conv) != 32 {
		return CID{}, runtimeerr.New(runtimeerr.InvalidInput, "ccid: digest must be 32 bytes")
	}
	codec, hashAlgo, err := splitHRP(hrp)
	if err != nil {
		return CID{}, err
	}
	var digest [32]byte
	copy(digest[:], conv)
	return CID{Version: cidVersion, Codec: codec, HashAlgo: hashAlgo, Digest: digest}, nil
}

func splitHRP(hrp string) (Codec, HashAlgorithm, error) {
	for _, codec := range []Codec{CodecRaw, CodecDagBlock, CodecJob} {
		tag := codec.tag()
		if strings.HasPrefix(hrp, tag) {
			rest := strings.TrimPrefix(hrp, tag)
			if rest == "0" {
				return codec, HashBlake3_256, nil
			}
		}
	}
	return 0, 0, runtimeerr.New(runtimeerr.InvalidInput, "ccid: unrecognised codec/hash tag")
}

// Equal reports whether two CIDs address the same content.
func (c CID) Equal(other CID) bool {
	return c.Version == other.Version && c.Codec == other.Codec && c.HashAlgo == other.HashAlgo && c.Digest == other.Digest
}
