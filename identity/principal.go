// Package identity implements the DID-shaped Principal type and
// the signer contract. Addresses render in the
// "did:<method>:<method-specific>[/path][?query][#fragment]" shape rather
// than a single bare bech32 string.
package identity

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/btcsuite/btcutil/bech32"

	"icn-core/crypto"
	"icn-core/runtimeerr"
)

// DefaultMethod is the DID method used for principals derived from a local
// secp256k1 keypair.
const DefaultMethod = "icn"

var methodSpecificPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// Principal is an authenticated identity rendered as a method-scoped DID.
// Two principals are equal iff their canonical strings are equal.
type Principal struct {
	method          string
	methodSpecific  string
	path            string
	query           string
	fragment        string
	canonical       string
}

// NewPrincipal constructs a Principal from a 20-byte method-specific
// identifier under DefaultMethod, matching how locally-generated keypairs
// mint their own DID.
func NewPrincipal(methodSpecificID [20]byte) Principal {
	conv, err := bech32.ConvertBits(methodSpecificID[:], 8, 5, true)
	if err != nil {
		panic(fmt.Errorf("identity: convert bits: %w", err))
	}
	encoded, err := bech32.Encode(DefaultMethod, conv)
	if err != nil {
		panic(fmt.Errorf("identity: bech32 encode: %w", err))
	}
	// encoded already carries the "icn1..." form; strip the duplicated
	// human-readable prefix bech32.Encode adds so the method-specific
	// segment reads cleanly in the DID string.
	methodSpecific := strings.TrimPrefix(encoded, DefaultMethod)
	p, err := ParseDID(fmt.Sprintf("did:%s:%s", DefaultMethod, methodSpecific))
	if err != nil {
		panic(err)
	}
	return p
}

// ParseDID parses a DID string of the shape
// "did:<method>:<method-specific>[/path][?query][#fragment]".
func ParseDID(s string) (Principal, error) {
	const prefix = "did:"
	if !strings.HasPrefix(s, prefix) {
		return Principal{}, runtimeerr.New(runtimeerr.InvalidInput, "identity: missing did: prefix")
	}
	rest := s[len(prefix):]
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Principal{}, runtimeerr.New(runtimeerr.InvalidInput, "identity: malformed did, expected did:<method>:<id>")
	}
	method := parts[0]
	remainder := parts[1]

	var fragment string
	if idx := strings.Index(remainder, "#"); idx >= 0 {
		fragment = remainder[idx+1:]
		remainder = remainder[:idx]
	}
	var query string
	if idx := strings.Index(remainder, "?"); idx >= 0 {
		query = remainder[idx+1:]
		remainder = remainder[:idx]
	}
	var path string
	if idx := strings.Index(remainder, "/"); idx >= 0 {
		path = remainder[idx+1:]
		remainder = remainder[:idx]
	}
	methodSpecific := remainder
	if !methodSpecificPattern.MatchString(methodSpecific) {
		return Principal{}, runtimeerr.New(runtimeerr.InvalidInput, "identity: invalid method-specific id")
	}

	p := Principal{method: method, methodSpecific: methodSpecific, path: path, query: query, fragment: fragment}
	p.canonical = p.render()
	return p, nil
}

func (p Principal) render() string {
	var b strings.Builder
	b.WriteString("did:")
	b.WriteString(p.method)
	b.WriteString(":")
	b.WriteString(p.methodSpecific)
	if p.path != "" {
		b.WriteString("/")
		b.WriteString(p.path)
	}
	if p.query != "" {
		b.WriteString("?")
		b.WriteString(p.query)
	}
	if p.fragment != "" {
		b.WriteString("#")
		b.WriteString(p.fragment)
	}
	return b.String()
}

// String renders the canonical DID form. Round-trips through ParseDID.
func (p Principal) String() string { return p.canonical }

// Method returns the DID method segment.
func (p Principal) Method() string { return p.method }

// MethodSpecificID returns the method-specific identifier segment.
func (p Principal) MethodSpecificID() string { return p.methodSpecific }

// Equal reports whether two principals have identical canonical strings.
func (p Principal) Equal(other Principal) bool { return p.canonical == other.canonical }

// IsZero reports whether p is the zero-value Principal.
func (p Principal) IsZero() bool { return p.canonical == "" }

// MarshalJSON renders the canonical DID string.
func (p Principal) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.canonical)
}

// UnmarshalJSON parses a canonical DID string.
func (p *Principal) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return runtimeerr.Wrap(runtimeerr.InvalidInput, "identity: decode principal", err)
	}
	parsed, err := ParseDID(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// PrincipalOf derives the canonical DID principal for a public key.
func PrincipalOf(pub *crypto.PublicKey) Principal {
	return NewPrincipal(pub.MethodSpecificID())
}
