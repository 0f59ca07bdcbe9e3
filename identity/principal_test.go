package identity

import (
	"testing"

	"icn-core/runtimeerr"
)

func TestParseDIDRoundTrip(t *testing.T) {
	cases := []string{
		"did:icn:1qexampleaddress",
		"did:web:example.node/agents?version=2#key-1",
		"did:key:z6Mk",
	}
	for _, s := range cases {
		p, err := ParseDID(s)
		if err != nil {
			t.Fatalf("parse %q: %v", s, err)
		}
		if p.String() != s {
			t.Fatalf("render mismatch: got %q want %q", p.String(), s)
		}
		again, err := ParseDID(p.String())
		if err != nil {
			t.Fatalf("reparse: %v", err)
		}
		if !again.Equal(p) {
			t.Fatalf("round trip not stable for %q", s)
		}
	}
}

func TestParseDIDRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "did:", "did:icn", "did::x", "icn:abc", "did:icn:"} {
		_, err := ParseDID(s)
		if runtimeerr.KindOf(err) != runtimeerr.InvalidInput {
			t.Fatalf("expected InvalidInput for %q, got %v", s, err)
		}
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	signer, err := GenerateMemorySigner()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	digest := make([]byte, 32)
	copy(digest, "a deterministic 32 byte digest!!")
	sig, err := signer.Sign(digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := Verify(digest, sig, signer.PublicKey()); err != nil {
		t.Fatalf("verify own signature: %v", err)
	}

	other, err := GenerateMemorySigner()
	if err != nil {
		t.Fatalf("generate second key: %v", err)
	}
	if err := Verify(digest, sig, other.PublicKey()); err == nil {
		t.Fatal("signature must not verify under a different key")
	}
}

func TestSignerPrincipalDerivesFromPublicKey(t *testing.T) {
	signer, err := GenerateMemorySigner()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !PrincipalOf(signer.PublicKey()).Equal(signer.Principal()) {
		t.Fatal("declared principal must match the key-derived principal")
	}
}
