// Package dag implements the content-addressed, append-only, signed block
// store backing jobs, bids, assignments, receipts, proposals,
// and votes.
package dag

import (
	"time"

	"icn-core/canon"
	"icn-core/ccid"
	"icn-core/crypto"
	"icn-core/identity"
	"icn-core/runtimeerr"
)

// Block is a signed, content-addressed unit stored in the append-only graph.
type Block struct {
	CID       ccid.CID
	Payload   []byte
	Links     []ccid.CID
	Author    identity.Principal
	Timestamp int64
	Signature identity.Signature
	// Scope optionally labels the trust scope a block was produced under.
	Scope string
}

// canonicalContent is the exact struct hashed to derive a block's CID:
// cid = hash(payload_bytes ++ links).
type canonicalContent struct {
	Payload []byte
	Links   []ccid.CID
}

// canonicalSigned is the struct signed by the block's author, covering
// everything but the CID and signature themselves.
type canonicalSigned struct {
	Payload []byte
	Links   []ccid.CID
	Author  string
	// RLP rejects signed integers; the unix timestamp is covered as uint64.
	Timestamp uint64
	Scope     string
}

// ComputeCID derives the deterministic CID for a block's content, independent
// of storage.
func ComputeCID(payload []byte, links []ccid.CID) (ccid.CID, error) {
	b, err := canon.Bytes(canonicalContent{Payload: payload, Links: links})
	if err != nil {
		return ccid.CID{}, err
	}
	return ccid.Of(ccid.CodecDagBlock, b), nil
}

func (b *Block) signingDigest() ([32]byte, error) {
	return canon.Digest32(canonicalSigned{
		Payload:   b.Payload,
		Links:     b.Links,
		Author:    b.Author.String(),
		Timestamp: uint64(b.Timestamp),
		Scope:     b.Scope,
	})
}

// NewBlock constructs and signs a block with links, author, and an optional
// scope, deriving its CID from the canonical content.
func NewBlock(payload []byte, links []ccid.CID, scope string, now time.Time, signer identity.Signer) (*Block, error) {
	cid, err := ComputeCID(payload, links)
	if err != nil {
		return nil, err
	}
	b := &Block{
		CID:       cid,
		Payload:   payload,
		Links:     links,
		Author:    signer.Principal(),
		Timestamp: now.Unix(),
		Scope:     scope,
	}
	digest, err := b.signingDigest()
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(digest[:])
	if err != nil {
		return nil, err
	}
	b.Signature = sig
	return b, nil
}

// PubKeyResolver resolves a principal's public key, e.g. from a handshake
// cache or a directory block. The DAG store is agnostic to how principals
// register their keys; it only needs to verify against them.
type PubKeyResolver interface {
	PubKeyFor(p identity.Principal) (*crypto.PublicKey, bool)
}

// VerifyIntegrity recomputes the CID and checks the author's signature,
// so a store accepts a block iff
// block.cid == cid_of(canonical_bytes(block)).
func VerifyIntegrity(b *Block, resolver PubKeyResolver) error {
	if b == nil {
		return runtimeerr.New(runtimeerr.InvalidInput, "dag: nil block")
	}
	wantCID, err := ComputeCID(b.Payload, b.Links)
	if err != nil {
		return err
	}
	if !wantCID.Equal(b.CID) {
		return runtimeerr.New(runtimeerr.InvalidInput, "dag: cid does not match canonical content")
	}
	pub, ok := resolver.PubKeyFor(b.Author)
	if !ok {
		return runtimeerr.New(runtimeerr.NotFound, "dag: unknown author public key")
	}
	digest, err := b.signingDigest()
	if err != nil {
		return err
	}
	if err := identity.Verify(digest[:], b.Signature, pub); err != nil {
		return err
	}
	return nil
}
