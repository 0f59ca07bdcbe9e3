package dag

import (
	"icn-core/canon"
	"icn-core/ccid"
	"icn-core/identity"
)

// wireBlock is the RLP-codec shape of Block: ccid.CID and identity.Principal
// carry unexported fields, so persistence goes through explicit byte/string
// projections rather than RLP-tagging the domain types directly.
type wireBlock struct {
	CID     []byte
	Payload []byte
	Links   [][]byte
	Author  string
	// RLP rejects signed integers; unix timestamps travel as uint64.
	Timestamp uint64
	Signature []byte
	Scope     string
}

func encodeBlock(b *Block) ([]byte, error) {
	w := wireBlock{
		CID:       b.CID.MarshalBinary(),
		Payload:   b.Payload,
		Author:    b.Author.String(),
		Timestamp: uint64(b.Timestamp),
		Signature: []byte(b.Signature),
		Scope:     b.Scope,
	}
	w.Links = make([][]byte, len(b.Links))
	for i, l := range b.Links {
		w.Links[i] = l.MarshalBinary()
	}
	return canon.Bytes(w)
}

func decodeBlock(data []byte) (*Block, error) {
	var w wireBlock
	if err := canon.Decode(data, &w); err != nil {
		return nil, err
	}
	cid, err := ccid.UnmarshalCID(w.CID)
	if err != nil {
		return nil, err
	}
	author, err := identity.ParseDID(w.Author)
	if err != nil {
		return nil, err
	}
	links := make([]ccid.CID, 0, len(w.Links))
	for _, raw := range w.Links {
		l, err := ccid.UnmarshalCID(raw)
		if err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return &Block{
		CID:       cid,
		Payload:   w.Payload,
		Links:     links,
		Author:    author,
		Timestamp: int64(w.Timestamp),
		Signature: identity.Signature(w.Signature),
		Scope:     w.Scope,
	}, nil
}
