// Package gossip implements the abstract NetworkService port and its two
// conforming implementations: an in-process Loopback stub for tests, and
// a JSON-framed TCP peer-to-peer overlay with topic-based pub/sub,
// signed handshakes, DNS-seed-assisted peer discovery, and per-peer
// reputation bookkeeping.
package gossip

import (
	"context"

	"icn-core/runtimeerr"
)

// PeerID identifies a peer in the overlay; for the TCP overlay this is the
// peer's principal string.
type PeerID string

// Topic is one of the three gossip channels the job market and governance
// engine communicate over.
type Topic string

const (
	TopicJobs       Topic = "jobs"
	TopicGovernance Topic = "governance"
	TopicFederation Topic = "federation"
)

// Message is the generic envelope every gossip payload travels in.
// Domain types (job blocks, bid blocks, proposal blocks, ...) are encoded
// into Payload by the caller; gossip itself is payload-agnostic so that
// higher layers (job manager, governance engine) can depend on gossip
// without gossip depending on them.
type Message struct {
	Topic   Topic
	Type    byte
	Payload []byte
	// ID correlates a message across hops: the originating service stamps
	// a UUID, and receivers use it to suppress duplicates so delivery
	// stays at-most-once per sender-receiver pair even when a message
	// reaches a node over more than one path.
	ID string
}

// Message types within each topic.
const (
	MsgJobAnnouncement  byte = 0x01
	MsgBidSubmission    byte = 0x02
	MsgJobAssignment    byte = 0x03
	MsgReceiptSubmission byte = 0x04
	MsgCheckpoint        byte = 0x05
	MsgPartialOutput     byte = 0x06

	MsgProposalAnnouncement byte = 0x10
	MsgVoteCast             byte = 0x11

	MsgFederationSyncRequest  byte = 0x20
	MsgFederationSyncResponse byte = 0x21

	MsgPexRequest   byte = 0x30
	MsgPexAddresses byte = 0x31
)

// Stream is a bounded, best-effort delivery channel for one subscription.
type Stream struct {
	C       <-chan Message
	Dropped func() uint64
}

// NetworkService is the abstract port the job manager and governance
// engine depend on. The core never depends on a concrete
// transport.
type NetworkService interface {
	Announce(ctx context.Context, topic Topic, msg Message) error
	Subscribe(ctx context.Context, topic Topic) (Stream, error)
	Peers() []PeerID
	SendDirect(ctx context.Context, peer PeerID, msg Message) error
}

var errShuttingDown = runtimeerr.New(runtimeerr.NetworkError, "gossip: service shutting down")
