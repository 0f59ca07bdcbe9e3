package gossip

// FederationSyncRequest asks a peer for the block graph reachable from a
// known CID, so nodes that missed gossip can reconcile from the persisted
// DAG.
type FederationSyncRequest struct {
	Peer     string `json:"peer"`
	SinceCID string `json:"since_cid"`
}

// SyncBlock is the transport projection of a DAG block. The receiving node
// re-verifies integrity before storing; sync responses are no more
// trusted than any other gossip payload.
type SyncBlock struct {
	CID       string   `json:"cid"`
	Payload   []byte   `json:"payload"`
	Links     []string `json:"links"`
	Author    string   `json:"author"`
	Timestamp int64    `json:"timestamp"`
	Signature []byte   `json:"signature"`
	Scope     string   `json:"scope,omitempty"`
}

// FederationSyncResponse carries the requested blocks.
type FederationSyncResponse struct {
	Blocks []SyncBlock `json:"blocks"`
}
