package gossip

import (
	"strings"
)

// PexAddress is a gossipable peer endpoint.
type PexAddress struct {
	Addr      string `json:"addr"`
	Principal string `json:"principal"`
}

// PexRequest asks a peer for recently seen addresses.
type PexRequest struct {
	Limit int `json:"limit"`
}

// PexAddresses is the response to a PexRequest.
type PexAddresses struct {
	Addresses []PexAddress `json:"addresses"`
}

// knownPeers is a simple address book feeding peer exchange responses
// and reconnect attempts, populated live from handshakes and gossip.
type knownPeers struct {
	addrs map[string]PexAddress
}

func newKnownPeers() *knownPeers {
	return &knownPeers{addrs: make(map[string]PexAddress)}
}

func (k *knownPeers) add(addr PexAddress) {
	key := strings.TrimSpace(addr.Principal)
	if key == "" {
		return
	}
	k.addrs[key] = addr
}

func (k *knownPeers) sample(limit int) []PexAddress {
	out := make([]PexAddress, 0, limit)
	for _, a := range k.addrs {
		if len(out) >= limit {
			break
		}
		out = append(out, a)
	}
	return out
}
