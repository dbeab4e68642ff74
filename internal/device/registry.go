// Package device ties every other package in this module together
// into one replicated volume: the backing store, the transfer log, the
// epoch controller, the conflict detector, the request router, and a
// registry of peer connections, wired to transport.Dispatcher so the
// ack stream drives the right in-flight Request.
package device

import (
	"fmt"
	"sync"

	"drbdgo/internal/router"
	"drbdgo/internal/transport"
)

// PeerDevice is one replication partner: its connection plus the
// identity godkv's cluster.Node carried (ID, Address). Grounded on
// cluster.Membership's Node, retargeted from a gossiped cluster member
// to a directly dialed replication peer.
type PeerDevice struct {
	ID   string
	Addr string
	Conn *transport.Connection
}

// PeerRegistry tracks the set of peers a Device currently replicates
// to. Grounded on cluster.Membership: Join/Leave/GetNode/All become
// Connect/Disconnect/Get/Peers. Membership's consistent-hash Ring and
// ReplicaNodes are deliberately not ported — synchronous block
// replication fans out to every configured peer, it does not shard a
// keyspace across a ring.
type PeerRegistry struct {
	mu    sync.RWMutex
	peers map[string]*PeerDevice
}

// NewPeerRegistry creates an empty registry.
func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{peers: make(map[string]*PeerDevice)}
}

// Connect registers pd, replacing any existing entry under the same ID
// (the prior connection, if any, is the caller's responsibility to
// close first).
func (r *PeerRegistry) Connect(pd *PeerDevice) error {
	if pd.ID == "" {
		return fmt.Errorf("device: peer id must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[pd.ID] = pd
	return nil
}

// Disconnect removes a peer from the registry. Closing its connection
// is the caller's responsibility, done before or after this call.
func (r *PeerRegistry) Disconnect(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[id]; !ok {
		return fmt.Errorf("device: no such peer %q", id)
	}
	delete(r.peers, id)
	return nil
}

// Get looks up a peer by ID.
func (r *PeerRegistry) Get(id string) (*PeerDevice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pd, ok := r.peers[id]
	return pd, ok
}

// Peers returns a snapshot of every currently connected peer.
func (r *PeerRegistry) Peers() []*PeerDevice {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*PeerDevice, 0, len(r.peers))
	for _, pd := range r.peers {
		out = append(out, pd)
	}
	return out
}

// routerPeers adapts the registry's connections to router.Peer, the
// narrow interface the router fans writes out through.
func (r *PeerRegistry) routerPeers() []router.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]router.Peer, 0, len(r.peers))
	for _, pd := range r.peers {
		out = append(out, pd.Conn)
	}
	return out
}
