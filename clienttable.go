package wiremux

import (
	"net"
	"sync"
	"sync/atomic"
)

// ClientState is one connected peer's bookkeeping: its peer key, its TCP
// connection or UDP address, and a receive timestamp recorded when the
// peer connects are framework-owned; Data is whatever the user's
// CreateClientFunc attached. Reassembly state is not held here (the
// engine's shared Reassembler keys it by peer), and the server leaves the
// ring and framer fields unset: each TCP receive loop keeps its own.
type ClientState struct {
	Peer PeerKey
	Data any

	conn    net.Conn
	udpAddr net.Addr
	ring    *RingBuffer
	framer  *Framer

	lastReceiveUnixNano atomic.Int64
}

// touch records the current time as the last-receive timestamp.
func (c *ClientState) touch(nowUnixNano int64) {
	c.lastReceiveUnixNano.Store(nowUnixNano)
}

// CreateClientFunc decides whether to admit a newly-connecting peer and,
// if so, supplies the user-defined state to attach to it. Returning
// accept=false rejects the CONNECT.
type CreateClientFunc func(peer PeerKey) (data any, accept bool)

// ClientTable is the server-side peer_key -> ClientState map (spec.md
// §4.8). A single lock guards it; SendToAll must snapshot under that lock
// and send outside it, since sends can block on I/O.
type ClientTable struct {
	mu      sync.Mutex
	clients map[PeerKey]*ClientState
	metrics *Metrics
}

// NewClientTable creates an empty client table.
func NewClientTable(metrics *Metrics) *ClientTable {
	return &ClientTable{clients: make(map[PeerKey]*ClientState), metrics: metrics}
}

// Insert adds state under its Peer key, replacing any prior entry for
// that key (a reconnect from the same address observed before the old
// entry's disconnect was processed).
func (t *ClientTable) Insert(state *ClientState) {
	t.mu.Lock()
	t.clients[state.Peer] = state
	t.mu.Unlock()
	t.metrics.clientConnected()
}

// Lookup returns the client state for peer, if connected.
func (t *ClientTable) Lookup(peer PeerKey) (*ClientState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.clients[peer]
	return state, ok
}

// Remove deletes peer's entry, returning the removed state so the caller
// can run on_disconnected and release its resources.
func (t *ClientTable) Remove(peer PeerKey) (*ClientState, bool) {
	t.mu.Lock()
	state, ok := t.clients[peer]
	if ok {
		delete(t.clients, peer)
	}
	t.mu.Unlock()
	if ok {
		t.metrics.clientDisconnected()
	}
	return state, ok
}

// Snapshot returns every currently-connected client state. Callers use
// this for send_to_all: copy the table under the lock, then send outside
// it, so a slow peer never blocks registration or removal of another.
func (t *ClientTable) Snapshot() []*ClientState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*ClientState, 0, len(t.clients))
	for _, state := range t.clients {
		out = append(out, state)
	}
	return out
}

// Len reports the number of connected clients.
func (t *ClientTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.clients)
}
