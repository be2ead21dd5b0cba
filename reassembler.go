package wiremux

import (
	"sync"
	"sync/atomic"
	"time"
)

type reassemblyKey struct {
	peer     PeerKey
	packetID uint32
}

// pendingReassembly is owned by the Reassembler's table and mutated under
// its lock only when created, completed, or expired; the byte copy into
// buffer happens lock-free since chunks target disjoint regions by
// contract (spec.md §4.5).
type pendingReassembly struct {
	buffer         []byte
	bytesRemaining atomic.Int64
	commandID      CommandID
	isResponse     bool
	responseID     uint32
	timer          *time.Timer
}

// Reassembler merges multi-chunk payloads keyed by (peer, packet id) back
// into their original buffer, as described in spec.md §4.5. It is safe for
// concurrent use across every peer's Framer.
type Reassembler struct {
	mu      sync.Mutex
	pending map[reassemblyKey]*pendingReassembly
	pool    *BytePool
	ttl     time.Duration
	metrics *Metrics
}

// NewReassembler creates a reassembler. A zero ttl disables the timed
// variant: partial reassemblies never self-expire.
func NewReassembler(pool *BytePool, ttl time.Duration, metrics *Metrics) *Reassembler {
	return &Reassembler{
		pending: make(map[reassemblyKey]*pendingReassembly),
		pool:    pool,
		ttl:     ttl,
		metrics: metrics,
	}
}

// AddChunk merges one chunk into its pending reassembly, creating the
// entry on first arrival. It returns the completed frame and ok=true once
// every byte of totalLength has arrived; the entry is removed from the
// table in that same call.
func (r *Reassembler) AddChunk(peer PeerKey, packetID uint32, cmd CommandID, isResponse bool, responseID uint32, chunk []byte, offset, totalLength uint32) (CompletedFrame, bool) {
	key := reassemblyKey{peer: peer, packetID: packetID}

	r.mu.Lock()
	entry, exists := r.pending[key]
	if !exists {
		entry = &pendingReassembly{
			buffer:     r.pool.Rent(int(totalLength)),
			commandID:  cmd,
			isResponse: isResponse,
			responseID: responseID,
		}
		entry.bytesRemaining.Store(int64(totalLength))
		if r.ttl > 0 {
			entry.timer = time.AfterFunc(r.ttl, func() { r.expire(key) })
		}
		r.pending[key] = entry
	} else if r.ttl > 0 {
		entry.timer.Reset(r.ttl)
	}
	r.mu.Unlock()

	end := int(offset) + len(chunk)
	if end > len(entry.buffer) {
		end = len(entry.buffer)
	}
	if int(offset) < end {
		copy(entry.buffer[offset:end], chunk[:end-int(offset)])
	}

	remaining := entry.bytesRemaining.Add(-int64(len(chunk)))
	if remaining > 0 {
		return CompletedFrame{}, false
	}

	r.mu.Lock()
	// Guard against a concurrent expiry racing the final chunk.
	if cur, ok := r.pending[key]; ok && cur == entry {
		delete(r.pending, key)
	} else {
		r.mu.Unlock()
		return CompletedFrame{}, false
	}
	r.mu.Unlock()

	if entry.timer != nil {
		entry.timer.Stop()
	}
	r.metrics.incReassembliesDone()

	return CompletedFrame{
		CommandID:  entry.commandID,
		IsResponse: entry.isResponse,
		ResponseID: entry.responseID,
		Payload:    entry.buffer,
	}, true
}

func (r *Reassembler) expire(key reassemblyKey) {
	r.mu.Lock()
	entry, ok := r.pending[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.pending, key)
	r.mu.Unlock()

	r.pool.Return(entry.buffer)
	r.metrics.incReassemblyTimeouts()
}

// Abandon removes and discards every pending reassembly for peer, used
// when a client disconnects.
func (r *Reassembler) Abandon(peer PeerKey) {
	r.mu.Lock()
	var drop []*pendingReassembly
	for key, entry := range r.pending {
		if key.peer == peer {
			drop = append(drop, entry)
			delete(r.pending, key)
		}
	}
	r.mu.Unlock()

	for _, entry := range drop {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		r.pool.Return(entry.buffer)
	}
}
