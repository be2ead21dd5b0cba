package wiremux

import (
	"sync"
	"sync/atomic"
	"time"
)

// responseResult is delivered exactly once on a pending request's channel,
// by whichever of Complete/Cancel/timeout observes it first.
type responseResult struct {
	Payload   []byte
	Decoded   any
	Cancelled bool
}

type pendingRequest struct {
	ch    chan responseResult
	timer *time.Timer
	once  sync.Once
}

func (p *pendingRequest) deliver(res responseResult) {
	p.once.Do(func() {
		p.ch <- res
		close(p.ch)
	})
}

// ResponseTable correlates outstanding requests with their replies, per
// spec.md §4.7. It is safe for concurrent use; one ResponseTable is owned
// per client engine. A server engine also owns one, which its dispatch
// consults for frames carrying a response id; the server has no API of its
// own that registers requests in it.
type ResponseTable struct {
	mu      sync.Mutex
	nextID  atomic.Uint32
	pending map[uint32]*pendingRequest
	pool    *BytePool
	metrics *Metrics
}

// NewResponseTable creates an empty response table. pool is used to
// return late-arriving response buffers that no longer have a waiter.
func NewResponseTable(pool *BytePool, metrics *Metrics) *ResponseTable {
	return &ResponseTable{
		pending: make(map[uint32]*pendingRequest),
		pool:    pool,
		metrics: metrics,
	}
}

// freshID allocates the next response id, skipping 0 ("not a response")
// uniformly on both client and server sides, correcting the source's
// client-only wraparound guard (spec.md §9).
func (t *ResponseTable) freshID() uint32 {
	for {
		id := t.nextID.Add(1)
		if id != 0 {
			return id
		}
	}
}

// Register allocates a fresh response id, arms a timeout, and returns a
// channel that receives exactly one responseResult: a completed reply, or
// a cancelled result once the timeout elapses or Cancel is called.
func (t *ResponseTable) Register(timeout time.Duration) (uint32, <-chan responseResult) {
	id := t.freshID()
	req := &pendingRequest{ch: make(chan responseResult, 1)}

	t.mu.Lock()
	t.pending[id] = req
	t.mu.Unlock()
	t.metrics.requestStarted()

	if timeout > 0 {
		req.timer = time.AfterFunc(timeout, func() { t.Cancel(id) })
	}
	return id, req.ch
}

// Complete fulfills the pending request for id with payload/decoded. If id
// is no longer outstanding (already cancelled or timed out), payload is
// returned to the pool instead and the call is a no-op.
func (t *ResponseTable) Complete(id uint32, payload []byte, decoded any) {
	req := t.remove(id)
	if req == nil {
		t.pool.Return(payload)
		return
	}
	if req.timer != nil {
		req.timer.Stop()
	}
	req.deliver(responseResult{Payload: payload, Decoded: decoded})
}

// TryComplete fulfills the pending request for id, same as Complete, but
// reports whether id was actually outstanding instead of silently returning
// payload to the pool on a miss. Callers that can't tell, from the wire
// alone, whether a frame carrying a response id is really a reply to one
// of their own requests (as opposed to a request that merely happens to
// carry one) use this to decide: a false result means the frame should be
// routed elsewhere instead of discarded.
func (t *ResponseTable) TryComplete(id uint32, payload []byte, decoded any) bool {
	req := t.remove(id)
	if req == nil {
		return false
	}
	if req.timer != nil {
		req.timer.Stop()
	}
	req.deliver(responseResult{Payload: payload, Decoded: decoded})
	return true
}

// Cancel removes the pending request for id, if any, and signals
// cancellation to its awaiter. Safe to call more than once or after the
// request has already completed; both are no-ops.
func (t *ResponseTable) Cancel(id uint32) {
	req := t.remove(id)
	if req == nil {
		return
	}
	req.deliver(responseResult{Cancelled: true})
}

func (t *ResponseTable) remove(id uint32) *pendingRequest {
	t.mu.Lock()
	req, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if ok {
		t.metrics.requestFinished()
	}
	return req
}

// Len reports the number of outstanding requests, primarily for tests.
func (t *ResponseTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
