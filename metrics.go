package wiremux

import (
	"fmt"
	"io"
	"sync/atomic"

	vm "github.com/VictoriaMetrics/metrics"
)

// Metrics holds the counters and gauges the engine updates as it runs.
// The zero value is not usable; construct with NewMetrics. Passing nil to
// any component that accepts *Metrics is safe: every method on a nil
// *Metrics is a no-op.
type Metrics struct {
	set *vm.Set

	poolRent   *vm.Counter
	poolReturn *vm.Counter
	poolBypass *vm.Counter

	framesDecoded      *vm.Counter
	framesDiscarded    *vm.Counter
	resyncEvents       *vm.Counter
	reassembliesDone   *vm.Counter
	reassemblyTimeouts *vm.Counter

	clients  atomic.Int64
	inflight atomic.Int64
}

// NewMetrics creates a fresh, independently-registered metric set so
// multiple engines in the same process don't collide on names. namespace
// is used as a metric name prefix, e.g. "server" or "client".
func NewMetrics(namespace string) *Metrics {
	set := vm.NewSet()
	m := &Metrics{set: set}

	m.poolRent = set.NewCounter(name(namespace, "pool_rent_total"))
	m.poolReturn = set.NewCounter(name(namespace, "pool_return_total"))
	m.poolBypass = set.NewCounter(name(namespace, "pool_bypass_total"))
	m.framesDecoded = set.NewCounter(name(namespace, "frames_decoded_total"))
	m.framesDiscarded = set.NewCounter(name(namespace, "frames_discarded_total"))
	m.resyncEvents = set.NewCounter(name(namespace, "resync_events_total"))
	m.reassembliesDone = set.NewCounter(name(namespace, "reassemblies_completed_total"))
	m.reassemblyTimeouts = set.NewCounter(name(namespace, "reassembly_timeouts_total"))

	set.NewGauge(name(namespace, "clients_connected"), func() float64 {
		return float64(m.clients.Load())
	})
	set.NewGauge(name(namespace, "requests_in_flight"), func() float64 {
		return float64(m.inflight.Load())
	})

	return m
}

func name(namespace, metric string) string {
	return fmt.Sprintf(`wiremux_%s{component=%q}`, metric, namespace)
}

// WritePrometheus writes every metric in this set in Prometheus text
// exposition format, for embedding in a host application's /metrics
// handler.
func (m *Metrics) WritePrometheus(w io.Writer) {
	if m == nil {
		return
	}
	m.set.WritePrometheus(w)
}

func (m *Metrics) incPoolRent() {
	if m != nil {
		m.poolRent.Inc()
	}
}

func (m *Metrics) incPoolReturn() {
	if m != nil {
		m.poolReturn.Inc()
	}
}

func (m *Metrics) incPoolBypass() {
	if m != nil {
		m.poolBypass.Inc()
	}
}

func (m *Metrics) incFramesDecoded() {
	if m != nil {
		m.framesDecoded.Inc()
	}
}

func (m *Metrics) incFramesDiscarded() {
	if m != nil {
		m.framesDiscarded.Inc()
	}
}

func (m *Metrics) incResyncEvents() {
	if m != nil {
		m.resyncEvents.Inc()
	}
}

func (m *Metrics) incReassembliesDone() {
	if m != nil {
		m.reassembliesDone.Inc()
	}
}

func (m *Metrics) incReassemblyTimeouts() {
	if m != nil {
		m.reassemblyTimeouts.Inc()
	}
}

func (m *Metrics) clientConnected() {
	if m != nil {
		m.clients.Add(1)
	}
}

func (m *Metrics) clientDisconnected() {
	if m != nil {
		m.clients.Add(-1)
	}
}

func (m *Metrics) requestStarted() {
	if m != nil {
		m.inflight.Add(1)
	}
}

func (m *Metrics) requestFinished() {
	if m != nil {
		m.inflight.Add(-1)
	}
}
