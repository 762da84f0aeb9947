// Package metrics is a thin abstraction over Prometheus so the store can
// be run with or without metrics: callers that pass a *prometheus.Registry
// get labeled counters and gauges; callers that don't get a no-op sink, so
// the hot path never pays for a metric update it has nowhere to send.
//
//	Metric                        Type  Labels
//	edgestore_operations_total    Ctr   host, op, outcome
//	edgestore_lock_depth          Gge   host
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels an operation's result for edgestore_operations_total.
type Outcome string

const (
	OutcomeOK    Outcome = "ok"
	OutcomeError Outcome = "error"
)

// Op names one kind of store operation, used as the "op" label.
type Op string

const (
	OpGenerateGid Op = "generate_gid"
	OpAdd         Op = "add"
	OpDelete      Op = "delete"
	OpGet         Op = "get"
	OpQuery       Op = "query"
	OpCount       Op = "count"
)

// Sink is the interface the rest of the module depends on. It is
// deliberately narrow: every call site names a host, an operation, and an
// outcome (or, for lock gauges, a host and a depth), with no hidden state
// threaded through.
type Sink interface {
	ObserveOperation(host int, op Op, outcome Outcome)
	SetLockDepth(host int, depth int)
}

// noopSink discards every observation. Used when a process is run without
// a metrics registry.
type noopSink struct{}

func (noopSink) ObserveOperation(int, Op, Outcome) {}
func (noopSink) SetLockDepth(int, int)             {}

// promSink reports through Prometheus collectors registered on
// construction.
type promSink struct {
	operations *prometheus.CounterVec
	lockDepth  *prometheus.GaugeVec
}

func newPromSink(reg *prometheus.Registry) *promSink {
	labels := []string{"host", "op", "outcome"}
	ps := &promSink{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "edgestore",
				Name:      "operations_total",
				Help:      "Number of store operations, by host, operation, and outcome.",
			}, labels),
		lockDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "edgestore",
				Name:      "lock_depth",
				Help:      "Current re-entrancy depth of each host's colocation locks held.",
			}, []string{"host"}),
	}
	reg.MustRegister(ps.operations, ps.lockDepth)
	return ps
}

func (p *promSink) ObserveOperation(host int, op Op, outcome Outcome) {
	p.operations.WithLabelValues(strconv.Itoa(host), string(op), string(outcome)).Inc()
}

func (p *promSink) SetLockDepth(host int, depth int) {
	p.lockDepth.WithLabelValues(strconv.Itoa(host)).Set(float64(depth))
}

// New returns a Sink reporting to reg, or a no-op Sink if reg is nil.
func New(reg *prometheus.Registry) Sink {
	if reg == nil {
		return noopSink{}
	}
	return newPromSink(reg)
}
