// ============================================================================
// Procmesh Metrics - Prometheus instrumentation of the control plane
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
//
// Metric families:
//
//   1. Counters:
//      - procmesh_elections_started_total: elections this node opened
//      - procmesh_scheduling_passes_total: scheduler passes run as leader
//      - procmesh_directives_total{kind}: ProcessStart/ProcessStop broadcast
//      - procmesh_local_restarts_total{process}: supervisor restarts
//      - procmesh_messages_dropped_total: inbound messages lost to a full inbox
//
//   2. Histogram:
//      - procmesh_scheduling_pass_seconds: duration of one scheduler pass
//
//   3. Gauges:
//      - procmesh_is_leader: 1 while this node is leader
//      - procmesh_nodes_online: online nodes as seen by this node
//      - procmesh_global_processes{state}: global processes by placement state
//
// Useful queries:
//
//   # Leadership flapping
//   changes(procmesh_is_leader[10m])
//
//   # Processes that cannot be placed
//   procmesh_global_processes{state="offline"}
//
// ============================================================================

package metrics

import (
	"github.com/ChuLiYu/procmesh/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

var globalStates = []types.GlobalState{
	types.GlobalOffline,
	types.GlobalToBeStarted,
	types.GlobalStarting,
	types.GlobalOnline,
	types.GlobalToBeStopped,
	types.GlobalStopping,
}

// Collector holds the control-plane metrics
type Collector struct {
	electionsStarted prometheus.Counter
	schedulingPasses prometheus.Counter
	directives       *prometheus.CounterVec
	localRestarts    *prometheus.CounterVec
	messagesDropped  prometheus.Counter

	schedulingLatency prometheus.Histogram

	isLeader        prometheus.Gauge
	nodesOnline     prometheus.Gauge
	globalProcesses *prometheus.GaugeVec
}

// NewCollector creates a collector registered with the default registerer
func NewCollector() *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer)
}

// NewCollectorWith creates a collector registered with reg
func NewCollectorWith(reg prometheus.Registerer) *Collector {
	c := &Collector{
		electionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procmesh_elections_started_total",
			Help: "Total number of elections started by this node",
		}),
		schedulingPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procmesh_scheduling_passes_total",
			Help: "Total number of scheduling passes run while leader",
		}),
		directives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procmesh_directives_total",
			Help: "Total number of placement directives broadcast by kind",
		}, []string{"kind"}),
		localRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procmesh_local_restarts_total",
			Help: "Total number of local process restarts by process",
		}, []string{"process"}),
		messagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procmesh_messages_dropped_total",
			Help: "Total number of inbound messages dropped because the inbox was full",
		}),
		schedulingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "procmesh_scheduling_pass_seconds",
			Help:    "Duration of a scheduling pass in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		isLeader: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procmesh_is_leader",
			Help: "1 if this node is the elected leader",
		}),
		nodesOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procmesh_nodes_online",
			Help: "Number of nodes this node considers online",
		}),
		globalProcesses: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "procmesh_global_processes",
			Help: "Global processes by placement state, as seen by the leader",
		}, []string{"state"}),
	}

	reg.MustRegister(
		c.electionsStarted,
		c.schedulingPasses,
		c.directives,
		c.localRestarts,
		c.messagesDropped,
		c.schedulingLatency,
		c.isLeader,
		c.nodesOnline,
		c.globalProcesses,
	)

	return c
}

// RecordElectionStarted records an election opened by this node
func (c *Collector) RecordElectionStarted() {
	c.electionsStarted.Inc()
}

// SetLeader flips the leadership gauge
func (c *Collector) SetLeader(leader bool) {
	if leader {
		c.isLeader.Set(1)
		return
	}
	c.isLeader.Set(0)
}

// RecordSchedulingPass records one scheduler run
func (c *Collector) RecordSchedulingPass(seconds float64) {
	c.schedulingPasses.Inc()
	c.schedulingLatency.Observe(seconds)
}

// RecordDirective records a ProcessStart or ProcessStop broadcast
func (c *Collector) RecordDirective(kind string) {
	c.directives.WithLabelValues(kind).Inc()
}

// RecordLocalRestart records a supervisor restart of a local process
func (c *Collector) RecordLocalRestart(process string) {
	c.localRestarts.WithLabelValues(process).Inc()
}

// RecordDroppedMessage records an inbound message lost to back-pressure
func (c *Collector) RecordDroppedMessage() {
	c.messagesDropped.Inc()
}

// SetNodesOnline updates the online node gauge
func (c *Collector) SetNodesOnline(n int) {
	c.nodesOnline.Set(float64(n))
}

// SetGlobalProcesses replaces the per-state process gauges. States missing
// from counts are reset to zero.
func (c *Collector) SetGlobalProcesses(counts map[types.GlobalState]int) {
	for _, s := range globalStates {
		c.globalProcesses.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
