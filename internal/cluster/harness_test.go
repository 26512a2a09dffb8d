package cluster

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/procmesh/internal/clock"
	"github.com/ChuLiYu/procmesh/internal/messages"
	"github.com/ChuLiYu/procmesh/internal/transport"
	"github.com/ChuLiYu/procmesh/pkg/types"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ============================================================================
// fakeWorker
// ============================================================================

// fakeWorker changes state synchronously and reports every change
type fakeWorker struct {
	mu       sync.Mutex
	state    types.ProcessState
	onChange func(types.ProcessState)

	starts, pauses, stops int

	holdStart   bool // stay in Starting after Start
	ignoreStop  bool // keep running when asked to pause or stop
	unsupported bool // report Unsupported on Start
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{state: types.StateUninitialized}
}

func (w *fakeWorker) Init(onChange func(types.ProcessState)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = onChange
	w.state = types.StateInactive
}

func (w *fakeWorker) Start() {
	w.mu.Lock()
	w.starts++
	hold, unsupported := w.holdStart, w.unsupported
	w.mu.Unlock()

	if unsupported {
		w.set(types.StateUnsupported)
		return
	}
	w.set(types.StateStarting)
	if !hold {
		w.set(types.StateRunning)
	}
}

func (w *fakeWorker) Pause() {
	w.mu.Lock()
	w.pauses++
	ignore := w.ignoreStop
	w.mu.Unlock()
	if ignore {
		return
	}
	w.set(types.StatePausing)
	w.set(types.StateInactive)
}

func (w *fakeWorker) Stop() {
	w.mu.Lock()
	w.stops++
	ignore := w.ignoreStop
	w.mu.Unlock()
	if ignore {
		return
	}
	w.set(types.StateStopping)
	w.set(types.StateInactive)
}

func (w *fakeWorker) State() types.ProcessState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// set changes the state and invokes the callback outside the lock
func (w *fakeWorker) set(state types.ProcessState) {
	w.mu.Lock()
	w.state = state
	cb := w.onChange
	w.mu.Unlock()
	if cb != nil {
		cb(state)
	}
}

func (w *fakeWorker) counts() (starts, pauses, stops int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.starts, w.pauses, w.stops
}

// ============================================================================
// testCluster
// ============================================================================

// testCluster wires managers to one Hub and one fake clock and drives their
// inboxes by hand, so protocol timing is deterministic.
type testCluster struct {
	t       *testing.T
	hub     *transport.Hub
	clock   *clock.Fake
	order   []string
	nodes   map[string]*Manager
	workers map[string]map[string]*fakeWorker // node -> process -> worker
	wire    *wireLog
}

func newTestCluster(t *testing.T, ids ...string) *testCluster {
	t.Helper()
	c := &testCluster{
		t:       t,
		hub:     transport.NewHub(),
		clock:   clock.NewFake(epoch),
		nodes:   make(map[string]*Manager),
		workers: make(map[string]map[string]*fakeWorker),
		wire:    &wireLog{},
	}
	c.hub.Join("~spy").Subscribe(c.wire.record)
	for _, id := range ids {
		c.add(id, Config{NodeID: id})
	}
	return c
}

func (c *testCluster) add(id string, config Config, opts ...Option) *Manager {
	config.NodeID = id
	opts = append([]Option{WithClock(c.clock), WithLogger(quietLogger())}, opts...)
	m := NewManager(config, c.hub.Join(id), opts...)
	c.order = append(c.order, id)
	c.nodes[id] = m
	c.workers[id] = make(map[string]*fakeWorker)
	return m
}

func (c *testCluster) node(id string) *Manager {
	m, ok := c.nodes[id]
	require.True(c.t, ok, "unknown node %s", id)
	return m
}

func (c *testCluster) worker(node, process string) *fakeWorker {
	w, ok := c.workers[node][process]
	require.True(c.t, ok, "no worker %s on %s", process, node)
	return w
}

// registerGlobal registers the named global processes on the given nodes,
// or on every node when nodes is empty.
func (c *testCluster) registerGlobal(names []string, nodes ...string) {
	if len(nodes) == 0 {
		nodes = c.order
	}
	for _, id := range nodes {
		for _, name := range names {
			w := newFakeWorker()
			require.NoError(c.t, c.node(id).RegisterGlobal(name, w, 1, 1))
			c.workers[id][name] = w
		}
	}
}

func (c *testCluster) registerLocal(node, name string) *fakeWorker {
	w := newFakeWorker()
	require.NoError(c.t, c.node(node).RegisterLocal(name, w))
	c.workers[node][name] = w
	return w
}

func (c *testCluster) start(ids ...string) {
	if len(ids) == 0 {
		ids = c.order
	}
	for _, id := range ids {
		require.NoError(c.t, c.node(id).begin(context.Background()))
	}
	c.drain()
}

// drain handles queued messages on every node until all inboxes are empty
func (c *testCluster) drain() {
	for i := 0; i < 10000; i++ {
		handled := 0
		for _, id := range c.order {
			handled += c.nodes[id].drainInbox()
		}
		if handled == 0 {
			return
		}
	}
	c.t.Fatal("cluster did not quiesce")
}

// run advances fake time by d in small steps, draining after each step
func (c *testCluster) run(d time.Duration) {
	const step = 250 * time.Millisecond
	c.drain()
	for elapsed := time.Duration(0); elapsed < d; elapsed += step {
		c.clock.Advance(step)
		c.drain()
	}
}

func (c *testCluster) inject(to string, from string, msg messages.Message) {
	c.hub.Inject(to, messages.Envelope{SenderID: from, Message: msg})
}

// leaders lists the nodes that currently believe they lead
func (c *testCluster) leaders() []string {
	var out []string
	for _, id := range c.order {
		if c.nodes[id].GetGlobalInfo().IsLeader {
			out = append(out, id)
		}
	}
	return out
}

func (c *testCluster) leaderProcess(leader, name string) types.GlobalProcessInfo {
	for _, p := range c.node(leader).GetLeaderProcesses() {
		if p.Name == name {
			return p
		}
	}
	c.t.Fatalf("process %s not known to %s", name, leader)
	return types.GlobalProcessInfo{}
}

// ============================================================================
// wireLog
// ============================================================================

// wireLog records every broadcast seen on the hub
type wireLog struct {
	mu   sync.Mutex
	envs []messages.Envelope
}

func (l *wireLog) record(env messages.Envelope) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.envs = append(l.envs, env)
}

func (l *wireLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.envs = nil
}

func (l *wireLog) starts(process string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var nodes []string
	for _, env := range l.envs {
		if m, ok := env.Message.(messages.ProcessStart); ok && m.ProcessName == process {
			nodes = append(nodes, m.AssignedNode)
		}
	}
	return nodes
}

func (l *wireLog) stops(process string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var nodes []string
	for _, env := range l.envs {
		if m, ok := env.Message.(messages.ProcessStop); ok && m.ProcessName == process {
			nodes = append(nodes, m.AssignedNode)
		}
	}
	return nodes
}

func (l *wireLog) count(sender string, kind messages.Kind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, env := range l.envs {
		if env.SenderID == sender && env.Message.Kind() == kind {
			n++
		}
	}
	return n
}

// ============================================================================
// fakeRecorder
// ============================================================================

type fakeRecorder struct {
	mu         sync.Mutex
	elections  int
	leader     bool
	passes     int
	directives map[string]int
	restarts   map[string]int
	dropped    int
	online     int
	global     map[types.GlobalState]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{directives: map[string]int{}, restarts: map[string]int{}}
}

func (r *fakeRecorder) RecordElectionStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.elections++
}

func (r *fakeRecorder) SetLeader(leader bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leader = leader
}

func (r *fakeRecorder) RecordSchedulingPass(float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.passes++
}

func (r *fakeRecorder) RecordDirective(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.directives[kind]++
}

func (r *fakeRecorder) RecordLocalRestart(process string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restarts[process]++
}

func (r *fakeRecorder) RecordDroppedMessage() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped++
}

func (r *fakeRecorder) SetNodesOnline(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.online = n
}

func (r *fakeRecorder) SetGlobalProcesses(counts map[types.GlobalState]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = counts
}
