// ============================================================================
// Procmesh Cluster Manager - process placement across a fleet of nodes
// ============================================================================
//
// Package: internal/cluster
// File: manager.go
//
// Every node runs one Manager. The Manager owns:
//   - the node registry (every node ever heard from, online or not)
//   - the process registry (local processes pinned here, global processes
//     placed by the leader)
//   - the election state of the current epoch
//
// Dispatch model:
//   Fleet messages, timer expiries and worker callbacks are all handled by a
//   single goroutine (run). Handlers never race each other. The mutex is
//   only held so snapshot readers and registration see a consistent view.
//
//   Fleet messages land in a bounded inbox and are dropped when it is full.
//   Self-posted control messages go to an unbounded control queue that is
//   served first and never drops, since timers re-arm only from their own
//   handlers.
//
// Timers:
//   Heartbeat tick, election timeout, local restart backoff and scheduling
//   requests are self-posted messages armed on the clock. Shutdown cancels
//   the manager context, which stops every pending timer.
//
// ============================================================================

package cluster

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/procmesh/internal/clock"
	"github.com/ChuLiYu/procmesh/internal/messages"
	"github.com/ChuLiYu/procmesh/internal/transport"
	"github.com/ChuLiYu/procmesh/pkg/types"
)

var (
	ErrAlreadyRegistered = errors.New("process already registered")
	ErrAlreadyStarted    = errors.New("manager already started")
	ErrNotStarted        = errors.New("manager not started")
	ErrUnknownProcess    = errors.New("unknown global process")
)

// Option customizes a Manager
type Option func(*Manager)

// WithClock replaces the wall clock, mainly for tests
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the base logger
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithRecorder plugs in a metrics sink
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// Manager is the cluster process manager of one node
type Manager struct {
	config    Config
	nodeID    string
	clock     clock.Clock
	transport transport.Transport
	recorder  Recorder
	logger    *slog.Logger

	inbox  chan messages.Envelope
	ctx    context.Context

	controlMu sync.Mutex
	control   []messages.Envelope
	wake      chan struct{}

	cancel context.CancelFunc
	done   chan struct{}

	mu               sync.Mutex
	nodes            map[string]*nodeInfo
	processes        map[string]*processInfo
	leaderID         string
	isLeader         bool
	electionsID      string
	electionsState   types.ElectionsState
	electionsChanged time.Time
	lastBroadcast    time.Time
	schedulingNeeded bool
	schedulePending  bool
	shuttingDown     bool
	started          bool

	// waitMu guards workerChanged, which is closed and replaced on every
	// worker callback so WaitForStop can re-check worker states.
	waitMu        sync.Mutex
	workerChanged chan struct{}
}

// NewManager creates a manager for config.NodeID on top of t. The manager
// subscribes to t when started but never closes it.
func NewManager(config Config, t transport.Transport, opts ...Option) *Manager {
	config = config.withDefaults()

	m := &Manager{
		config:         config,
		nodeID:         config.NodeID,
		clock:          clock.Real{},
		transport:      t,
		recorder:       nopRecorder{},
		logger:         slog.Default(),
		inbox:          make(chan messages.Envelope, config.InboxSize),
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
		nodes:          make(map[string]*nodeInfo),
		processes:      make(map[string]*processInfo),
		electionsState: types.ElectionsNone,
		workerChanged:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "cluster", "node", m.nodeID)
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// NodeID returns the id of this node
func (m *Manager) NodeID() string {
	return m.nodeID
}

// Start subscribes to the transport, starts local processes and joins the
// election. Cancelling ctx has the same effect as calling Stop.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.begin(ctx); err != nil {
		return err
	}
	go m.run()
	return nil
}

// begin does everything Start does except launching the dispatch loop
func (m *Manager) begin(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return ErrAlreadyStarted
	}
	m.started = true

	m.markOnline(m.nodeID, m.clock.Now())
	m.transport.Subscribe(m.Deliver)
	m.postLocal(messages.SystemInit{})

	context.AfterFunc(ctx, func() { _ = m.Stop() })

	m.logger.Info("Manager started",
		"local_processes", m.countProcesses(true),
		"global_processes", m.countProcesses(false))
	return nil
}

// Stop begins a graceful shutdown. It returns immediately; use WaitForStop
// to wait for workers to settle.
func (m *Manager) Stop() error {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	m.postLocal(messages.SystemShutdown{})
	return nil
}

// Done is closed when the dispatch loop has exited
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// WaitForStop blocks until every worker has settled in a stopped state or
// StopWaitTimeout elapses. It reports whether all workers stopped in time.
func (m *Manager) WaitForStop() bool {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deadline := clock.Delay(ctx, m.clock, m.config.StopWaitTimeout)

	for {
		m.waitMu.Lock()
		changed := m.workerChanged
		m.waitMu.Unlock()

		if m.allWorkersStopped() {
			return true
		}

		select {
		case <-changed:
		case <-deadline:
			stopped := m.allWorkersStopped()
			if !stopped {
				m.logger.Warn("Workers still running after stop timeout", "timeout", m.config.StopWaitTimeout)
			}
			return stopped
		}
	}
}

func (m *Manager) allWorkersStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.processes {
		if !p.worker.State().IsStopped() {
			return false
		}
	}
	return true
}

// signalWorkerChanged wakes WaitForStop callers
func (m *Manager) signalWorkerChanged() {
	m.waitMu.Lock()
	close(m.workerChanged)
	m.workerChanged = make(chan struct{})
	m.waitMu.Unlock()
}

// Deliver hands a fleet message to the manager. It is the transport handler
// and never blocks.
func (m *Manager) Deliver(env messages.Envelope) {
	m.post(env)
}

// RequestProcess asks the fleet to run (online=true) or stop running a
// global process.
func (m *Manager) RequestProcess(ctx context.Context, name string, online bool) error {
	m.mu.Lock()
	p, ok := m.processes[name]
	m.mu.Unlock()
	if !ok || p.isLocal {
		return ErrUnknownProcess
	}

	return m.transport.Broadcast(ctx, messages.Envelope{
		SenderID: m.nodeID,
		Message:  messages.ProcessRequest{ProcessName: name, ShouldBeOnline: online},
	})
}

// ============================================================================
// Dispatch
// ============================================================================

func (m *Manager) run() {
	defer close(m.done)
	for m.ctx.Err() == nil {
		if env, ok := m.nextControl(); ok {
			m.handle(env)
			continue
		}
		select {
		case <-m.ctx.Done():
			return
		case <-m.wake:
		case env := <-m.inbox:
			m.handle(env)
		}
	}
}

// drainInbox handles every queued message without blocking and returns how
// many were handled. Control messages go first.
func (m *Manager) drainInbox() int {
	n := 0
	for m.ctx.Err() == nil {
		if env, ok := m.nextControl(); ok {
			m.handle(env)
			n++
			continue
		}
		select {
		case env := <-m.inbox:
			m.handle(env)
			n++
		default:
			return n
		}
	}
	return n
}

func (m *Manager) nextControl() (messages.Envelope, bool) {
	m.controlMu.Lock()
	defer m.controlMu.Unlock()
	if len(m.control) == 0 {
		return messages.Envelope{}, false
	}
	env := m.control[0]
	m.control[0] = messages.Envelope{}
	m.control = m.control[1:]
	return env, true
}

func (m *Manager) post(env messages.Envelope) {
	if m.ctx.Err() != nil {
		return
	}
	select {
	case m.inbox <- env:
	default:
		m.recorder.RecordDroppedMessage()
		m.logger.Warn("Inbox full, dropping message", "kind", env.Message.Kind(), "sender", env.SenderID)
	}
}

// postLocal queues a control message. Unlike post it never drops.
func (m *Manager) postLocal(msg messages.Message) {
	if m.ctx.Err() != nil {
		return
	}
	m.controlMu.Lock()
	m.control = append(m.control, messages.Envelope{SenderID: m.nodeID, Message: msg})
	m.controlMu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// after posts msg to self once d has elapsed, unless the manager stops first
func (m *Manager) after(d time.Duration, msg messages.Message) {
	clock.AfterFuncContext(m.ctx, m.clock, d, func() { m.postLocal(msg) })
}

func (m *Manager) broadcast(msg messages.Message) {
	m.lastBroadcast = m.clock.Now()
	err := m.transport.Broadcast(m.ctx, messages.Envelope{SenderID: m.nodeID, Message: msg})
	if err != nil {
		m.logger.Warn("Broadcast failed", "kind", msg.Kind(), "error", err)
	}
}

func (m *Manager) handle(env messages.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if env.Message == nil {
		return
	}
	m.logger.Debug("Dispatch", "kind", env.Message.Kind(), "sender", env.SenderID)

	sender := env.SenderID
	if messages.IsWire(env.Message.Kind()) && sender != "" {
		if _, stopped := env.Message.(messages.HeartStopped); !stopped {
			m.markOnline(sender, m.clock.Now())
		}
	}

	switch msg := env.Message.(type) {
	case messages.SystemInit:
		m.onSystemInit()
	case messages.SystemShutdown:
		m.onSystemShutdown()

	case messages.ElectionsInquiry:
		m.onElectionsInquiry(sender, msg)
	case messages.ElectionsCandidate:
		m.onElectionsCandidate(sender, msg)
	case messages.ElectionsLeader:
		m.onElectionsLeader(sender, msg)
	case messages.ElectionsTimer:
		m.onElectionsTimer(msg)

	case messages.HeartbeatTick:
		m.onHeartbeatTick()
	case messages.Heartbeat:
		// liveness already recorded above
	case messages.HeartStopped:
		m.onHeartStopped(sender)
	case messages.ConnectionRestored:
		m.onConnectionRestored()

	case messages.ProcessStart:
		m.onProcessStart(sender, msg)
	case messages.ProcessStop:
		m.onProcessStop(sender, msg)
	case messages.ProcessChange:
		m.onProcessChange(sender, msg)
	case messages.ProcessRequest:
		m.onProcessRequest(msg)
	case messages.ProcessSchedule:
		m.onProcessSchedule()

	case messages.WorkerStateChanged:
		m.onWorkerStateChanged(msg)
	case messages.LocalRestart:
		m.onLocalRestart(msg)

	default:
		m.logger.Warn("Unhandled message", "kind", env.Message.Kind())
	}
}

func (m *Manager) onSystemInit() {
	m.startLocalProcesses()
	m.startElections(false)
	m.after(m.config.TickInterval, messages.HeartbeatTick{})
}

func (m *Manager) onSystemShutdown() {
	if m.shuttingDown {
		return
	}
	m.shuttingDown = true
	m.logger.Info("Shutting down", "was_leader", m.isLeader)

	if m.isLeader {
		m.startElections(true)
		m.isLeader = false
		m.recorder.SetLeader(false)
	}

	m.stopAllProcesses()
	m.broadcast(messages.HeartStopped{})
	m.cancel()
}

// ============================================================================
// Snapshots
// ============================================================================

// GetLocalProcesses lists the processes pinned to this node
func (m *Manager) GetLocalProcesses() []types.LocalProcessInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.LocalProcessInfo, 0, len(m.processes))
	for _, p := range m.sortedProcesses(true) {
		out = append(out, types.LocalProcessInfo{Name: p.name, State: p.worker.State()})
	}
	return out
}

// GetGlobalInfo returns this node's view of the cluster
func (m *Manager) GetGlobalInfo() types.GlobalInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := types.GlobalInfo{
		NodeID:         m.nodeID,
		LeaderID:       m.leaderID,
		IsLeader:       m.isLeader,
		ElectionsID:    m.electionsID,
		ElectionsState: m.electionsState,
		ShuttingDown:   m.shuttingDown,
		Nodes:          make([]types.NodeStatus, 0, len(m.nodes)),
	}
	for _, n := range m.sortedNodes(false) {
		info.Nodes = append(info.Nodes, types.NodeStatus{
			NodeID:        n.id,
			IsOnline:      n.isOnline,
			IsLeader:      n.id == m.leaderID,
			LastHeartbeat: n.lastHeartbeat,
			ProcessCount:  n.processCount,
		})
	}
	return info
}

// GetLeaderProcesses returns the placement bookkeeping of every global
// process. Only the leader's copy is authoritative.
func (m *Manager) GetLeaderProcesses() []types.GlobalProcessInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	procs := m.sortedProcesses(false)
	out := make([]types.GlobalProcessInfo, 0, len(procs))
	for _, p := range procs {
		gp := types.GlobalProcessInfo{
			Name:             p.name,
			State:            p.worker.State(),
			GlobalState:      p.globalState,
			AssignedNode:     p.assignedNode,
			IsAssignedHere:   p.isAssignedHere,
			RequestedState:   p.requestedState,
			PenalizedNodes:   sortedKeys(p.penalizedNodes),
			UnsupportedNodes: sortedKeys(p.unsupportedNodes),
			ProcessingCost:   p.processingCost,
			TransitionCost:   p.transitionCost,
		}
		if !p.changeRequested.IsZero() {
			ts := p.changeRequested
			gp.ChangeRequested = &ts
		}
		out = append(out, gp)
	}
	return out
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
