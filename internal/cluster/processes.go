package cluster

import (
	"fmt"
	"sort"
	"time"

	"github.com/ChuLiYu/procmesh/internal/messages"
	"github.com/ChuLiYu/procmesh/pkg/types"
)

// processInfo is the registry entry of one process
type processInfo struct {
	name    string
	worker  types.ProcessWorker
	isLocal bool

	// global placement bookkeeping
	isAssignedHere   bool
	assignedNode     string
	requestedState   bool
	penalizedNodes   map[string]bool
	unsupportedNodes map[string]bool
	globalState      types.GlobalState
	changeRequested  time.Time
	processingCost   int
	transitionCost   int
}

// RegisterLocal registers a process pinned to this node. Local processes
// are started on startup and restarted by the supervisor when they fail.
func (m *Manager) RegisterLocal(name string, worker types.ProcessWorker) error {
	return m.register(&processInfo{
		name:    name,
		worker:  worker,
		isLocal: true,
	})
}

// RegisterGlobal registers a process the leader places on one online node.
// The costs are reported in snapshots; placement balances process counts.
func (m *Manager) RegisterGlobal(name string, worker types.ProcessWorker, processingCost, transitionCost int) error {
	return m.register(&processInfo{
		name:             name,
		worker:           worker,
		requestedState:   true,
		penalizedNodes:   make(map[string]bool),
		unsupportedNodes: make(map[string]bool),
		globalState:      types.GlobalOffline,
		processingCost:   processingCost,
		transitionCost:   transitionCost,
	})
}

func (m *Manager) register(p *processInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("cannot register %q: %w", p.name, ErrAlreadyStarted)
	}
	if _, exists := m.processes[p.name]; exists {
		return fmt.Errorf("%q: %w", p.name, ErrAlreadyRegistered)
	}

	name := p.name
	p.worker.Init(func(state types.ProcessState) {
		m.signalWorkerChanged()
		m.postLocal(messages.WorkerStateChanged{ProcessName: name, NewState: state})
	})
	m.processes[name] = p
	return nil
}

func (m *Manager) countProcesses(local bool) int {
	count := 0
	for _, p := range m.processes {
		if p.isLocal == local {
			count++
		}
	}
	return count
}

// sortedProcesses returns local or global processes ordered by name
func (m *Manager) sortedProcesses(local bool) []*processInfo {
	out := make([]*processInfo, 0, len(m.processes))
	for _, p := range m.processes {
		if p.isLocal == local {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// ============================================================================
// Local supervisor
// ============================================================================

func (m *Manager) startLocalProcesses() {
	for _, p := range m.sortedProcesses(true) {
		m.logger.Info("Starting local process", "process", p.name)
		p.worker.Start()
	}
}

// stopAllProcesses winds down local processes and any global process
// running here.
func (m *Manager) stopAllProcesses() {
	for _, p := range m.sortedProcesses(true) {
		stopWorker(p.worker)
	}
	for _, p := range m.sortedProcesses(false) {
		p.isAssignedHere = false
		stopWorker(p.worker)
	}
}

// stopWorker pauses a running worker and stops one that is still starting
// or already pausing. It reports false if the worker was not running.
func stopWorker(w types.ProcessWorker) bool {
	switch w.State() {
	case types.StateRunning:
		w.Pause()
	case types.StateStarting, types.StatePausing:
		w.Stop()
	case types.StateStopping:
	default:
		return false
	}
	return true
}

func (m *Manager) onWorkerStateChanged(msg messages.WorkerStateChanged) {
	p, ok := m.processes[msg.ProcessName]
	if !ok {
		return
	}
	m.logger.Debug("Worker state changed", "process", p.name, "state", msg.NewState, "local", p.isLocal)

	if !p.isLocal {
		m.broadcast(messages.ProcessChange{ProcessName: p.name, NewState: msg.NewState})
		return
	}
	if m.shuttingDown {
		return
	}

	switch msg.NewState {
	case types.StateFaulted:
		m.logger.Warn("Local process faulted, restart scheduled", "process", p.name, "delay", m.config.LocalRestartDelay)
		m.after(m.config.LocalRestartDelay, messages.LocalRestart{ProcessName: p.name})
	case types.StateConflicted:
		m.logger.Warn("Local process conflicted, restarting", "process", p.name)
		m.restartLocal(p)
	}
}

func (m *Manager) onLocalRestart(msg messages.LocalRestart) {
	p, ok := m.processes[msg.ProcessName]
	if !ok || !p.isLocal || m.shuttingDown {
		return
	}
	m.restartLocal(p)
}

// restartLocal starts p again unless something already brought it back
func (m *Manager) restartLocal(p *processInfo) {
	switch p.worker.State() {
	case types.StateFaulted, types.StateConflicted:
	default:
		m.logger.Debug("Restart skipped", "process", p.name, "state", p.worker.State())
		return
	}
	m.logger.Info("Restarting local process", "process", p.name)
	m.recorder.RecordLocalRestart(p.name)
	p.worker.Start()
}
