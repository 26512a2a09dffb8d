package cluster

import (
	"time"

	"github.com/ChuLiYu/procmesh/internal/messages"
	"github.com/ChuLiYu/procmesh/pkg/types"
)

// requestSchedule raises the scheduling flag and, on the leader, queues at
// most one ProcessSchedule message.
func (m *Manager) requestSchedule() {
	m.schedulingNeeded = true
	if !m.isLeader || m.schedulePending {
		return
	}
	m.schedulePending = true
	m.postLocal(messages.ProcessSchedule{})
}

func (m *Manager) onProcessSchedule() {
	m.schedulePending = false
	if m.isLeader && m.schedulingNeeded && !m.shuttingDown {
		m.schedule()
	}
}

// schedule runs one placement pass over every global process:
//
//  1. demote processes whose node went offline
//  2. recompute node loads from scratch
//  3. place offline processes that should run
//  4. migrate running processes off overloaded nodes
//  5. stop processes nobody wants running
//  6. broadcast the resulting directives
func (m *Manager) schedule() {
	started := time.Now()
	m.schedulingNeeded = false

	nodes := m.sortedNodes(true)
	procs := m.sortedProcesses(false)

	for _, p := range procs {
		if !p.globalState.HasAssignment() {
			continue
		}
		if n, ok := m.nodes[p.assignedNode]; !ok || !n.isOnline {
			m.logger.Info("Assigned node offline, demoting process", "process", p.name, "node", p.assignedNode)
			m.demote(p)
		}
	}

	m.recomputeLoad()

	for _, p := range procs {
		if p.globalState != types.GlobalOffline || !p.requestedState {
			continue
		}
		n := findNodeForProcess(p, nodes)
		if n == nil {
			m.logger.Warn("No node available for process", "process", p.name)
			continue
		}
		p.assignedNode = n.id
		p.globalState = types.GlobalToBeStarted
		n.processCount++
	}

	for _, p := range procs {
		if p.globalState != types.GlobalOnline || !p.requestedState {
			continue
		}
		current, ok := m.nodes[p.assignedNode]
		if !ok {
			continue
		}
		better := findBetterNode(p, current, nodes)
		if better == nil || better.processCount > current.processCount-m.config.RebalanceThreshold {
			continue
		}
		m.logger.Info("Rebalancing process",
			"process", p.name,
			"from", current.id, "from_load", current.processCount,
			"to", better.id, "to_load", better.processCount)
		p.globalState = types.GlobalToBeStopped
		current.processCount--
		better.processCount++
	}

	for _, p := range procs {
		if p.globalState == types.GlobalOnline && !p.requestedState {
			p.globalState = types.GlobalToBeStopped
		}
	}

	now := m.clock.Now()
	for _, p := range procs {
		switch p.globalState {
		case types.GlobalToBeStarted:
			m.logger.Info("Directing process start", "process", p.name, "node", p.assignedNode)
			p.globalState = types.GlobalStarting
			p.changeRequested = now
			m.recorder.RecordDirective("start")
			m.broadcast(messages.ProcessStart{ProcessName: p.name, AssignedNode: p.assignedNode})
		case types.GlobalToBeStopped:
			m.logger.Info("Directing process stop", "process", p.name, "node", p.assignedNode)
			p.globalState = types.GlobalStopping
			p.changeRequested = now
			m.recorder.RecordDirective("stop")
			m.broadcast(messages.ProcessStop{ProcessName: p.name, AssignedNode: p.assignedNode})
		}
	}

	m.recordPlacement(procs)
	m.recorder.RecordSchedulingPass(time.Since(started).Seconds())
}

// recomputeLoad counts processes that are running or starting per node.
// Stopping processes no longer count against their node.
func (m *Manager) recomputeLoad() {
	for _, n := range m.nodes {
		n.processCount = 0
	}
	if self, ok := m.nodes[m.nodeID]; ok {
		self.processCount = m.config.SelfOverhead
	}
	for _, p := range m.processes {
		if p.isLocal {
			continue
		}
		if p.globalState != types.GlobalOnline && p.globalState != types.GlobalStarting {
			continue
		}
		if n, ok := m.nodes[p.assignedNode]; ok {
			n.processCount++
		}
	}
}

// findNodeForProcess picks the least loaded online node that did not fail p
// recently. If every candidate is penalized it falls back to the least
// loaded node that supports p. Ties go to the first node in id order.
func findNodeForProcess(p *processInfo, nodes []*nodeInfo) *nodeInfo {
	var best, fallback *nodeInfo
	for _, n := range nodes {
		if p.unsupportedNodes[n.id] {
			continue
		}
		if fallback == nil || n.processCount < fallback.processCount {
			fallback = n
		}
		if p.penalizedNodes[n.id] {
			continue
		}
		if best == nil || n.processCount < best.processCount {
			best = n
		}
	}
	if best != nil {
		return best
	}
	return fallback
}

// findBetterNode returns the least loaded eligible node other than current
// that is strictly less loaded, or nil.
func findBetterNode(p *processInfo, current *nodeInfo, nodes []*nodeInfo) *nodeInfo {
	var best *nodeInfo
	for _, n := range nodes {
		if n == current || p.unsupportedNodes[n.id] || p.penalizedNodes[n.id] {
			continue
		}
		if best == nil || n.processCount < best.processCount {
			best = n
		}
	}
	if best == nil || best.processCount >= current.processCount {
		return nil
	}
	return best
}

// demote returns p to Offline so the next pass places it again
func (m *Manager) demote(p *processInfo) {
	p.globalState = types.GlobalOffline
	p.assignedNode = ""
	p.changeRequested = time.Time{}
}

func (m *Manager) recordPlacement(procs []*processInfo) {
	counts := make(map[types.GlobalState]int, 6)
	for _, p := range procs {
		counts[p.globalState]++
	}
	m.recorder.SetGlobalProcesses(counts)
}

// onProcessChange folds a worker report into the leader's bookkeeping
func (m *Manager) onProcessChange(sender string, msg messages.ProcessChange) {
	if !m.isLeader {
		return
	}
	p, ok := m.processes[msg.ProcessName]
	if !ok || p.isLocal {
		return
	}

	assignedToSender := p.globalState.HasAssignment() && p.assignedNode == sender
	switch msg.NewState {
	case types.StateRunning:
		delete(p.penalizedNodes, sender)
		switch {
		case assignedToSender:
			if p.globalState == types.GlobalStarting {
				p.globalState = types.GlobalOnline
				m.logger.Info("Process online", "process", p.name, "node", sender)
			}
		case p.globalState == types.GlobalOffline && !p.unsupportedNodes[sender]:
			m.logger.Info("Adopting running process", "process", p.name, "node", sender)
			p.assignedNode = sender
			p.globalState = types.GlobalOnline
		case p.globalState.HasAssignment():
			m.logger.Warn("Process running on unassigned node, stopping it",
				"process", p.name, "node", sender, "assigned_node", p.assignedNode)
			m.recorder.RecordDirective("stop")
			m.broadcast(messages.ProcessStop{ProcessName: p.name, AssignedNode: sender})
		}
	case types.StateFaulted, types.StateConflicted:
		m.logger.Warn("Process failed on node", "process", p.name, "node", sender, "state", msg.NewState)
		p.penalizedNodes[sender] = true
		if assignedToSender {
			m.demote(p)
		}
	case types.StateUnsupported:
		m.logger.Warn("Process unsupported on node", "process", p.name, "node", sender)
		p.unsupportedNodes[sender] = true
		if assignedToSender {
			m.demote(p)
		}
	case types.StateInactive:
		if assignedToSender && (p.globalState == types.GlobalStopping || p.globalState == types.GlobalOnline) {
			m.demote(p)
		}
	default:
		return
	}
	m.requestSchedule()
}

// onProcessRequest records whether a global process should run at all
func (m *Manager) onProcessRequest(msg messages.ProcessRequest) {
	p, ok := m.processes[msg.ProcessName]
	if !ok || p.isLocal {
		return
	}
	if p.requestedState != msg.ShouldBeOnline {
		m.logger.Info("Process request", "process", p.name, "online", msg.ShouldBeOnline)
	}
	p.requestedState = msg.ShouldBeOnline
	m.requestSchedule()
}
