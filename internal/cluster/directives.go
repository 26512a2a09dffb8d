package cluster

import (
	"github.com/ChuLiYu/procmesh/internal/messages"
	"github.com/ChuLiYu/procmesh/pkg/types"
)

// Directives are honoured only from the current leader. Every node tracks
// where each global process was sent; only the target acts on its worker.

func (m *Manager) onProcessStart(sender string, msg messages.ProcessStart) {
	if sender != m.leaderID {
		m.logger.Debug("Ignoring start from non-leader", "sender", sender, "leader", m.leaderID, "process", msg.ProcessName)
		return
	}
	p, ok := m.processes[msg.ProcessName]

	if msg.AssignedNode != m.nodeID {
		if !ok || p.isLocal {
			return
		}
		if p.isAssignedHere {
			m.logger.Info("Process moved to another node, stopping", "process", p.name, "node", msg.AssignedNode)
			p.isAssignedHere = false
			stopWorker(p.worker)
		}
		m.trackDirective(p, msg.AssignedNode, types.GlobalStarting)
		return
	}

	if !ok || p.isLocal {
		m.logger.Warn("Asked to start unknown process", "process", msg.ProcessName)
		m.broadcast(messages.ProcessChange{ProcessName: msg.ProcessName, NewState: types.StateUnsupported})
		return
	}
	if m.shuttingDown {
		return
	}

	p.isAssignedHere = true
	m.trackDirective(p, m.nodeID, types.GlobalStarting)

	if state := p.worker.State(); state.IsActive() {
		m.broadcast(messages.ProcessChange{ProcessName: p.name, NewState: state})
		return
	}
	m.logger.Info("Starting process", "process", p.name)
	p.worker.Start()
}

func (m *Manager) onProcessStop(sender string, msg messages.ProcessStop) {
	if sender != m.leaderID {
		m.logger.Debug("Ignoring stop from non-leader", "sender", sender, "leader", m.leaderID, "process", msg.ProcessName)
		return
	}
	p, ok := m.processes[msg.ProcessName]
	if !ok || p.isLocal {
		return
	}

	if msg.AssignedNode == p.assignedNode {
		m.trackDirective(p, msg.AssignedNode, types.GlobalStopping)
	}
	if msg.AssignedNode != m.nodeID {
		return
	}

	p.isAssignedHere = false
	m.logger.Info("Stopping process", "process", p.name)
	if !stopWorker(p.worker) {
		m.broadcast(messages.ProcessChange{ProcessName: p.name, NewState: types.StateInactive})
	}
}

// trackDirective mirrors the leader's placement on followers. The leader's
// own bookkeeping is authoritative and is not overwritten by echoes.
func (m *Manager) trackDirective(p *processInfo, node string, state types.GlobalState) {
	if m.isLeader {
		return
	}
	p.assignedNode = node
	p.globalState = state
	p.changeRequested = m.clock.Now()
}
