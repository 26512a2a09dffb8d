package cluster

import (
	"github.com/ChuLiYu/procmesh/internal/messages"
	"github.com/ChuLiYu/procmesh/pkg/types"
)

// onHeartbeatTick runs every TickInterval: keep-alive, failure detection,
// stuck transitions and leaderless recovery. It re-arms itself.
func (m *Manager) onHeartbeatTick() {
	if m.shuttingDown {
		return
	}
	now := m.clock.Now()

	// the next tick would be too late to stay within HeartbeatInterval
	if now.Sub(m.lastBroadcast)+m.config.TickInterval > m.config.HeartbeatInterval {
		m.broadcast(messages.Heartbeat{})
	}

	lostLeader := false
	for _, n := range m.sortedNodes(true) {
		if n.id == m.nodeID || now.Sub(n.lastHeartbeat) <= m.config.NodeTimeout {
			continue
		}
		if m.markOffline(n.id) && n.id == m.leaderID {
			lostLeader = true
		}
	}
	if lostLeader {
		m.logger.Warn("Leader timed out", "leader", m.leaderID)
	}

	if m.isLeader {
		m.revertStuckTransitions()
		if m.schedulingNeeded {
			m.schedule()
		}
	} else if !m.hasLiveLeader() && !m.electionInProgress() {
		m.startElections(false)
	}

	m.after(m.config.TickInterval, messages.HeartbeatTick{})
}

// revertStuckTransitions treats directives that were never acknowledged as
// failed, so the process gets placed again.
func (m *Manager) revertStuckTransitions() {
	now := m.clock.Now()
	for _, p := range m.sortedProcesses(false) {
		if p.globalState != types.GlobalStarting && p.globalState != types.GlobalStopping {
			continue
		}
		if now.Sub(p.changeRequested) <= m.config.TransitionTimeout {
			continue
		}
		m.logger.Warn("Process transition timed out",
			"process", p.name,
			"global_state", p.globalState,
			"assigned_node", p.assignedNode)
		m.demote(p)
		m.requestSchedule()
	}
}

func (m *Manager) onHeartStopped(sender string) {
	if sender == m.nodeID {
		return
	}
	m.logger.Info("Peer left the cluster", "peer", sender)
	m.markOffline(sender)

	if sender == m.leaderID && !m.isLeader && !m.electionInProgress() && !m.shuttingDown {
		m.startElections(false)
	}
}

// onConnectionRestored re-announces this node after its transport recovered
func (m *Manager) onConnectionRestored() {
	if m.shuttingDown {
		return
	}
	m.logger.Info("Connection restored")
	m.broadcast(messages.Heartbeat{})
	if !m.hasLiveLeader() && !m.electionInProgress() {
		m.startElections(false)
	}
}
