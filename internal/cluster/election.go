package cluster

import (
	"time"

	"github.com/ChuLiYu/procmesh/internal/messages"
	"github.com/ChuLiYu/procmesh/pkg/types"
	"github.com/google/uuid"
)

// Bully election keyed on node id: the greater id wins.
//
//   inquiry   -> every node that would beat the inquirer answers with a
//                candidacy and arms its own timer
//   candidacy -> nodes with a smaller id fall silent (Losing)
//   timer     -> a node still Winning for the same epoch claims leadership
//   leader    -> smaller nodes accept, a greater node disputes by starting
//                a new election, the claimant becomes leader

func (m *Manager) setElectionsState(state types.ElectionsState) {
	if m.electionsState != state {
		m.electionsChanged = m.clock.Now()
	}
	m.electionsState = state
}

// joinEpoch switches to electionsID. The epoch age restarts even when the
// state value stays the same.
func (m *Manager) joinEpoch(electionsID string, state types.ElectionsState) {
	m.electionsID = electionsID
	m.electionsState = state
	m.electionsChanged = m.clock.Now()
}

// electionInProgress reports whether this node is part of an unresolved
// epoch. Epochs that never produced a leader expire after two timeouts.
func (m *Manager) electionInProgress() bool {
	if m.electionsState == types.ElectionsNone {
		return false
	}
	return m.clock.Now().Sub(m.electionsChanged) < 2*m.config.ElectionTimeout
}

// startElections opens a new epoch. A forfeiting node only asks the others
// to elect someone and never claims leadership itself.
func (m *Manager) startElections(forfeit bool) {
	state := types.ElectionsWinning
	if forfeit {
		state = types.ElectionsNone
	}
	m.joinEpoch(uuid.NewString(), state)
	m.recorder.RecordElectionStarted()
	m.logger.Info("Starting elections", "elections_id", m.electionsID, "forfeit", forfeit)

	m.broadcast(messages.ElectionsInquiry{ElectionsID: m.electionsID, ForfitCandidature: forfeit})
	if forfeit {
		return
	}
	m.after(m.config.ElectionTimeout, messages.ElectionsTimer{ElectionsID: m.electionsID})
}

func (m *Manager) onElectionsInquiry(sender string, msg messages.ElectionsInquiry) {
	if sender == m.nodeID {
		return
	}

	if m.isLeader && (sender <= m.nodeID || msg.ForfitCandidature) {
		m.logger.Debug("Reasserting leadership", "inquirer", sender)
		m.broadcast(messages.ElectionsLeader{ElectionsID: msg.ElectionsID})
		return
	}

	if sender < m.nodeID || msg.ForfitCandidature {
		if m.shuttingDown {
			return
		}
		m.joinEpoch(msg.ElectionsID, types.ElectionsWinning)
		m.broadcast(messages.ElectionsCandidate{ElectionsID: msg.ElectionsID})
		m.after(m.config.ElectionTimeout, messages.ElectionsTimer{ElectionsID: msg.ElectionsID})
		return
	}

	// a greater node is running for leader
	m.setElectionsState(types.ElectionsLosing)
}

func (m *Manager) onElectionsCandidate(sender string, msg messages.ElectionsCandidate) {
	if sender > m.nodeID {
		m.logger.Debug("Conceding", "candidate", sender, "elections_id", msg.ElectionsID)
		m.setElectionsState(types.ElectionsLosing)
	}
}

func (m *Manager) onElectionsTimer(msg messages.ElectionsTimer) {
	if msg.ElectionsID != m.electionsID || m.electionsState != types.ElectionsWinning {
		return
	}
	if m.shuttingDown {
		return
	}
	m.logger.Info("Claiming leadership", "elections_id", msg.ElectionsID)
	m.broadcast(messages.ElectionsLeader{ElectionsID: msg.ElectionsID})
}

func (m *Manager) onElectionsLeader(sender string, msg messages.ElectionsLeader) {
	switch {
	case sender < m.nodeID:
		if m.shuttingDown {
			return
		}
		m.logger.Info("Disputing leadership claim", "claimant", sender)
		m.startElections(false)
	case sender == m.nodeID:
		m.becomeLeader(msg.ElectionsID)
	default:
		m.acceptLeader(sender, msg.ElectionsID)
	}
}

// becomeLeader takes over placement. A node that was not leader before
// forgets all placement bookkeeping and rebuilds it from reports.
func (m *Manager) becomeLeader(electionsID string) {
	m.electionsID = electionsID
	m.setElectionsState(types.ElectionsNone)
	m.leaderID = m.nodeID

	if !m.isLeader {
		m.isLeader = true
		m.recorder.SetLeader(true)
		m.logger.Info("Became leader", "elections_id", electionsID)

		for _, p := range m.processes {
			if p.isLocal {
				continue
			}
			p.globalState = types.GlobalOffline
			p.assignedNode = ""
			p.changeRequested = time.Time{}
			clear(p.penalizedNodes)
			clear(p.unsupportedNodes)

			// keep what already runs here instead of moving it
			switch p.worker.State() {
			case types.StateRunning:
				p.assignedNode = m.nodeID
				p.globalState = types.GlobalOnline
			case types.StateStarting:
				p.assignedNode = m.nodeID
				p.globalState = types.GlobalStarting
				p.changeRequested = m.clock.Now()
			}
		}
	}
	m.requestSchedule()
}

func (m *Manager) acceptLeader(leaderID, electionsID string) {
	if m.isLeader {
		m.logger.Info("Stepping down", "new_leader", leaderID)
		m.isLeader = false
		m.recorder.SetLeader(false)
	}
	changed := m.leaderID != leaderID
	m.leaderID = leaderID
	m.electionsID = electionsID
	m.setElectionsState(types.ElectionsNone)

	if changed {
		m.logger.Info("Leader accepted", "leader", leaderID, "elections_id", electionsID)
		m.reportAssigned()
	}
}

// reportAssigned tells a new leader which global processes run here
func (m *Manager) reportAssigned() {
	for _, p := range m.sortedProcesses(false) {
		if !p.isAssignedHere {
			continue
		}
		if state := p.worker.State(); state.IsActive() {
			m.broadcast(messages.ProcessChange{ProcessName: p.name, NewState: state})
		}
	}
}
