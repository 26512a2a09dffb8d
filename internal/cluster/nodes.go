package cluster

import (
	"sort"
	"time"

	"github.com/ChuLiYu/procmesh/internal/messages"
)

// nodeInfo is the registry entry of one known node. Entries are never
// removed, only marked offline.
type nodeInfo struct {
	id            string
	isOnline      bool
	lastHeartbeat time.Time
	processCount  int // recomputed by every scheduling pass
}

func (m *Manager) getOrCreateNode(id string) *nodeInfo {
	n, ok := m.nodes[id]
	if !ok {
		n = &nodeInfo{id: id}
		m.nodes[id] = n
	}
	return n
}

// markOnline refreshes the heartbeat of id. A node coming (back) online
// raises the scheduling flag, and a leader re-announces itself to it.
func (m *Manager) markOnline(id string, now time.Time) {
	n := m.getOrCreateNode(id)
	n.lastHeartbeat = now
	if n.isOnline {
		return
	}

	n.isOnline = true
	m.schedulingNeeded = true
	m.recorder.SetNodesOnline(m.countOnline())
	if id == m.nodeID {
		return
	}

	m.logger.Info("Node online", "peer", id)
	if m.isLeader && !m.shuttingDown {
		m.broadcast(messages.ElectionsLeader{ElectionsID: m.electionsID})
	}
}

// markOffline reports whether the node was online before
func (m *Manager) markOffline(id string) bool {
	n := m.getOrCreateNode(id)
	if !n.isOnline {
		return false
	}

	n.isOnline = false
	m.logger.Info("Node offline", "peer", id, "last_heartbeat", n.lastHeartbeat)
	m.recorder.SetNodesOnline(m.countOnline())
	m.requestSchedule()
	return true
}

func (m *Manager) countOnline() int {
	count := 0
	for _, n := range m.nodes {
		if n.isOnline {
			count++
		}
	}
	return count
}

// sortedNodes returns known nodes ordered by id, optionally only online ones
func (m *Manager) sortedNodes(onlineOnly bool) []*nodeInfo {
	out := make([]*nodeInfo, 0, len(m.nodes))
	for _, n := range m.nodes {
		if onlineOnly && !n.isOnline {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// hasLiveLeader reports whether this node knows a leader it still hears from
func (m *Manager) hasLiveLeader() bool {
	if m.isLeader {
		return true
	}
	if m.leaderID == "" {
		return false
	}
	n, ok := m.nodes[m.leaderID]
	return ok && n.isOnline
}
