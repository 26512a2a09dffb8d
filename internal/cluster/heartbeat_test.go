package cluster

import (
	"testing"
	"time"

	"github.com/ChuLiYu/procmesh/internal/messages"
	"github.com/ChuLiYu/procmesh/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nodeOnline(m *Manager, id string) bool {
	for _, n := range m.GetGlobalInfo().Nodes {
		if n.NodeID == id {
			return n.IsOnline
		}
	}
	return false
}

func TestHeartbeat_SilentNodeMarkedOffline(t *testing.T) {
	c := newTestCluster(t, "a", "b", "c")
	c.start()
	c.run(8 * time.Second)
	require.True(t, nodeOnline(c.node("c"), "a"))

	c.hub.Isolate("a", true)
	c.run(14 * time.Second)
	assert.True(t, nodeOnline(c.node("c"), "a"), "still within the node timeout")

	c.run(4 * time.Second)
	assert.False(t, nodeOnline(c.node("c"), "a"))
	assert.False(t, nodeOnline(c.node("b"), "a"))
	assert.True(t, nodeOnline(c.node("c"), "b"))
}

func TestHeartbeat_SilentLeaderReplaced(t *testing.T) {
	c := newTestCluster(t, "a", "b", "c")
	c.start()
	c.run(6 * time.Second)
	require.Equal(t, []string{"c"}, c.leaders())

	c.hub.Isolate("c", true)
	c.run(16 * time.Second)
	assert.False(t, nodeOnline(c.node("a"), "c"), "followers noticed the silence")

	c.run(8 * time.Second)
	assert.Equal(t, "b", c.node("a").GetGlobalInfo().LeaderID)
	assert.True(t, c.node("b").GetGlobalInfo().IsLeader)
}

func TestHeartbeat_PartitionHealsToGreatestNode(t *testing.T) {
	c := newTestCluster(t, "a", "b", "c")
	c.start()
	c.run(6 * time.Second)

	c.hub.Isolate("c", true)
	c.run(25 * time.Second)
	require.True(t, c.node("b").GetGlobalInfo().IsLeader)

	c.hub.Isolate("c", false)
	c.run(12 * time.Second)

	assert.Equal(t, []string{"c"}, c.leaders())
	for _, id := range []string{"a", "b"} {
		assert.Equal(t, "c", c.node(id).GetGlobalInfo().LeaderID, "node %s", id)
	}
}

func TestHeartbeat_BroadcastsAtLeastEveryInterval(t *testing.T) {
	c := newTestCluster(t, "a", "b")
	c.start()
	c.run(6 * time.Second)

	c.wire.reset()
	c.run(12 * time.Second)

	// ticks every 2s, nothing else is broadcast once the cluster is settled
	assert.GreaterOrEqual(t, c.wire.count("a", messages.KindHeartbeat), 5)
	assert.GreaterOrEqual(t, c.wire.count("b", messages.KindHeartbeat), 5)
}

func TestHeartbeat_HeartStoppedMarksOfflineImmediately(t *testing.T) {
	c := newTestCluster(t, "a", "b", "c")
	c.start()
	c.run(6 * time.Second)

	require.NoError(t, c.node("a").Stop())
	c.drain()

	assert.False(t, nodeOnline(c.node("b"), "a"))
	assert.False(t, nodeOnline(c.node("c"), "a"))
	assert.Equal(t, []string{"c"}, c.leaders(), "a follower leaving does not disturb the leader")
}

func TestHeartbeat_ConnectionRestored(t *testing.T) {
	c := newTestCluster(t, "a", "b")
	c.start()
	c.run(6 * time.Second)

	c.wire.reset()
	c.inject("a", "a", messages.ConnectionRestored{})
	c.drain()

	assert.Equal(t, 1, c.wire.count("a", messages.KindHeartbeat), "a re-announces itself")
	assert.Zero(t, c.wire.count("a", messages.KindElectionsInquiry), "the leader is still alive")
}

func TestHeartbeat_ConnectionRestoredWithoutLeaderStartsElection(t *testing.T) {
	c := newTestCluster(t, "a", "b")
	c.start()
	c.run(6 * time.Second)
	require.Equal(t, "b", c.node("a").GetGlobalInfo().LeaderID)

	// a lost sight of b and its leader without being in an election
	c.hub.Isolate("b", true)
	a := c.node("a")
	a.mu.Lock()
	a.markOffline("b")
	a.mu.Unlock()
	require.Equal(t, types.ElectionsNone, a.GetGlobalInfo().ElectionsState)

	c.wire.reset()
	c.inject("a", "a", messages.ConnectionRestored{})
	c.drain()

	assert.Equal(t, 1, c.wire.count("a", messages.KindHeartbeat))
	assert.Equal(t, 1, c.wire.count("a", messages.KindElectionsInquiry))
}
