package cluster

import (
	"testing"
	"time"

	"github.com/ChuLiYu/procmesh/internal/messages"
	"github.com/ChuLiYu/procmesh/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func settledWithOrders(t *testing.T) *testCluster {
	t.Helper()
	c := newTestCluster(t, "a", "b", "c")
	c.registerGlobal([]string{"orders"})
	c.start()
	c.run(8 * time.Second)
	require.Equal(t, "a", c.leaderProcess("c", "orders").AssignedNode)
	require.Equal(t, types.StateRunning, c.worker("a", "orders").State())
	return c
}

func TestDirectives_IgnoredFromNonLeader(t *testing.T) {
	c := settledWithOrders(t)

	c.inject("b", "a", messages.ProcessStart{ProcessName: "orders", AssignedNode: "b"})
	c.inject("a", "b", messages.ProcessStop{ProcessName: "orders", AssignedNode: "a"})
	c.drain()

	starts, _, _ := c.worker("b", "orders").counts()
	assert.Zero(t, starts)
	_, pauses, stops := c.worker("a", "orders").counts()
	assert.Zero(t, pauses+stops)
	assert.Equal(t, types.StateRunning, c.worker("a", "orders").State())
}

func TestDirectives_StartWhenAlreadyRunningReReports(t *testing.T) {
	c := settledWithOrders(t)
	c.wire.reset()

	c.inject("a", "c", messages.ProcessStart{ProcessName: "orders", AssignedNode: "a"})
	c.drain()

	starts, _, _ := c.worker("a", "orders").counts()
	assert.Equal(t, 1, starts, "not started twice")
	assert.Equal(t, 1, c.wire.count("a", messages.KindProcessChange))
	assert.Equal(t, types.GlobalOnline, c.leaderProcess("c", "orders").GlobalState)
}

func TestDirectives_StartElsewhereStopsLocalCopy(t *testing.T) {
	c := settledWithOrders(t)
	c.hub.Isolate("a", true)

	c.inject("a", "c", messages.ProcessStart{ProcessName: "orders", AssignedNode: "b"})
	c.drain()

	_, pauses, _ := c.worker("a", "orders").counts()
	assert.Equal(t, 1, pauses)
	assert.Equal(t, types.StateInactive, c.worker("a", "orders").State())

	p := c.leaderProcess("a", "orders")
	assert.False(t, p.IsAssignedHere)
	assert.Equal(t, "b", p.AssignedNode)
}

func TestDirectives_UnknownProcessReportedUnsupported(t *testing.T) {
	c := settledWithOrders(t)
	c.wire.reset()

	c.inject("b", "c", messages.ProcessStart{ProcessName: "ghost", AssignedNode: "b"})
	c.drain()

	assert.Equal(t, 1, c.wire.count("b", messages.KindProcessChange))
}

func TestDirectives_StopOfIdleProcessReportsInactive(t *testing.T) {
	c := settledWithOrders(t)
	c.wire.reset()

	c.inject("b", "c", messages.ProcessStop{ProcessName: "orders", AssignedNode: "b"})
	c.drain()

	assert.Equal(t, 1, c.wire.count("b", messages.KindProcessChange))
	_, pauses, stops := c.worker("b", "orders").counts()
	assert.Zero(t, pauses+stops)
}

func TestDirectives_StopWhileStartingIsImmediate(t *testing.T) {
	c := newTestCluster(t, "a", "b", "c")
	c.registerGlobal([]string{"orders"})
	c.worker("a", "orders").holdStart = true
	c.start()
	c.run(6 * time.Second)
	require.Equal(t, types.StateStarting, c.worker("a", "orders").State())

	c.inject("a", "c", messages.ProcessStop{ProcessName: "orders", AssignedNode: "a"})
	c.drain()

	_, pauses, stops := c.worker("a", "orders").counts()
	assert.Zero(t, pauses)
	assert.Equal(t, 1, stops)
}

func TestDirectives_DuplicateRunningCopyStopped(t *testing.T) {
	c := settledWithOrders(t)

	// b claims to run orders although the leader placed it on a
	c.worker("b", "orders").Start()
	c.run(time.Second)

	assert.Equal(t, []string{"b"}, c.wire.stops("orders"))
	assert.Equal(t, types.StateInactive, c.worker("b", "orders").State())
	assert.Equal(t, types.StateRunning, c.worker("a", "orders").State())
	assert.Equal(t, "a", c.leaderProcess("c", "orders").AssignedNode)
}
