// Package types defines the core domain model shared by the procmesh control plane.
package types

import (
	"time"
)

// ProcessState is the observable state of a process worker.
type ProcessState string

// Worker states reported through the ProcessWorker state-change callback.
const (
	StateUninitialized ProcessState = "uninitialized" // Init has not been called yet
	StateInactive      ProcessState = "inactive"      // initialized, not running
	StateStarting      ProcessState = "starting"      // Start requested, not yet running
	StateRunning       ProcessState = "running"       // doing work
	StatePausing       ProcessState = "pausing"       // graceful stop in progress
	StateStopping      ProcessState = "stopping"      // immediate stop in progress
	StateFaulted       ProcessState = "faulted"       // crashed, may be restarted
	StateConflicted    ProcessState = "conflicted"    // lost ownership of its resource to another instance
	StateUnsupported   ProcessState = "unsupported"   // cannot run on this node at all
)

// IsActive reports whether the worker is running or about to run.
func (s ProcessState) IsActive() bool {
	return s == StateStarting || s == StateRunning
}

// IsStopped reports whether the worker has settled in a non-running state.
func (s ProcessState) IsStopped() bool {
	switch s {
	case StateUninitialized, StateInactive, StateFaulted, StateConflicted, StateUnsupported:
		return true
	default:
		return false
	}
}

// ProcessWorker is the contract every managed process implements.
//
// Start, Pause and Stop must be safe to call repeatedly, and the callback
// passed to Init may be invoked from any goroutine.
type ProcessWorker interface {
	Init(onStateChanged func(ProcessState))
	Start()
	Pause()
	Stop()
	State() ProcessState
}

// GlobalState is the leader's view of where a global process is in its
// placement lifecycle.
type GlobalState string

const (
	GlobalOffline     GlobalState = "offline"
	GlobalToBeStarted GlobalState = "to_be_started"
	GlobalStarting    GlobalState = "starting"
	GlobalOnline      GlobalState = "online"
	GlobalToBeStopped GlobalState = "to_be_stopped"
	GlobalStopping    GlobalState = "stopping"
)

// HasAssignment reports whether a process in this state must carry an
// assigned node.
func (s GlobalState) HasAssignment() bool {
	return s != GlobalOffline && s != ""
}

// ElectionsState is the local position of a node in the current election epoch.
type ElectionsState string

const (
	ElectionsNone    ElectionsState = "none"
	ElectionsLosing  ElectionsState = "losing"
	ElectionsWinning ElectionsState = "winning"
)

// LocalProcessInfo describes a process pinned to the reporting node.
type LocalProcessInfo struct {
	Name  string       `json:"name"`
	State ProcessState `json:"state"`
}

// NodeStatus is a point-in-time view of one known node.
type NodeStatus struct {
	NodeID        string    `json:"node_id"`
	IsOnline      bool      `json:"is_online"`
	IsLeader      bool      `json:"is_leader"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	ProcessCount  int       `json:"process_count"`
}

// GlobalProcessInfo is the placement bookkeeping of one global process as
// seen by the reporting node.
type GlobalProcessInfo struct {
	Name             string       `json:"name"`
	State            ProcessState `json:"state"`            // local worker state on the reporting node
	GlobalState      GlobalState  `json:"global_state"`     // placement state
	AssignedNode     string       `json:"assigned_node,omitempty"`
	IsAssignedHere   bool         `json:"is_assigned_here"`
	RequestedState   bool         `json:"requested_state"`
	PenalizedNodes   []string     `json:"penalized_nodes,omitempty"`
	UnsupportedNodes []string     `json:"unsupported_nodes,omitempty"`
	ProcessingCost   int          `json:"processing_cost"`
	TransitionCost   int          `json:"transition_cost"`
	ChangeRequested  *time.Time   `json:"change_requested,omitempty"`
}

// GlobalInfo is the cluster view of the reporting node.
type GlobalInfo struct {
	NodeID         string         `json:"node_id"`
	LeaderID       string         `json:"leader_id,omitempty"`
	IsLeader       bool           `json:"is_leader"`
	ElectionsID    string         `json:"elections_id,omitempty"`
	ElectionsState ElectionsState `json:"elections_state"`
	ShuttingDown   bool           `json:"shutting_down"`
	Nodes          []NodeStatus   `json:"nodes"`
}
