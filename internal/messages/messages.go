package messages

import (
	"github.com/ChuLiYu/procmesh/pkg/types"
)

// Kind identifies the type of a control-plane message
type Kind string

// Wire kinds travel over the fleet transport.
const (
	KindElectionsInquiry   Kind = "ELECTIONS_INQUIRY"
	KindElectionsCandidate Kind = "ELECTIONS_CANDIDATE"
	KindElectionsLeader    Kind = "ELECTIONS_LEADER"
	KindHeartbeat          Kind = "HEARTBEAT"
	KindHeartStopped       Kind = "HEART_STOPPED"
	KindProcessStart       Kind = "PROCESS_START"
	KindProcessStop        Kind = "PROCESS_STOP"
	KindProcessChange      Kind = "PROCESS_CHANGE"
	KindProcessRequest     Kind = "PROCESS_REQUEST"
	KindConnectionRestored Kind = "CONNECTION_RESTORED"
)

// Local kinds are only ever posted to the node's own inbox.
const (
	KindElectionsTimer     Kind = "ELECTIONS_TIMER"
	KindHeartbeatTick      Kind = "HEARTBEAT_TICK"
	KindProcessSchedule    Kind = "PROCESS_SCHEDULE"
	KindSystemInit         Kind = "SYSTEM_INIT"
	KindSystemShutdown     Kind = "SYSTEM_SHUTDOWN"
	KindWorkerStateChanged Kind = "WORKER_STATE_CHANGED"
	KindLocalRestart       Kind = "LOCAL_RESTART"
)

// Message is implemented by every control-plane message.
type Message interface {
	Kind() Kind
}

// Envelope carries a message together with the id of the node that sent it.
type Envelope struct {
	SenderID string
	Message  Message
}

// ElectionsInquiry opens an election epoch.
type ElectionsInquiry struct {
	ElectionsID       string `json:"elections_id" msgpack:"elections_id"`
	ForfitCandidature bool   `json:"forfit_candidature" msgpack:"forfit_candidature"`
}

// ElectionsCandidate announces that the sender would beat the inquirer.
type ElectionsCandidate struct {
	ElectionsID string `json:"elections_id" msgpack:"elections_id"`
}

// ElectionsLeader claims leadership for an epoch.
type ElectionsLeader struct {
	ElectionsID string `json:"elections_id" msgpack:"elections_id"`
}

// Heartbeat proves liveness of the sender.
type Heartbeat struct{}

// HeartStopped announces a clean shutdown of the sender.
type HeartStopped struct{}

// ProcessStart directs AssignedNode to run ProcessName.
type ProcessStart struct {
	ProcessName  string `json:"process_name" msgpack:"process_name"`
	AssignedNode string `json:"assigned_node" msgpack:"assigned_node"`
}

// ProcessStop directs AssignedNode to stop ProcessName.
type ProcessStop struct {
	ProcessName  string `json:"process_name" msgpack:"process_name"`
	AssignedNode string `json:"assigned_node" msgpack:"assigned_node"`
}

// ProcessChange reports a worker state change on the sender.
type ProcessChange struct {
	ProcessName string             `json:"process_name" msgpack:"process_name"`
	NewState    types.ProcessState `json:"new_state" msgpack:"new_state"`
}

// ProcessRequest asks the fleet to run (or stop running) a global process.
type ProcessRequest struct {
	ProcessName    string `json:"process_name" msgpack:"process_name"`
	ShouldBeOnline bool   `json:"should_be_online" msgpack:"should_be_online"`
}

// ConnectionRestored is raised by a transport after a broken link recovers.
type ConnectionRestored struct{}

// ElectionsTimer fires ElectionTimeout after this node became a candidate.
type ElectionsTimer struct {
	ElectionsID string
}

// HeartbeatTick drives heartbeats and failure detection.
type HeartbeatTick struct{}

// ProcessSchedule asks the leader to run a scheduling pass.
type ProcessSchedule struct{}

// SystemInit starts local processes and the first election.
type SystemInit struct{}

// SystemShutdown begins the shutdown sequence.
type SystemShutdown struct{}

// WorkerStateChanged routes a worker callback into the dispatch loop.
type WorkerStateChanged struct {
	ProcessName string
	NewState    types.ProcessState
}

// LocalRestart restarts a local process after a fault.
type LocalRestart struct {
	ProcessName string
}

func (ElectionsInquiry) Kind() Kind   { return KindElectionsInquiry }
func (ElectionsCandidate) Kind() Kind { return KindElectionsCandidate }
func (ElectionsLeader) Kind() Kind    { return KindElectionsLeader }
func (Heartbeat) Kind() Kind          { return KindHeartbeat }
func (HeartStopped) Kind() Kind       { return KindHeartStopped }
func (ProcessStart) Kind() Kind       { return KindProcessStart }
func (ProcessStop) Kind() Kind        { return KindProcessStop }
func (ProcessChange) Kind() Kind      { return KindProcessChange }
func (ProcessRequest) Kind() Kind     { return KindProcessRequest }
func (ConnectionRestored) Kind() Kind { return KindConnectionRestored }
func (ElectionsTimer) Kind() Kind     { return KindElectionsTimer }
func (HeartbeatTick) Kind() Kind      { return KindHeartbeatTick }
func (ProcessSchedule) Kind() Kind    { return KindProcessSchedule }
func (SystemInit) Kind() Kind         { return KindSystemInit }
func (SystemShutdown) Kind() Kind     { return KindSystemShutdown }
func (WorkerStateChanged) Kind() Kind { return KindWorkerStateChanged }
func (LocalRestart) Kind() Kind       { return KindLocalRestart }
