package cluster

import "github.com/ChuLiYu/procmesh/pkg/types"

// Recorder receives control-plane metrics. *metrics.Collector implements it.
type Recorder interface {
	RecordElectionStarted()
	SetLeader(leader bool)
	RecordSchedulingPass(seconds float64)
	RecordDirective(kind string)
	RecordLocalRestart(process string)
	RecordDroppedMessage()
	SetNodesOnline(n int)
	SetGlobalProcesses(counts map[types.GlobalState]int)
}

type nopRecorder struct{}

func (nopRecorder) RecordElectionStarted()                       {}
func (nopRecorder) SetLeader(bool)                               {}
func (nopRecorder) RecordSchedulingPass(float64)                 {}
func (nopRecorder) RecordDirective(string)                       {}
func (nopRecorder) RecordLocalRestart(string)                    {}
func (nopRecorder) RecordDroppedMessage()                        {}
func (nopRecorder) SetNodesOnline(int)                           {}
func (nopRecorder) SetGlobalProcesses(map[types.GlobalState]int) {}
