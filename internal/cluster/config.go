package cluster

import "time"

// Config holds the timing and placement parameters of a Manager.
// Zero values fall back to the defaults below.
type Config struct {
	NodeID string

	ElectionTimeout   time.Duration // how long a candidate waits before claiming leadership
	HeartbeatInterval time.Duration // maximum silence between two broadcasts of a node
	TickInterval      time.Duration // heartbeat timer period
	NodeTimeout       time.Duration // silence after which a node is considered offline
	TransitionTimeout time.Duration // start/stop directives not acknowledged within this are reverted
	LocalRestartDelay time.Duration // backoff before a faulted local process is restarted
	StopWaitTimeout   time.Duration // ceiling of WaitForStop

	RebalanceThreshold int // minimum load gap before a running process is migrated, at least 2
	SelfOverhead       int // load the manager itself adds to its own node
	InboxSize          int // capacity of the dispatch queue
}

const (
	DefaultElectionTimeout    = 5 * time.Second
	DefaultHeartbeatInterval  = 3 * time.Second
	DefaultTickInterval       = 2 * time.Second
	DefaultNodeTimeout        = 15 * time.Second
	DefaultTransitionTimeout  = 15 * time.Second
	DefaultLocalRestartDelay  = 10 * time.Second
	DefaultStopWaitTimeout    = 5 * time.Second
	DefaultRebalanceThreshold = 2
	DefaultSelfOverhead       = 1
	DefaultInboxSize          = 1024
)

func (c Config) withDefaults() Config {
	if c.ElectionTimeout <= 0 {
		c.ElectionTimeout = DefaultElectionTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.NodeTimeout <= 0 {
		c.NodeTimeout = DefaultNodeTimeout
	}
	if c.TransitionTimeout <= 0 {
		c.TransitionTimeout = DefaultTransitionTimeout
	}
	if c.LocalRestartDelay <= 0 {
		c.LocalRestartDelay = DefaultLocalRestartDelay
	}
	if c.StopWaitTimeout <= 0 {
		c.StopWaitTimeout = DefaultStopWaitTimeout
	}
	// a gap of 1 would move the process back on the next pass
	if c.RebalanceThreshold < DefaultRebalanceThreshold {
		c.RebalanceThreshold = DefaultRebalanceThreshold
	}
	if c.SelfOverhead < 0 {
		c.SelfOverhead = 0
	} else if c.SelfOverhead == 0 {
		c.SelfOverhead = DefaultSelfOverhead
	}
	if c.InboxSize <= 0 {
		c.InboxSize = DefaultInboxSize
	}
	return c
}
