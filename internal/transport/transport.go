// Package transport implements the fleet-wide, best-effort publish/subscribe
// channel the control plane talks over.
//
// Every implementation delivers a broadcast to all subscribed nodes,
// including the sender, at most once and without blocking the caller.
// Messages from one sender are delivered in the order they were broadcast.
package transport

import (
	"context"
	"errors"

	"github.com/ChuLiYu/procmesh/internal/messages"
)

var (
	// ErrClosed is returned when broadcasting on a closed transport
	ErrClosed = errors.New("transport: closed")
)

// Handler receives inbound envelopes. It must not block.
type Handler func(env messages.Envelope)

// Transport is the fleet transport contract.
type Transport interface {
	// Broadcast queues env for delivery to every node. It never waits on the network.
	Broadcast(ctx context.Context, env messages.Envelope) error

	// Subscribe installs the inbound handler. Envelopes received before
	// Subscribe is called are dropped.
	Subscribe(h Handler)

	// Close stops delivery in both directions.
	Close() error
}
