package transport

import (
	"context"
	"sync"

	"github.com/ChuLiYu/procmesh/internal/messages"
)

// Hub is an in-process fleet. Each joined node gets an endpoint; a broadcast
// from any endpoint is delivered synchronously to every endpoint that can
// currently hear the sender.
type Hub struct {
	mu        sync.RWMutex
	endpoints []*HubEndpoint
	isolated  map[string]bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{isolated: make(map[string]bool)}
}

// Join adds a node to the hub and returns its transport endpoint.
func (h *Hub) Join(nodeID string) *HubEndpoint {
	h.mu.Lock()
	defer h.mu.Unlock()

	ep := &HubEndpoint{hub: h, nodeID: nodeID}
	h.endpoints = append(h.endpoints, ep)
	return ep
}

// Isolate cuts a node off from the rest of the fleet in both directions.
// It still hears its own broadcasts.
func (h *Hub) Isolate(nodeID string, isolated bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.isolated[nodeID] = isolated
}

// Inject delivers env to a single node as if it came over the wire.
func (h *Hub) Inject(nodeID string, env messages.Envelope) {
	h.mu.RLock()
	targets := make([]*HubEndpoint, 0, 1)
	for _, ep := range h.endpoints {
		if ep.nodeID == nodeID {
			targets = append(targets, ep)
		}
	}
	h.mu.RUnlock()

	for _, ep := range targets {
		ep.deliver(env)
	}
}

func (h *Hub) broadcast(from string, env messages.Envelope) {
	h.mu.RLock()
	targets := make([]*HubEndpoint, 0, len(h.endpoints))
	for _, ep := range h.endpoints {
		if ep.nodeID != from && (h.isolated[from] || h.isolated[ep.nodeID]) {
			continue
		}
		targets = append(targets, ep)
	}
	h.mu.RUnlock()

	for _, ep := range targets {
		ep.deliver(env)
	}
}

// HubEndpoint is one node's view of a Hub.
type HubEndpoint struct {
	hub    *Hub
	nodeID string

	mu      sync.RWMutex
	handler Handler
	closed  bool
}

var _ Transport = (*HubEndpoint)(nil)

func (e *HubEndpoint) Broadcast(_ context.Context, env messages.Envelope) error {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	e.hub.broadcast(e.nodeID, env)
	return nil
}

func (e *HubEndpoint) Subscribe(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

func (e *HubEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *HubEndpoint) deliver(env messages.Envelope) {
	e.mu.RLock()
	h, closed := e.handler, e.closed
	e.mu.RUnlock()
	if closed || h == nil {
		return
	}
	h(env)
}
