/*
File Name:  Edge.go
Copyright:  2021 Peernet s.r.o.
Author:     Peter Kleissner

Edge is a logical bidirectional channel between two nodes, multiplexed
over datagrams of a single Edge Listener socket. Its shape - an injected
send capability instead of a back-reference to the listener, idempotent
Close - avoids a cyclic object graph between the edge and the listener
that owns it.
*/

package core

import (
	"sync"
)

// EdgeState is the lifecycle state of an Edge.
type EdgeState int

const (
	// EdgeOpen is the only state from which a Send may succeed.
	EdgeOpen EdgeState = iota
	// EdgeClosedState is terminal; an Edge never reopens.
	EdgeClosedState
)

// sendHandler is the capability an Edge uses to hand a payload to the
// listener for wire transmission. Injected at construction so the Edge
// holds no back-reference to the listener itself.
type sendHandler func(payload []byte) error

// Edge is a logical channel to a single remote node.
type Edge struct {
	LocalID  int32
	RemoteID int32

	RemoteEndpoint TA
	LocalEndpoint  TA

	// PeerViewOfLocalTA is what the remote end reports seeing as our TA,
	// learned from an EdgeDataAnnounce control packet.
	PeerViewOfLocalTA TA

	IsInbound bool

	// ReceivedPacket, if set, is invoked for every inbound application
	// payload delivered on this edge.
	ReceivedPacket func(payload []byte)

	// CloseEvent, if set, is invoked exactly once when the edge closes.
	CloseEvent func()

	mu    sync.Mutex
	state EdgeState
	send  sendHandler
}

// newEdge constructs an Edge in the Open state. localID must be nonzero.
func newEdge(localID, remoteID int32, remoteEndpoint, localEndpoint TA, isInbound bool, send sendHandler) *Edge {
	return &Edge{
		LocalID:        localID,
		RemoteID:       remoteID,
		RemoteEndpoint: remoteEndpoint,
		LocalEndpoint:  localEndpoint,
		IsInbound:      isInbound,
		state:          EdgeOpen,
		send:           send,
	}
}

// State returns the current lifecycle state.
func (e *Edge) State() EdgeState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// setRemoteID sets RemoteID exactly once; a later attempt to change it
// again fails silently.
func (e *Edge) setRemoteID(remoteID int32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.RemoteID == 0 {
		e.RemoteID = remoteID
	}
}

// setRemoteEndpoint updates the remote endpoint, used on a NAT remap.
func (e *Edge) setRemoteEndpoint(ta TA) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.RemoteEndpoint = ta
}

// setPeerViewOfLocalTA updates what the remote end reports seeing as our TA.
func (e *Edge) setPeerViewOfLocalTA(ta TA) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.PeerViewOfLocalTA = ta
}

// Send transmits payload over the edge. Returns ErrEdgeClosed if the edge
// is no longer open.
func (e *Edge) Send(payload []byte) error {
	e.mu.Lock()
	if e.state != EdgeOpen {
		e.mu.Unlock()
		return ErrEdgeClosed
	}
	send := e.send
	e.mu.Unlock()

	return send(payload)
}

// deliver invokes ReceivedPacket for an inbound application payload. It is
// the listener's responsibility to call this only for packets arriving
// on this specific edge, preserving wire-arrival order.
func (e *Edge) deliver(payload []byte) {
	if e.State() == EdgeClosedState {
		return
	}
	if e.ReceivedPacket != nil {
		e.ReceivedPacket(payload)
	}
}

// Close transitions the edge to Closed. Safe to call multiple times; only
// the first call fires CloseEvent. A Closed edge never reopens.
func (e *Edge) Close() error {
	e.mu.Lock()
	if e.state == EdgeClosedState {
		e.mu.Unlock()
		return nil
	}
	e.state = EdgeClosedState
	e.mu.Unlock()

	if e.CloseEvent != nil {
		e.CloseEvent()
	}
	return nil
}
