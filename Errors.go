/*
File Name:  Errors.go
Copyright:  2021 Peernet s.r.o.
Author:     Peter Kleissner

Sentinel error values, returned as-is so callers can compare them
directly. Other errors (socket bind, id and cache allocation) are wrapped
with github.com/pkg/errors at the call site.
*/

package core

import "github.com/pkg/errors"

// Default values for the configuration knobs.
const (
	MaxUphillHopsDefault    = 1
	MaxTTLDefault           = 30
	MaxNeighborsDefault     = 4
	SendQueueSoftCapDefault = 1024
)

// Sentinel errors.
var (
	// ErrNotStarted is returned when an operation is invoked on a listener
	// before Start.
	ErrNotStarted = errors.New("edge listener not started")

	// ErrWrongTAType is returned for a connect request with a TA type this
	// listener cannot serve.
	ErrWrongTAType = errors.New("transport address type not served by this listener")

	// ErrUnauthorized is returned when the TA authorizer denies a peer.
	ErrUnauthorized = errors.New("transport address rejected by authorizer")

	// ErrEdgeClosed is returned for a send on a closed edge.
	ErrEdgeClosed = errors.New("edge is closed")

	// ErrMalformedDatagram marks a datagram too short to parse, or an
	// undecodable control body. Such datagrams are dropped silently at the
	// wire layer; the listener never returns this value.
	ErrMalformedDatagram = errors.New("malformed datagram")

	// ErrSocketTransient marks a receive error encountered while the
	// listener is still running; logged and the read loop continues. Send
	// errors are discarded without a log line.
	ErrSocketTransient = errors.New("transient socket error")

	// ErrRestartAttempted is returned (and is fatal) if Start is called
	// twice on the same listener.
	ErrRestartAttempted = errors.New("edge listener already started")
)
