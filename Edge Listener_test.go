/*
File Name:  Edge Listener_test.go
Copyright:  2021 Peernet s.r.o.
Author:     Peter Kleissner
*/

package core

import (
	"encoding/binary"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"
)

func newTestListener(t *testing.T) *EdgeListener {
	t.Helper()
	l, err := NewEdgeListener(TA{Type: TAUdp, Host: "127.0.0.1", Port: 0}, DefaultConfig())
	if err != nil {
		t.Fatalf("NewEdgeListener: %v", err)
	}
	return l
}

// inboundDatagram builds a raw datagram as it would arrive on the wire:
// buf[0:4] is the sender's own local id (our remote id), buf[4:8] is the
// sender's notion of our local id.
func inboundDatagram(remoteID, localID int32, payload []byte) []byte {
	buf := make([]byte, datagramHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(remoteID))
	binary.BigEndian.PutUint32(buf[4:8], uint32(localID))
	copy(buf[8:], payload)
	return buf
}

// drainSendQueue empties the listener's send queue without running the
// writer goroutine.
func drainSendQueue(l *EdgeListener) (msgs []udpMessage) {
	for {
		select {
		case msg := <-l.sendQueue:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func (l *EdgeListener) onlyEdge(t *testing.T) *Edge {
	t.Helper()
	l.idMu.Lock()
	defer l.idMu.Unlock()
	if len(l.idTable) != 1 {
		t.Fatalf("expected exactly 1 edge, got %d", len(l.idTable))
	}
	for _, e := range l.idTable {
		return e
	}
	return nil
}

func TestListenerHandshakeCreatesEdge(t *testing.T) {
	l := newTestListener(t)
	sender := TA{Type: TAUdp, Host: "198.51.100.7", Port: 4001}

	var received [][]byte
	l.OnNewEdge = func(e *Edge) {
		e.ReceivedPacket = func(p []byte) { received = append(received, p) }
	}

	l.handleDatagram(inboundDatagram(7, 0, []byte("hello")), sender)

	e := l.onlyEdge(t)
	if e.LocalID == 0 {
		t.Fatalf("allocated local id must be nonzero")
	}
	if e.RemoteID != 7 {
		t.Fatalf("expected remote id 7, got %d", e.RemoteID)
	}
	if !e.IsInbound {
		t.Fatalf("handshake edge should be inbound")
	}
	if !e.RemoteEndpoint.Equal(sender) {
		t.Fatalf("expected remote endpoint %v, got %v", sender, e.RemoteEndpoint)
	}
	if len(received) != 1 || string(received[0]) != "hello" {
		t.Fatalf("expected the handshake payload to be delivered, got %v", received)
	}

	msgs := drainSendQueue(l)
	if len(msgs) != 1 {
		t.Fatalf("expected one announce control packet, got %d", len(msgs))
	}
	if msgs[0].InvertedRemoteID != ^int32(7) {
		t.Fatalf("control packet must carry the inverted remote id, got %d", msgs[0].InvertedRemoteID)
	}
	code := int32(binary.BigEndian.Uint32(msgs[0].Payload[0:4]))
	if code != ctrlEdgeDataAnnounce {
		t.Fatalf("expected EdgeDataAnnounce code, got %d", code)
	}

	points := l.NATHistory.Points()
	if len(points) != 1 || points[0].Kind != NewEdgeEvent {
		t.Fatalf("expected a NewEdge NAT data point, got %v", points)
	}
}

// TestListenerDuplicateFirstPacket exercises the S4 scenario: two handshake
// datagrams from the same endpoint with the same remote id result in exactly
// one edge, the second payload delivered on it.
func TestListenerDuplicateFirstPacket(t *testing.T) {
	l := newTestListener(t)
	sender := TA{Type: TAUdp, Host: "198.51.100.7", Port: 4001}

	var received int
	l.OnNewEdge = func(e *Edge) {
		e.ReceivedPacket = func([]byte) { received++ }
	}

	l.handleDatagram(inboundDatagram(7, 0, []byte("first")), sender)
	l.handleDatagram(inboundDatagram(7, 0, []byte("second")), sender)

	l.onlyEdge(t)
	if received != 2 {
		t.Fatalf("expected both payloads delivered on the single edge, got %d", received)
	}
}

// TestListenerCoincidentRemoteID covers a handshake whose remote id collides
// with an existing edge but arrives from a different endpoint: a fresh edge
// must be allocated.
func TestListenerCoincidentRemoteID(t *testing.T) {
	l := newTestListener(t)
	senderA := TA{Type: TAUdp, Host: "198.51.100.7", Port: 4001}
	senderB := TA{Type: TAUdp, Host: "203.0.113.20", Port: 5002}

	l.handleDatagram(inboundDatagram(7, 0, nil), senderA)
	l.handleDatagram(inboundDatagram(7, 0, nil), senderB)

	l.idMu.Lock()
	count := len(l.idTable)
	l.idMu.Unlock()
	if count != 2 {
		t.Fatalf("expected two distinct edges for a coincident remote id, got %d", count)
	}
}

// TestListenerWrongRemoteID exercises the S5 scenario: a datagram with a
// mismatched remote id is dropped and answered with EdgeClosed.
func TestListenerWrongRemoteID(t *testing.T) {
	l := newTestListener(t)
	sender := TA{Type: TAUdp, Host: "198.51.100.7", Port: 4001}

	l.handleDatagram(inboundDatagram(9, 0, nil), sender)
	e := l.onlyEdge(t)
	drainSendQueue(l)

	var delivered bool
	e.ReceivedPacket = func([]byte) { delivered = true }

	l.handleDatagram(inboundDatagram(11, e.LocalID, []byte("bogus")), sender)

	if delivered {
		t.Fatalf("a mismatched remote id must not deliver its payload")
	}
	msgs := drainSendQueue(l)
	if len(msgs) != 1 {
		t.Fatalf("expected one EdgeClosed control reply, got %d", len(msgs))
	}
	if code := int32(binary.BigEndian.Uint32(msgs[0].Payload[0:4])); code != ctrlEdgeClosed {
		t.Fatalf("expected EdgeClosed code, got %d", code)
	}
}

// TestListenerRemoteNATRemap exercises the S3 scenario: a datagram from a new
// endpoint on an established edge updates the edge's endpoint, records a
// RemoteMappingChange data point and answers with EdgeDataAnnounce.
func TestListenerRemoteNATRemap(t *testing.T) {
	l := newTestListener(t)
	e1 := TA{Type: TAUdp, Host: "198.51.100.7", Port: 4001}
	e2 := TA{Type: TAUdp, Host: "198.51.100.7", Port: 61544}

	l.handleDatagram(inboundDatagram(9, 0, nil), e1)
	e := l.onlyEdge(t)
	drainSendQueue(l)

	l.handleDatagram(inboundDatagram(9, e.LocalID, []byte("after remap")), e2)

	if !e.RemoteEndpoint.Equal(e2) {
		t.Fatalf("expected edge endpoint updated to %v, got %v", e2, e.RemoteEndpoint)
	}

	var sawRemap bool
	for _, p := range l.NATHistory.Points() {
		if p.Kind == RemoteMappingChangeEvent && p.TA.Equal(e2) {
			sawRemap = true
		}
	}
	if !sawRemap {
		t.Fatalf("expected a RemoteMappingChange NAT data point for %v", e2)
	}

	msgs := drainSendQueue(l)
	if len(msgs) != 1 {
		t.Fatalf("expected one EdgeDataAnnounce reply, got %d", len(msgs))
	}
	if msgs[0].Destination.Port != e2.Port {
		t.Fatalf("announce must target the new endpoint, got %v", msgs[0].Destination)
	}
	var announce taAnnounce
	if err := json.Unmarshal(msgs[0].Payload[4:], &announce); err != nil {
		t.Fatalf("decoding announce body: %v", err)
	}
	if announce.RemoteTA != e2.String() {
		t.Fatalf("announce RemoteTA should be the peer's new endpoint %q, got %q", e2.String(), announce.RemoteTA)
	}
}

func TestListenerRemapDeniedClosesEdge(t *testing.T) {
	l := newTestListener(t)
	e1 := TA{Type: TAUdp, Host: "198.51.100.7", Port: 4001}
	e2 := TA{Type: TAUdp, Host: "203.0.113.99", Port: 5000}

	l.handleDatagram(inboundDatagram(9, 0, nil), e1)
	e := l.onlyEdge(t)
	drainSendQueue(l)

	l.Authorize = func(ta TA) bool { return !ta.Equal(e2) }
	l.handleDatagram(inboundDatagram(9, e.LocalID, nil), e2)

	if e.State() != EdgeClosedState {
		t.Fatalf("a denied remap must close the edge")
	}
	msgs := drainSendQueue(l)
	if len(msgs) != 1 {
		t.Fatalf("expected one EdgeClosed control packet, got %d", len(msgs))
	}
	if code := int32(binary.BigEndian.Uint32(msgs[0].Payload[0:4])); code != ctrlEdgeClosed {
		t.Fatalf("expected EdgeClosed code, got %d", code)
	}
}

func TestListenerStaleLocalIDRepliesEdgeClosed(t *testing.T) {
	l := newTestListener(t)
	sender := TA{Type: TAUdp, Host: "198.51.100.7", Port: 4001}

	l.handleDatagram(inboundDatagram(9, 4242, []byte("orphan")), sender)

	l.idMu.Lock()
	count := len(l.idTable)
	l.idMu.Unlock()
	if count != 0 {
		t.Fatalf("a stale local id must not create an edge")
	}
	msgs := drainSendQueue(l)
	if len(msgs) != 1 {
		t.Fatalf("expected one EdgeClosed control reply, got %d", len(msgs))
	}
	if code := int32(binary.BigEndian.Uint32(msgs[0].Payload[0:4])); code != ctrlEdgeClosed {
		t.Fatalf("expected EdgeClosed code, got %d", code)
	}

	// A retransmission on the same dead edge is suppressed.
	l.handleDatagram(inboundDatagram(9, 4242, []byte("orphan again")), sender)
	if msgs := drainSendQueue(l); len(msgs) != 0 {
		t.Fatalf("expected the repeated stale datagram to draw no reply, got %d", len(msgs))
	}
}

func TestListenerUnauthorizedHandshakeDropped(t *testing.T) {
	l := newTestListener(t)
	l.Authorize = func(TA) bool { return false }
	sender := TA{Type: TAUdp, Host: "198.51.100.7", Port: 4001}

	l.handleDatagram(inboundDatagram(7, 0, nil), sender)

	l.idMu.Lock()
	count := len(l.idTable)
	l.idMu.Unlock()
	if count != 0 {
		t.Fatalf("a denied handshake must not create an edge")
	}
}

func TestListenerControlEdgeClosed(t *testing.T) {
	l := newTestListener(t)
	sender := TA{Type: TAUdp, Host: "198.51.100.7", Port: 4001}

	l.handleDatagram(inboundDatagram(9, 0, nil), sender)
	e := l.onlyEdge(t)

	var closed bool
	e.CloseEvent = func() { closed = true }

	l.handleDatagram(inboundDatagram(9, ^e.LocalID, encodeControl(ctrlEdgeClosed, nil)), sender)

	if !closed {
		t.Fatalf("expected the EdgeClosed control packet to close the edge")
	}
	l.idMu.Lock()
	_, stillThere := l.idTable[e.LocalID]
	l.idMu.Unlock()
	if stillThere {
		t.Fatalf("a closed edge must be removed from the id table")
	}
}

func TestListenerControlAnnounceUpdatesPeerView(t *testing.T) {
	l := newTestListener(t)
	sender := TA{Type: TAUdp, Host: "198.51.100.7", Port: 4001}

	l.handleDatagram(inboundDatagram(9, 0, nil), sender)
	e := l.onlyEdge(t)

	// The peer reports how it sees us: its "RemoteTA" is our local TA from
	// its perspective.
	peerView := TA{Type: TAUdp, Host: "203.0.113.9", Port: 62001}
	body := encodeAnnounce(peerView, sender)
	l.handleDatagram(inboundDatagram(9, ^e.LocalID, encodeControl(ctrlEdgeDataAnnounce, body)), sender)

	if !e.PeerViewOfLocalTA.Equal(peerView) {
		t.Fatalf("expected peer view updated to %v, got %v", peerView, e.PeerViewOfLocalTA)
	}
	var sawLocalChange bool
	for _, p := range l.NATHistory.Points() {
		if p.Kind == LocalMappingChangeEvent && p.TA.Equal(peerView) {
			sawLocalChange = true
		}
	}
	if !sawLocalChange {
		t.Fatalf("expected a LocalMappingChange NAT data point")
	}

	tas := l.LocalTAs()
	if len(tas) == 0 || !tas[0].Equal(peerView) {
		t.Fatalf("the peer-confirmed mapping must lead the advertised TA list, got %v", tas)
	}
}

func TestListenerLocalIDUniqueness(t *testing.T) {
	l := newTestListener(t)
	atomic.StoreInt32(&l.running, 1) // allow CreateEdgeTo without a socket

	seen := make(map[int32]bool)
	for i := 0; i < 200; i++ {
		e, err := l.CreateEdgeTo(TA{Type: TAUdp, Host: "198.51.100.7", Port: 4000 + i})
		if err != nil {
			t.Fatalf("CreateEdgeTo: %v", err)
		}
		if e.LocalID <= 0 {
			t.Fatalf("local id must be a positive 31-bit value, got %d", e.LocalID)
		}
		if seen[e.LocalID] {
			t.Fatalf("duplicate local id %d", e.LocalID)
		}
		seen[e.LocalID] = true
	}
}

func TestListenerCreateEdgeToBeforeStart(t *testing.T) {
	l := newTestListener(t)
	if _, err := l.CreateEdgeTo(TA{Type: TAUdp, Host: "198.51.100.7", Port: 4001}); err != ErrNotStarted {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}

func TestListenerCreateEdgeToUnauthorized(t *testing.T) {
	l := newTestListener(t)
	atomic.StoreInt32(&l.running, 1)
	l.Authorize = func(TA) bool { return false }

	if _, err := l.CreateEdgeTo(TA{Type: TAUdp, Host: "198.51.100.7", Port: 4001}); err != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestListenerRejectsNonUDPTA(t *testing.T) {
	if _, err := NewEdgeListener(TA{Type: TATcp, Host: "127.0.0.1", Port: 0}, DefaultConfig()); err != ErrWrongTAType {
		t.Fatalf("expected ErrWrongTAType, got %v", err)
	}
}

func TestListenerStartStopLifecycle(t *testing.T) {
	l := newTestListener(t)

	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := l.Start(); err != ErrRestartAttempted {
		t.Fatalf("expected ErrRestartAttempted on second Start, got %v", err)
	}

	e, err := l.CreateEdgeTo(TA{Type: TAUdp, Host: "127.0.0.1", Port: 1})
	if err != nil {
		t.Fatalf("CreateEdgeTo: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- l.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("Stop did not complete")
	}

	if e.State() != EdgeClosedState {
		t.Fatalf("all edges must be closed after Stop")
	}
	if err := l.Stop(); err != nil {
		t.Fatalf("second Stop must be a no-op, got %v", err)
	}
}

func TestListenerLocalTAsConfigOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LocalTAs = []string{"brunet.udp://192.0.2.10:7000"}
	l, err := NewEdgeListener(TA{Type: TAUdp, Host: "127.0.0.1", Port: 0}, cfg)
	if err != nil {
		t.Fatalf("NewEdgeListener: %v", err)
	}

	tas := l.LocalTAs()
	if len(tas) != 1 || tas[0].Host != "192.0.2.10" || tas[0].Port != 7000 {
		t.Fatalf("expected the configured TA override, got %v", tas)
	}
}

func TestListenerLocalTAsFallsBackToBoundAddress(t *testing.T) {
	l, err := NewEdgeListener(TA{Type: TAUdp, Host: "127.0.0.1", Port: 4000}, DefaultConfig())
	if err != nil {
		t.Fatalf("NewEdgeListener: %v", err)
	}

	tas := l.LocalTAs()
	if len(tas) != 1 || tas[0].Host != "127.0.0.1" || tas[0].Port != 4000 {
		t.Fatalf("expected the bound address as the fallback of last resort, got %v", tas)
	}
}

func TestListenerLocalTAsExpandsWildcardBind(t *testing.T) {
	l, err := NewEdgeListener(TA{Type: TAUdp, Host: "0.0.0.0", Port: 4000}, DefaultConfig())
	if err != nil {
		t.Fatalf("NewEdgeListener: %v", err)
	}

	tas := l.LocalTAs()
	if len(tas) == 0 {
		t.Fatalf("expected at least one advertisable TA for a wildcard bind")
	}
	for _, ta := range tas {
		if ta.Type != TAUdp || ta.Port != 4000 {
			t.Fatalf("expanded TA must keep the bound type and port, got %v", ta)
		}
	}
}

func TestDatagramControlEncoding(t *testing.T) {
	msg := udpMessage{LocalID: 5, InvertedRemoteID: ^int32(9), Payload: encodeControl(ctrlNull, nil)}
	remoteID, localID, payload := decodeDatagram(encodeDatagram(msg))

	if remoteID != 5 {
		t.Fatalf("expected wire remote id 5, got %d", remoteID)
	}
	if localID >= 0 {
		t.Fatalf("a control packet must carry a negative local id, got %d", localID)
	}
	if ^localID != 9 {
		t.Fatalf("expected inverted local id 9, got %d", ^localID)
	}
	if code := int32(binary.BigEndian.Uint32(payload[0:4])); code != ctrlNull {
		t.Fatalf("expected Null control code, got %d", code)
	}
}
