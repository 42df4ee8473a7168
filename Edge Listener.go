/*
File Name:  Edge Listener.go
Copyright:  2021 Peernet s.r.o.
Author:     Peter Kleissner

EdgeListener multiplexes many logical Edges over a single UDP socket: a
reader goroutine dispatches inbound datagrams (new edge, duplicate
handshake, NAT remap, stale local_id) and a writer goroutine drains the
bounded send queue.

Wire format, every datagram: [i32 remote_id | i32 local_id | payload...],
big-endian. remote_id is the sender's own LocalID for the edge; local_id
is the receiver's own LocalID for the edge (or, if negative, a control
packet whose true local_id is its bitwise complement).
*/

package core

import (
	"encoding/binary"
	"encoding/json"
	"log"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/tamthanh0424/brunet/reuseport"
)

// Control packet codes, carried as the first 4 bytes of payload when
// local_id (as decoded) is negative.
const (
	ctrlEdgeClosed       int32 = 1
	ctrlEdgeDataAnnounce int32 = 2
	ctrlNull             int32 = 3
)

const datagramHeaderSize = 8

// udpMessage is a send-queue record. LocalID is the sending edge's own id;
// InvertedRemoteID is the sending edge's notion of RemoteID, bitwise-NOT'd
// when the payload is a control packet.
type udpMessage struct {
	LocalID          int32
	InvertedRemoteID int32
	Payload          []byte
	Destination      *net.UDPAddr
}

// TAAuthorizer decides whether a peer reachable at ta may open a new Edge.
// Returning false drops an inbound handshake without a reply, closes an
// edge whose peer remapped to ta (answering with EdgeClosed), and makes
// CreateEdgeTo fail with ErrUnauthorized.
type TAAuthorizer func(ta TA) bool

// EdgeListener owns one UDP socket and the set of Edges multiplexed on it.
type EdgeListener struct {
	InstanceID uuid.UUID

	conn    *net.UDPConn
	localTA TA
	config  Config

	Authorize TAAuthorizer

	Connections *ConnectionTable
	NATHistory  *NATHistory

	idMu          sync.Mutex
	idTable       map[int32]*Edge
	remoteIDTable map[int32]*Edge
	rng           *rand.Rand

	// staleReplies rate-limits EdgeClosed replies to datagrams carrying a
	// local_id that no longer exists, typically a peer that outlived a
	// restart of this listener.
	staleReplies *lru.Cache[string, struct{}]

	sendQueue chan udpMessage

	running    int32
	wg         sync.WaitGroup
	readerDone chan struct{}

	// OnNewEdge, if set, is invoked for every newly accepted inbound edge.
	OnNewEdge func(e *Edge)
}

// NewEdgeListener constructs a listener bound to localTA (UDP only). The
// socket is not opened until Start is called.
func NewEdgeListener(localTA TA, config Config) (*EdgeListener, error) {
	if localTA.Type != TAUdp {
		return nil, ErrWrongTAType
	}

	staleReplies, err := lru.New[string, struct{}](4096)
	if err != nil {
		return nil, errors.Wrap(err, "allocating stale-reply cache")
	}

	instanceID, err := uuid.NewRandom()
	if err != nil {
		return nil, errors.Wrap(err, "allocating instance id")
	}

	softCap := config.SendQueueSoftCap
	if softCap <= 0 {
		softCap = SendQueueSoftCapDefault
	}

	return &EdgeListener{
		InstanceID:    instanceID,
		localTA:       localTA,
		config:        config,
		Authorize:     func(TA) bool { return true },
		Connections:   NewConnectionTable(Address{}),
		NATHistory:    NewNATHistory(),
		idTable:       make(map[int32]*Edge),
		remoteIDTable: make(map[int32]*Edge),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		staleReplies:  staleReplies,
		sendQueue:     make(chan udpMessage, softCap),
		readerDone:    make(chan struct{}),
	}, nil
}

// Start opens the UDP socket and launches the reader and writer goroutines.
// Calling Start twice returns ErrRestartAttempted.
func (l *EdgeListener) Start() error {
	if !atomic.CompareAndSwapInt32(&l.running, 0, 1) {
		return ErrRestartAttempted
	}

	// SO_REUSEPORT on the bind lets a fresh listener reclaim a just-vacated
	// port across a Stop/Start pair in the same process.
	pc, err := reuseport.ListenPacket("udp", l.localTA.UDPAddr().String())
	if err != nil {
		atomic.StoreInt32(&l.running, 0)
		return errors.Wrap(err, "binding edge listener socket")
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		atomic.StoreInt32(&l.running, 0)
		return errors.Errorf("unexpected socket type %T", pc)
	}
	l.conn = conn
	if l.localTA.Port == 0 {
		// Ephemeral bind: learn the kernel-assigned port so the self-loopback
		// shutdown handshake and advertised TAs target the real endpoint.
		if bound, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			l.localTA.Port = bound.Port
		}
	}

	// All socket reads happen on the single readLoop goroutine; per-edge
	// in-order delivery rests on that.
	l.wg.Add(2)
	go l.readLoop()
	go l.writeLoop()

	return nil
}

// Stop performs a self-loopback Null handshake to unblock the blocking
// reader, then drains the writer and closes every remaining edge. Safe to
// call multiple times; only the first call does any work.
func (l *EdgeListener) Stop() error {
	if !atomic.CompareAndSwapInt32(&l.running, 1, 0) {
		return nil
	}

	loopback, err := net.DialUDP("udp", nil, l.localTA.UDPAddr())
	if err == nil {
		nullPacket := encodeDatagram(udpMessage{
			LocalID:          0,
			InvertedRemoteID: ^int32(ctrlNull),
			Payload:          encodeControl(ctrlNull, nil),
		})
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
	loop:
		for {
			loopback.Write(nullPacket)
			select {
			case <-l.readerDone:
				break loop
			case <-ticker.C:
				continue
			}
		}
		loopback.Close()
	} else {
		l.conn.Close()
		<-l.readerDone
	}

	l.sendQueue <- udpMessage{} // sentinel: zero Destination stops the writer
	l.wg.Wait()
	l.conn.Close()

	l.idMu.Lock()
	edges := make([]*Edge, 0, len(l.idTable))
	for _, e := range l.idTable {
		edges = append(edges, e)
	}
	l.idMu.Unlock()
	for _, e := range edges {
		e.Close()
	}

	return nil
}

func (l *EdgeListener) readLoop() {
	defer l.wg.Done()
	defer close(l.readerDone)

	buf := make([]byte, 65536)
	for {
		n, sender, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if atomic.LoadInt32(&l.running) == 0 {
				return
			}
			if IsNetworkErrorFatal(err) {
				return
			}
			log.Printf("edge listener: %s: %v\n", ErrSocketTransient, err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if n < datagramHeaderSize {
			continue // ErrMalformedDatagram, dropped silently
		}

		payload := append([]byte(nil), buf[:n]...)
		l.handleDatagram(payload, TAFromUDPAddr(sender))

		// A Null control packet sent by Stop unblocks the read above; the
		// shutdown check must therefore follow dispatch, not precede it.
		if atomic.LoadInt32(&l.running) == 0 {
			return
		}
	}
}

func (l *EdgeListener) writeLoop() {
	defer l.wg.Done()

	for msg := range l.sendQueue {
		if msg.Destination == nil {
			return // shutdown sentinel
		}
		l.conn.WriteToUDP(encodeDatagram(msg), msg.Destination)
	}
}

func encodeDatagram(msg udpMessage) []byte {
	buf := make([]byte, datagramHeaderSize+len(msg.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(msg.LocalID))
	binary.BigEndian.PutUint32(buf[4:8], uint32(msg.InvertedRemoteID))
	copy(buf[8:], msg.Payload)
	return buf
}

func decodeDatagram(buf []byte) (remoteID, localID int32, payload []byte) {
	remoteID = int32(binary.BigEndian.Uint32(buf[0:4]))
	localID = int32(binary.BigEndian.Uint32(buf[4:8]))
	payload = buf[8:]
	return
}

func encodeControl(code int32, body []byte) []byte {
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(code))
	copy(buf[4:], body)
	return buf
}

// taAnnounce is the EdgeDataAnnounce control body. "Remote" and "Local" are
// named from the sender's own perspective: the receiver's
// PeerViewOfLocalTA is the sender's RemoteTA.
type taAnnounce struct {
	RemoteTA string `json:"RemoteTA"`
	LocalTA  string `json:"LocalTA"`
}

func encodeAnnounce(remoteTA, localTA TA) []byte {
	body, _ := json.Marshal(taAnnounce{RemoteTA: remoteTA.String(), LocalTA: localTA.String()})
	return body
}

// enqueue is the bounded send queue: a full queue silently drops the
// message. This is intentional back-pressure, not a reported error.
func (l *EdgeListener) enqueue(msg udpMessage) {
	select {
	case l.sendQueue <- msg:
	default:
	}
}

func (l *EdgeListener) sendData(e *Edge, payload []byte) error {
	if atomic.LoadInt32(&l.running) == 0 {
		return ErrNotStarted
	}
	l.enqueue(udpMessage{
		LocalID:          e.LocalID,
		InvertedRemoteID: e.RemoteID,
		Payload:          payload,
		Destination:      e.RemoteEndpoint.UDPAddr(),
	})
	return nil
}

func (l *EdgeListener) sendControl(dest *net.UDPAddr, ourLocalID, theirLocalID int32, code int32, body []byte) {
	l.enqueue(udpMessage{
		LocalID:          ourLocalID,
		InvertedRemoteID: ^theirLocalID,
		Payload:          encodeControl(code, body),
		Destination:      dest,
	})
}

// allocateLocalID returns a uniformly random, nonzero, nonnegative 31-bit
// id not already present in idTable. Must be called with idMu held.
func (l *EdgeListener) allocateLocalID() int32 {
	for {
		id := l.rng.Int31()
		if id == 0 {
			continue
		}
		if _, exists := l.idTable[id]; exists {
			continue
		}
		return id
	}
}

// handleDatagram implements the inbound datagram state machine.
func (l *EdgeListener) handleDatagram(buf []byte, sender TA) {
	remoteID, localID, payload := decodeDatagram(buf)

	if localID < 0 {
		l.handleControl(^localID, remoteID, payload, sender)
		return
	}

	if localID == 0 {
		l.handleHandshake(remoteID, payload, sender)
		return
	}

	l.idMu.Lock()
	e, ok := l.idTable[localID]
	l.idMu.Unlock()

	if !ok {
		// A stale local id, typically a peer that outlived our restart. Reply
		// EdgeClosed once per sender/id pair; without the suppression a peer
		// retransmitting on a dead edge triggers a reply for every datagram.
		key := sender.String() + "/" + strconv.Itoa(int(localID))
		if _, seen := l.staleReplies.Get(key); !seen {
			l.staleReplies.Add(key, struct{}{})
			l.sendControl(sender.UDPAddr(), 0, remoteID, ctrlEdgeClosed, nil)
		}
		return
	}

	if e.RemoteID == 0 {
		e.setRemoteID(remoteID)
		l.idMu.Lock()
		l.remoteIDTable[remoteID] = e
		l.idMu.Unlock()
		e.deliver(payload)
		return
	}

	if e.RemoteID != remoteID {
		l.sendControl(sender.UDPAddr(), e.LocalID, remoteID, ctrlEdgeClosed, nil)
		return
	}

	if !e.RemoteEndpoint.Equal(sender) {
		l.handleRemap(e, sender)
		return
	}

	e.deliver(payload)
}

// handleHandshake covers the three local_id == 0 cases: brand-new edge,
// duplicate first packet from a known remote_id/endpoint pair, and a
// coincidental remote_id reuse from a different endpoint.
func (l *EdgeListener) handleHandshake(remoteID int32, payload []byte, sender TA) {
	l.idMu.Lock()
	existing, hasExisting := l.remoteIDTable[remoteID]
	l.idMu.Unlock()

	if hasExisting && existing.RemoteEndpoint.Equal(sender) {
		// Duplicate first packet: deliver on the edge the earlier handshake
		// already created.
		existing.deliver(payload)
		return
	}

	if !l.Authorize(sender) {
		return
	}

	l.idMu.Lock()
	newID := l.allocateLocalID()
	e := newEdge(newID, remoteID, sender, l.localTA, true, func(p []byte) error {
		target := resolveEdge(l, newID)
		if target == nil {
			return ErrEdgeClosed
		}
		return l.sendData(target, p)
	})
	l.idTable[newID] = e
	l.remoteIDTable[remoteID] = e
	l.idMu.Unlock()

	l.NATHistory.Append(NATDataPoint{Kind: NewEdgeEvent, Edge: e, TA: sender})
	if l.OnNewEdge != nil {
		l.OnNewEdge(e)
	}

	l.sendControl(sender.UDPAddr(), newID, remoteID, ctrlEdgeDataAnnounce, encodeAnnounce(sender, l.localTA))
	e.deliver(payload)
}

// resolveEdge re-resolves an edge by local id at send time, so the
// sendHandler closure captured during construction never races the edge's
// own field mutations.
func resolveEdge(l *EdgeListener, localID int32) *Edge {
	l.idMu.Lock()
	defer l.idMu.Unlock()
	return l.idTable[localID]
}

// handleRemap processes a NAT remap: the peer's source endpoint changed
// mid-session without the edge being closed. Re-authorizes against the new
// endpoint before accepting it.
func (l *EdgeListener) handleRemap(e *Edge, newSender TA) {
	if !l.Authorize(newSender) {
		l.sendControl(e.RemoteEndpoint.UDPAddr(), e.LocalID, e.RemoteID, ctrlEdgeClosed, nil)
		e.Close()
		return
	}

	e.setRemoteEndpoint(newSender)
	l.NATHistory.Append(NATDataPoint{Kind: RemoteMappingChangeEvent, Edge: e, TA: newSender})
	l.sendControl(newSender.UDPAddr(), e.LocalID, e.RemoteID, ctrlEdgeDataAnnounce, encodeAnnounce(newSender, l.localTA))
}

// handleControl dispatches EdgeClosed, EdgeDataAnnounce and Null packets.
func (l *EdgeListener) handleControl(ourLocalID, theirRemoteID int32, payload []byte, sender TA) {
	if len(payload) < 4 {
		return
	}
	code := int32(binary.BigEndian.Uint32(payload[0:4]))
	body := payload[4:]

	switch code {
	case ctrlNull:
		return

	case ctrlEdgeClosed:
		l.idMu.Lock()
		e, ok := l.idTable[ourLocalID]
		if ok {
			delete(l.idTable, ourLocalID)
			delete(l.remoteIDTable, e.RemoteID)
		}
		l.idMu.Unlock()
		if ok {
			l.NATHistory.Append(NATDataPoint{Kind: EdgeCloseEvent, Edge: e, TA: e.RemoteEndpoint})
			e.Close()
		}

	case ctrlEdgeDataAnnounce:
		l.idMu.Lock()
		e, ok := l.idTable[ourLocalID]
		l.idMu.Unlock()
		if !ok {
			return
		}

		var announce taAnnounce
		if err := json.Unmarshal(body, &announce); err == nil {
			// The sender's RemoteTA is how they see us: our own LocalTA.
			if peerView, err := ParseTA(announce.RemoteTA); err == nil && !peerView.Equal(e.PeerViewOfLocalTA) {
				e.setPeerViewOfLocalTA(peerView)
				l.NATHistory.Append(NATDataPoint{Kind: LocalMappingChangeEvent, Edge: e, TA: peerView})
			}
		}

		if e.RemoteID == 0 {
			e.setRemoteID(theirRemoteID)
			l.idMu.Lock()
			l.remoteIDTable[theirRemoteID] = e
			l.idMu.Unlock()
		}
	}
}

// CreateEdgeTo pre-registers an outbound edge toward ta and sends the first
// handshake datagram. The edge's RemoteID remains 0 until the peer's reply
// carries its assigned id.
func (l *EdgeListener) CreateEdgeTo(ta TA) (*Edge, error) {
	if atomic.LoadInt32(&l.running) == 0 {
		return nil, ErrNotStarted
	}
	if ta.Type != TAUdp {
		return nil, ErrWrongTAType
	}
	if !l.Authorize(ta) {
		return nil, ErrUnauthorized
	}

	l.idMu.Lock()
	localID := l.allocateLocalID()
	e := newEdge(localID, 0, ta, l.localTA, false, nil)
	e.send = func(p []byte) error { return l.sendData(e, p) }
	l.idTable[localID] = e
	l.idMu.Unlock()

	l.NATHistory.Append(NATDataPoint{Kind: NewEdgeEvent, Edge: e, TA: ta})

	l.enqueue(udpMessage{
		LocalID:          localID,
		InvertedRemoteID: 0,
		Payload:          []byte{},
		Destination:      ta.UDPAddr(),
	})

	return e, nil
}

// TAType returns the transport type this listener serves.
func (l *EdgeListener) TAType() TAType {
	return TAUdp
}

// LocalTAs returns the ranked list of transport addresses this node should
// advertise to peers: the configured override if one is set, otherwise the
// NAT-history-derived ranking, with the bound socket address appended as
// the fallback of last resort.
func (l *EdgeListener) LocalTAs() []TA {
	if len(l.config.LocalTAs) > 0 {
		tas := make([]TA, 0, len(l.config.LocalTAs))
		for _, s := range l.config.LocalTAs {
			if ta, err := ParseTA(s); err == nil {
				tas = append(tas, ta)
			}
		}
		if len(tas) > 0 {
			return tas
		}
	}

	tas := l.NATHistory.RankedTAs()
	for _, ta := range tas {
		if ta.Equal(l.localTA) {
			return tas
		}
	}
	return append(tas, l.boundTAs()...)
}

// boundTAs expands the bound socket address into advertisable TAs. A
// wildcard bind announces one TA per local interface IP; a concrete bind
// announces itself.
func (l *EdgeListener) boundTAs() []TA {
	ip := net.ParseIP(l.localTA.Host)
	if ip != nil && !ip.IsUnspecified() {
		return []TA{l.localTA}
	}

	ips, err := NetworkListIPs()
	if err != nil {
		return []TA{l.localTA}
	}

	// IPv4 addresses are listed before IPv6 ones; link-local and loopback
	// addresses are not advertisable.
	var v4, v6 []TA
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
			continue
		}
		ta := TA{Type: l.localTA.Type, Host: ip.String(), Port: l.localTA.Port}
		if IsIPv4(ip) {
			v4 = append(v4, ta)
		} else if IsIPv6(ip) {
			v6 = append(v6, ta)
		}
	}
	tas := append(v4, v6...)
	if len(tas) == 0 {
		return []TA{l.localTA}
	}
	return tas
}
