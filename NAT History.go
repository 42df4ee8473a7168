/*
File Name:  NAT History.go
Copyright:  2021 Peernet s.r.o.
Author:     Peter Kleissner

NATHistory is an append-only list of NAT data points for the life of a
single Edge Listener. It is never mutated in place; the derived ranked TA
list is swapped as a whole reference so readers always observe a
consistent snapshot (copy-on-write).
*/

package core

import (
	"sort"
	"sync"
	"time"
)

// NATEventKind enumerates the recorded NAT data point kinds.
type NATEventKind int

const (
	NewEdgeEvent NATEventKind = iota
	EdgeCloseEvent
	LocalMappingChangeEvent
	RemoteMappingChangeEvent
)

// NATDataPoint is a single timestamped entry in the NAT history.
type NATDataPoint struct {
	Kind      NATEventKind
	Timestamp time.Time
	Edge      *Edge
	TA        TA // optional, zero value if not applicable
}

// NATHistory accumulates NATDataPoints and derives a ranked list of local
// TAs to advertise to peers. Only the local-mapping points contribute TAs
// to that list; remote-mapping points inform the tiebreak, and edge points
// are kept for introspection only.
type NATHistory struct {
	mu      sync.Mutex
	points  []NATDataPoint
	ranked  []TA // swapped as a whole, copy-on-write
	rankedM sync.RWMutex
}

// NewNATHistory creates an empty history.
func NewNATHistory() *NATHistory {
	return &NATHistory{}
}

// Append adds a data point and recomputes the ranked TA list.
func (h *NATHistory) Append(point NATDataPoint) {
	point.Timestamp = time.Now()

	h.mu.Lock()
	h.points = append(h.points, point)
	snapshot := append([]NATDataPoint(nil), h.points...)
	h.mu.Unlock()

	h.refreshRanked(snapshot)
}

// refreshRanked recomputes the ranked TA list. Only local-mapping data
// points enter the ranking: their TA is the local address as a peer
// reported seeing it, so it is advertisable. NewEdge and RemoteMappingChange
// points carry the *remote* peer's endpoint and must never be advertised
// as our own. Ranking is most-recently-confirmed first, ties broken by
// fewest remote mapping changes observed on edges while that local TA was
// the peer's view of us.
func (h *NATHistory) refreshRanked(points []NATDataPoint) {
	type taStats struct {
		ta        TA
		lastSeen  time.Time
		remapHits int
	}
	stats := make(map[string]*taStats)
	get := func(ta TA) *taStats {
		key := ta.String()
		s, ok := stats[key]
		if !ok {
			s = &taStats{ta: ta}
			stats[key] = s
		}
		return s
	}

	// Per edge, the local TA the peer most recently reported on it.
	localView := make(map[*Edge]TA)

	for _, p := range points {
		switch p.Kind {
		case LocalMappingChangeEvent:
			if p.TA == (TA{}) {
				continue
			}
			s := get(p.TA)
			if p.Timestamp.After(s.lastSeen) {
				s.lastSeen = p.Timestamp
			}
			if p.Edge != nil {
				localView[p.Edge] = p.TA
			}
		case RemoteMappingChangeEvent:
			if p.Edge == nil {
				continue
			}
			if ta, ok := localView[p.Edge]; ok {
				get(ta).remapHits++
			}
		}
	}

	list := make([]*taStats, 0, len(stats))
	for _, s := range stats {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].lastSeen.Equal(list[j].lastSeen) {
			return list[i].lastSeen.After(list[j].lastSeen)
		}
		return list[i].remapHits < list[j].remapHits
	})

	ranked := make([]TA, len(list))
	for i, s := range list {
		ranked[i] = s.ta
	}

	h.rankedM.Lock()
	h.ranked = ranked
	h.rankedM.Unlock()
}

// RankedTAs returns the current ranked list of locally advertised TAs.
func (h *NATHistory) RankedTAs() []TA {
	h.rankedM.RLock()
	defer h.rankedM.RUnlock()
	return append([]TA(nil), h.ranked...)
}

// Points returns a snapshot of every recorded data point, for
// introspection (the debug package).
func (h *NATHistory) Points() []NATDataPoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]NATDataPoint(nil), h.points...)
}
