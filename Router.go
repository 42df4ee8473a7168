/*
File Name:  Router.go
Copyright:  2021 Peernet s.r.o.
Author:     Peter Kleissner

Router.NextHop is a pure function over (local address, connection table,
packet header); it holds no mutable state of its own. The decision tree
is built on the Connection Table's structured-neighbor and
insertion-point primitives.
*/

package core

import "math/big"

// RouteMode selects which of the three routing disciplines NextHop applies.
type RouteMode int

const (
	// RouteGreedy always forwards to whichever neighbor is strictly closer
	// to the destination than the local node, terminating otherwise.
	RouteGreedy RouteMode = iota
	// RouteAnnealing allows a bounded number of uphill hops to tolerate
	// topology disorder during churn.
	RouteAnnealing
	// RouteExact terminates only at the literal destination address.
	RouteExact
)

// Packet is the minimal routing header Router.NextHop reasons over.
type Packet struct {
	Src  Address
	Dst  Address
	Mode RouteMode
	Hops int
}

// Router computes next hops against a Connection Table. It is safe for
// concurrent use; all state lives in the Connection Table it wraps.
type Router struct {
	Local         Address
	Table         *ConnectionTable
	MaxTTL        int
	MaxUphillHops int
}

// NewRouter constructs a Router over table for the given local address,
// using the built-in MaxTTL/MaxUphillHops defaults unless cfg
// overrides them.
func NewRouter(local Address, table *ConnectionTable, cfg Config) *Router {
	maxTTL := cfg.MaxTTL
	if maxTTL <= 0 {
		maxTTL = MaxTTLDefault
	}
	maxUphill := cfg.MaxUphillHops
	if maxUphill <= 0 {
		maxUphill = MaxUphillHopsDefault
	}
	return &Router{Local: local, Table: table, MaxTTL: maxTTL, MaxUphillHops: maxUphill}
}

// NextHop decides the next hop for packet, having arrived (or originated,
// if from is nil and packet.Hops == 0) from from. It returns
// the address to forward to (nil if none) and whether the packet should
// also be delivered to the local application layer.
func (r *Router) NextHop(from *Address, packet Packet) (next *Address, deliverLocally bool) {
	if packet.Hops > r.MaxTTL {
		return nil, false
	}

	if r.Local.Equal(packet.Dst) {
		return nil, true
	}

	if idx := r.Table.IndexOf(packet.Dst); idx >= 0 {
		dst := packet.Dst
		return &dst, false
	}

	if r.Table.Len() == 0 {
		return nil, true
	}

	left, right, closest, other, closestDist, otherDist := r.neighbors(packet.Dst)

	next, deliverLocally = r.anneal(from, packet, left, right, closest, other, closestDist, otherDist)
	if packet.Mode == RouteExact {
		// Exact mode is overlaid post-hoc: it terminates only at the literal
		// destination, which the local==dst check above already covers.
		deliverLocally = false
	}
	return next, deliverLocally
}

// neighbors locates dst's insertion point among Near connections and
// returns its immediate left/right neighbors plus which of the two is
// closer (closest) and which is farther (other), each with its absolute
// distance to dst.
func (r *Router) neighbors(dst Address) (left, right *Connection, closest, other *Connection, closestDist, otherDist *big.Int) {
	left = r.Table.GetLeftStructuredNeighborOf(dst)
	right = r.Table.GetRightStructuredNeighborOf(dst)

	switch {
	case left == nil:
		closest, other = right, nil
	case right == nil:
		closest, other = left, nil
	default:
		lDist := left.Address.AbsDistanceTo(dst)
		rDist := right.Address.AbsDistanceTo(dst)
		if lDist.Cmp(rDist) <= 0 {
			closest, closestDist = left, lDist
			other, otherDist = right, rDist
		} else {
			closest, closestDist = right, rDist
			other, otherDist = left, lDist
		}
		return left, right, closest, other, closestDist, otherDist
	}

	if closest != nil {
		closestDist = closest.Address.AbsDistanceTo(dst)
	}
	return left, right, closest, other, closestDist, otherDist
}

// anneal implements steps 6 and 7: the shared greedy check, then either the
// annealing rules or (for RouteGreedy) a bare deliver-locally fallback.
func (r *Router) anneal(from *Address, packet Packet, left, right, closest, other *Connection, closestDist, otherDist *big.Int) (*Address, bool) {
	dst := packet.Dst
	ourDist := r.Local.AbsDistanceTo(dst)

	// Step 6 (greedy) also applies as the first-pass check for annealing:
	// a strictly-closer non-backtracking neighbor is always taken.
	if closest != nil && closestDist.Cmp(ourDist) < 0 && !sameAddr(from, closest.Address) {
		addr := closest.Address
		return &addr, false
	}

	if packet.Mode == RouteGreedy {
		return nil, true
	}

	leftOfLocal := r.Table.GetLeftStructuredNeighborOf(r.Local)
	if left != nil && leftOfLocal != nil && left.Address.Equal(leftOfLocal.Address) {
		// dst's interval contains us. Forward a copy toward the neighbor on
		// dst's far side as well, unless that would send it straight back.
		var onward *Connection
		if r.Local.IsLeftOf(dst) {
			onward = right
		} else {
			onward = left
		}
		if onward != nil && !sameAddr(from, onward.Address) {
			addr := onward.Address
			return &addr, true
		}
		return nil, true
	}

	if packet.Hops == 0 {
		if closest == nil {
			return nil, true
		}
		addr := closest.Address
		return &addr, false
	}

	if packet.Hops <= r.MaxUphillHops {
		candidate := closest
		if candidate != nil && sameAddr(from, candidate.Address) {
			second, secondDist := r.secondClosest(dst, candidate)
			candidate, _ = pickCloser(other, otherDist, second, secondDist)
		}
		if candidate == nil || sameAddr(from, candidate.Address) {
			return nil, true
		}
		addr := candidate.Address
		return &addr, false
	}

	// Packet has turned the corner: enforce progress.
	if from == nil || closest == nil {
		return nil, true
	}
	prevDist := from.AbsDistanceTo(dst)
	if closestDist.Cmp(prevDist) < 0 {
		addr := closest.Address
		return &addr, false
	}
	return nil, false
}

// secondClosest locates the neighbor one position beyond candidate on its
// own side of dst, used when the greedy closest neighbor is where the
// packet came from.
func (r *Router) secondClosest(dst Address, candidate *Connection) (*Connection, *big.Int) {
	idx := r.Table.IndexOf(candidate.Address)
	if idx < 0 {
		return nil, nil
	}
	near := r.Table.GetConnections(Near)
	if len(near) < 2 {
		return nil, nil
	}
	// Find candidate's position within the Near-only list and step one
	// further away from dst.
	for i, c := range near {
		if c.Address.Equal(candidate.Address) {
			var second *Connection
			if candidate.Address.IsLeftOf(dst) {
				second = near[((i-1)%len(near)+len(near))%len(near)]
			} else {
				second = near[((i+1)%len(near)+len(near))%len(near)]
			}
			return second, second.Address.AbsDistanceTo(dst)
		}
	}
	return nil, nil
}

func pickCloser(a *Connection, aDist *big.Int, b *Connection, bDist *big.Int) (*Connection, *big.Int) {
	switch {
	case a == nil:
		return b, bDist
	case b == nil:
		return a, aDist
	case aDist.Cmp(bDist) <= 0:
		return a, aDist
	default:
		return b, bDist
	}
}

func sameAddr(from *Address, addr Address) bool {
	return from != nil && from.Equal(addr)
}
