/*
File Name:  Connection.go
Copyright:  2021 Peernet s.r.o.
Author:     Peter Kleissner

Connection relates a neighbor Address and TA to a connection class and the
Edge carrying traffic to it. At most one Connection exists for a given
(neighbor address, class) pair at a time - enforced by the Connection
Table, not by this type itself.
*/

package core

// ConnectionClass distinguishes why a neighbor is in the Connection Table.
type ConnectionClass int

const (
	// Near connections are ring-adjacent structured neighbors.
	Near ConnectionClass = iota
	// Shortcut connections are long-range peers sampled from the 1/d
	// distribution (Shortcut Sampler.go).
	Shortcut
	// Leaf connections are additional ring-adjacent neighbors kept beyond
	// the immediate structured set. They appear in status exchange neighbor
	// lists; status pushes themselves go only to Near neighbors.
	Leaf
)

func (c ConnectionClass) String() string {
	switch c {
	case Near:
		return "near"
	case Shortcut:
		return "shortcut"
	case Leaf:
		return "leaf"
	default:
		return "unknown"
	}
}

// Connection is an established neighbor relationship of the given class.
type Connection struct {
	Address Address
	TA      TA
	Class   ConnectionClass
	Edge    *Edge
}
