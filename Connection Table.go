/*
File Name:  Connection Table.go
Copyright:  2021 Peernet s.r.o.
Author:     Peter Kleissner

ConnectionTable is a mapping from connection class to a sorted sequence of
neighbor addresses, plus a single sorted sequence across all classes. All
mutations are serialized by a table-scoped lock; readers receive a
snapshot copy of any class's list so they never observe a half-mutated
slice. Event subscription is modeled as plain function values registered
on the table.
*/

package core

import (
	"sort"
	"sync"
)

// ConnectionListener is notified after a Connection Table mutation has
// already become visible to new readers.
type ConnectionListener func(conn *Connection)

// ConnectionTable holds the near, shortcut and leaf neighbors of a local
// Address, plus a sorted view across all three.
type ConnectionTable struct {
	mu sync.RWMutex

	local   Address
	classes map[ConnectionClass][]*Connection
	all     []*Connection

	onConnect    []ConnectionListener
	onDisconnect []ConnectionListener
}

// NewConnectionTable creates an empty table for the given local Address.
func NewConnectionTable(local Address) *ConnectionTable {
	return &ConnectionTable{
		local: local,
		classes: map[ConnectionClass][]*Connection{
			Near:     nil,
			Shortcut: nil,
			Leaf:     nil,
		},
	}
}

// OnConnect registers a listener fired after an Add succeeds.
func (t *ConnectionTable) OnConnect(fn ConnectionListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onConnect = append(t.onConnect, fn)
}

// OnDisconnect registers a listener fired after a Remove succeeds.
func (t *ConnectionTable) OnDisconnect(fn ConnectionListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnect = append(t.onDisconnect, fn)
}

// sortedInsertIndex returns the index at which addr belongs in a slice
// sorted by ring order (Address.Cmp), and whether it is already present.
func sortedInsertIndex(list []*Connection, addr Address) (idx int, found bool) {
	idx = sort.Search(len(list), func(i int) bool {
		return list[i].Address.Cmp(addr) >= 0
	})
	found = idx < len(list) && list[idx].Address.Equal(addr)
	return idx, found
}

func insertSorted(list []*Connection, conn *Connection) []*Connection {
	idx, _ := sortedInsertIndex(list, conn.Address)
	list = append(list, nil)
	copy(list[idx+1:], list[idx:])
	list[idx] = conn
	return list
}

func removeAt(list []*Connection, idx int) []*Connection {
	return append(list[:idx], list[idx+1:]...)
}

// Add inserts addr into the given class's sorted list and the global
// sorted list, preserving ring order. Returns false if addr is already
// present in that class.
func (t *ConnectionTable) Add(addr Address, ta TA, class ConnectionClass, edge *Edge) bool {
	t.mu.Lock()

	if _, found := sortedInsertIndex(t.classes[class], addr); found {
		t.mu.Unlock()
		return false
	}

	conn := &Connection{Address: addr, TA: ta, Class: class, Edge: edge}
	t.classes[class] = insertSorted(t.classes[class], conn)

	// The global list may carry the same address under a different class
	// (e.g. Near and Leaf); only skip the global insert if the exact
	// (address, class) pair is impossible to distinguish structurally -
	// in practice the global view tracks distinct addresses, so a second
	// class membership for the same address is represented by the same
	// global entry's Class field taking the most recently added class.
	if idx, found := sortedInsertIndex(t.all, addr); !found {
		t.all = append(t.all, nil)
		copy(t.all[idx+1:], t.all[idx:])
		t.all[idx] = conn
	} else {
		t.all[idx] = conn
	}

	listeners := append([]ConnectionListener(nil), t.onConnect...)
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(conn)
	}
	return true
}

// Remove deletes addr from every class it appears in and from the global
// list, atomically from the perspective of readers. Returns false if addr
// was not present in any class.
func (t *ConnectionTable) Remove(addr Address) bool {
	t.mu.Lock()

	var removed *Connection
	for class, list := range t.classes {
		if idx, found := sortedInsertIndex(list, addr); found {
			removed = list[idx]
			t.classes[class] = removeAt(list, idx)
		}
	}

	if removed == nil {
		t.mu.Unlock()
		return false
	}

	if idx, found := sortedInsertIndex(t.all, addr); found {
		t.all = removeAt(t.all, idx)
	}

	listeners := append([]ConnectionListener(nil), t.onDisconnect...)
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(removed)
	}
	return true
}

// GetByIndex indexes into the global sorted list, wrapping modulo the
// table size with Python-style negative wrap. Returns nil only if empty.
func (t *ConnectionTable) GetByIndex(i int) *Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := len(t.all)
	if n == 0 {
		return nil
	}
	i = ((i % n) + n) % n
	return t.all[i]
}

// IndexOf returns the nonnegative position of addr in the global sorted
// list if present, or the bitwise complement of its insertion point if
// absent (the classical binary-search convention: idx >= 0 iff present).
func (t *ConnectionTable) IndexOf(addr Address) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	idx, found := sortedInsertIndex(t.all, addr)
	if found {
		return idx
	}
	return ^idx
}

// Len returns the number of distinct addresses in the global view.
func (t *ConnectionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.all)
}

// GetLeftStructuredNeighborOf returns the Near neighbor immediately to the
// left of a on the ring. If a itself is a Near connection, it is excluded.
func (t *ConnectionTable) GetLeftStructuredNeighborOf(a Address) *Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.structuredNeighbor(a, -1)
}

// GetRightStructuredNeighborOf returns the Near neighbor immediately to
// the right of a on the ring. If a itself is a Near connection, it is
// excluded.
func (t *ConnectionTable) GetRightStructuredNeighborOf(a Address) *Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.structuredNeighbor(a, 1)
}

// structuredNeighbor must be called with t.mu held for reading.
// direction -1 = left (lower index, wraps), +1 = right (higher index, wraps).
func (t *ConnectionTable) structuredNeighbor(a Address, direction int) *Connection {
	list := t.classes[Near]
	n := len(list)
	if n == 0 {
		return nil
	}

	idx, found := sortedInsertIndex(list, a)
	var start int
	if direction < 0 {
		// "left" neighbor is the entry immediately before the insertion
		// point (or before a's own slot, if present).
		start = idx - 1
	} else {
		start = idx
		if found {
			start = idx + 1
		}
	}

	pos := ((start % n) + n) % n
	if found && list[pos].Address.Equal(a) {
		// only possible to land on self if n==1 after excluding self
		return nil
	}
	return list[pos]
}

// GetNearestTo returns the k connections (across all classes) whose
// absolute ring distance to a is smallest, in increasing distance order.
func (t *ConnectionTable) GetNearestTo(a Address, k int) []*Connection {
	t.mu.RLock()
	all := append([]*Connection(nil), t.all...)
	t.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].Address.AbsDistanceTo(a).Cmp(all[j].Address.AbsDistanceTo(a)) < 0
	})

	if k > len(all) {
		k = len(all)
	}
	return all[:k]
}

// GetConnections returns a snapshot copy of the given class's list.
func (t *ConnectionTable) GetConnections(class ConnectionClass) []*Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*Connection(nil), t.classes[class]...)
}
