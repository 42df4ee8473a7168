/*
File Name:  Status Exchange.go
Copyright:  2021 Peernet s.r.o.
Author:     Peter Kleissner

On each structured connection event, pushes a neighbor-list status message
to the new connection's left and right structured neighbors. The RPC
capability used to deliver the message is an explicit interface injected
at construction rather than a process-wide manager.
*/

package core

// StatusMessage carries the connections nearest a given address, pushed to
// a neighbor so it can refresh its own shortcut/leaf candidates.
type StatusMessage struct {
	Neighbors []Connection
}

// StatusRPC is the capability StatusExchange uses to deliver a
// StatusMessage to a remote neighbor. Implementations should be
// best-effort: StatusExchange swallows any error returned.
type StatusRPC interface {
	GetStatus(target Connection, msg StatusMessage) error
}

// StatusExchange reacts to Connection Table events by pushing status
// updates to the newly-connected peer's structured neighbors.
type StatusExchange struct {
	Table        *ConnectionTable
	RPC          StatusRPC
	MaxNeighbors int
}

// NewStatusExchange wires a StatusExchange to table's connect/disconnect
// events. rpc must not be nil; maxNeighbors falls back to
// MaxNeighborsDefault if <= 0.
func NewStatusExchange(table *ConnectionTable, rpc StatusRPC, maxNeighbors int) *StatusExchange {
	if maxNeighbors <= 0 {
		maxNeighbors = MaxNeighborsDefault
	}

	s := &StatusExchange{Table: table, RPC: rpc, MaxNeighbors: maxNeighbors}
	table.OnConnect(s.onConnectionEvent)
	table.OnDisconnect(s.onConnectionEvent)
	return s
}

// onConnectionEvent builds and pushes a StatusMessage to conn's left and
// right structured neighbors (deduplicated), swallowing delivery errors.
func (s *StatusExchange) onConnectionEvent(conn *Connection) {
	left := s.Table.GetLeftStructuredNeighborOf(conn.Address)
	right := s.Table.GetRightStructuredNeighborOf(conn.Address)

	targets := make([]*Connection, 0, 2)
	targets = append(targets, left)
	if right != nil && (left == nil || !right.Address.Equal(left.Address)) {
		targets = append(targets, right)
	}

	nearest := s.Table.GetNearestTo(conn.Address, s.MaxNeighbors)
	neighbors := make([]Connection, len(nearest))
	for i, c := range nearest {
		neighbors[i] = *c
	}
	msg := StatusMessage{Neighbors: neighbors}

	for _, target := range targets {
		if target == nil {
			continue
		}
		go func(t Connection) {
			_ = s.RPC.GetStatus(t, msg)
		}(*target)
	}
}
