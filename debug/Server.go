/*
File Name:  Server.go
Copyright:  2021 Peernet s.r.o.
Author:     Peter Kleissner

Package debug exposes a read-only HTTP introspection surface over a
running EdgeListener: connection table contents, NAT history, and a
websocket stream of connection table connect/disconnect events (edge
events are not streamed). It follows webapi/API.go's
shape (a *mux.Router wired up in NewServer, JSON responses via a shared
encode helper) generalized from Peernet's full DHT/search API surface
down to the overlay-only core this repository implements.
*/

package debug

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	core "github.com/tamthanh0424/brunet"
)

// Server exposes introspection endpoints for a single EdgeListener.
type Server struct {
	Listener *core.EdgeListener
	Router   *mux.Router

	metrics *metricsSet

	subsMu sync.Mutex
	subs   map[*websocket.Conn]chan []byte
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewServer wires the introspection routes for listener and registers a
// Connection Table listener that feeds the /events websocket stream and
// the Prometheus gauges.
func NewServer(listener *core.EdgeListener) *Server {
	s := &Server{
		Listener: listener,
		Router:   mux.NewRouter(),
		metrics:  newMetricsSet(),
		subs:     make(map[*websocket.Conn]chan []byte),
	}

	s.Router.HandleFunc("/connections", s.handleConnections).Methods("GET")
	s.Router.HandleFunc("/connections/{class}", s.handleConnectionsByClass).Methods("GET")
	s.Router.HandleFunc("/nat-history", s.handleNATHistory).Methods("GET")
	s.Router.HandleFunc("/events", s.handleEvents).Methods("GET")
	s.Router.Handle("/metrics", s.metrics.handler())

	listener.Connections.OnConnect(func(conn *core.Connection) {
		s.metrics.onConnect(conn)
		s.broadcast(event{Kind: "connect", Address: conn.Address.String(), Class: conn.Class.String()})
	})
	listener.Connections.OnDisconnect(func(conn *core.Connection) {
		s.metrics.onDisconnect(conn)
		s.broadcast(event{Kind: "disconnect", Address: conn.Address.String(), Class: conn.Class.String()})
	})

	return s
}

// ListenAndServe starts the HTTP server on addr. It blocks; run it in a
// goroutine.
func (s *Server) ListenAndServe(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.Router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return server.ListenAndServe()
}

func encodeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

type connectionView struct {
	Address string `json:"address"`
	TA      string `json:"ta"`
	Class   string `json:"class"`
}

func toConnectionView(c *core.Connection) connectionView {
	return connectionView{Address: c.Address.String(), TA: c.TA.String(), Class: c.Class.String()}
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	classes := []core.ConnectionClass{core.Near, core.Shortcut, core.Leaf}
	out := make([]connectionView, 0)
	for _, class := range classes {
		for _, c := range s.Listener.Connections.GetConnections(class) {
			out = append(out, toConnectionView(c))
		}
	}
	encodeJSON(w, out)
}

func (s *Server) handleConnectionsByClass(w http.ResponseWriter, r *http.Request) {
	className := mux.Vars(r)["class"]
	var class core.ConnectionClass
	switch className {
	case "near":
		class = core.Near
	case "shortcut":
		class = core.Shortcut
	case "leaf":
		class = core.Leaf
	default:
		http.Error(w, "unknown connection class", http.StatusBadRequest)
		return
	}

	out := make([]connectionView, 0)
	for _, c := range s.Listener.Connections.GetConnections(class) {
		out = append(out, toConnectionView(c))
	}
	encodeJSON(w, out)
}

type natPointView struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	TA        string    `json:"ta,omitempty"`
}

func (s *Server) handleNATHistory(w http.ResponseWriter, r *http.Request) {
	points := s.Listener.NATHistory.Points()
	out := make([]natPointView, len(points))
	for i, p := range points {
		out[i] = natPointView{Kind: natKindString(p.Kind), Timestamp: p.Timestamp, TA: p.TA.String()}
	}
	encodeJSON(w, out)
}

func natKindString(k core.NATEventKind) string {
	switch k {
	case core.NewEdgeEvent:
		return "new_edge"
	case core.EdgeCloseEvent:
		return "edge_close"
	case core.LocalMappingChangeEvent:
		return "local_mapping_change"
	case core.RemoteMappingChangeEvent:
		return "remote_mapping_change"
	default:
		return "unknown"
	}
}

type event struct {
	Kind    string `json:"kind"`
	Address string `json:"address"`
	Class   string `json:"class"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ch := make(chan []byte, 16)
	s.subsMu.Lock()
	s.subs[conn] = ch
	s.subsMu.Unlock()

	defer func() {
		s.subsMu.Lock()
		delete(s.subs, conn)
		s.subsMu.Unlock()
		conn.Close()
	}()

	for msg := range ch {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (s *Server) broadcast(e event) {
	body, err := json.Marshal(e)
	if err != nil {
		return
	}

	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- body:
		default: // slow subscriber, drop rather than block the event source
		}
	}
}
