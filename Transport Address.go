/*
File Name:  Transport Address.go
Copyright:  2021 Peernet s.r.o.
Author:     Peter Kleissner

TransportAddress (TA) is an opaque endpoint descriptor: a transport type
plus host and port, with a canonical scheme-qualified string form
("brunet.<type>://host:port") and structural equality.
*/

package core

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// TAType enumerates the transport types a TA may describe.
type TAType int

const (
	// TAUdp is the only transport type this core actively listens on.
	TAUdp TAType = iota
	// TATcp is reserved for higher layers; the core never binds it.
	TATcp
	// TATls is reserved for a security wrapper outside the core's scope.
	TATls
)

func (t TAType) String() string {
	switch t {
	case TAUdp:
		return "udp"
	case TATcp:
		return "tcp"
	case TATls:
		return "tls"
	default:
		return "unknown"
	}
}

func parseTAType(s string) (TAType, error) {
	switch strings.ToLower(s) {
	case "udp":
		return TAUdp, nil
	case "tcp":
		return TATcp, nil
	case "tls":
		return TATls, nil
	default:
		return 0, errors.Errorf("unknown transport address type %q", s)
	}
}

// TA is a transport address: an endpoint a peer can be dialed or found at.
type TA struct {
	Type TAType
	Host string
	Port int
}

// TAFromUDPAddr builds a TA from a net.UDPAddr as seen on the wire.
func TAFromUDPAddr(addr *net.UDPAddr) TA {
	return TA{Type: TAUdp, Host: addr.IP.String(), Port: addr.Port}
}

// UDPAddr converts the TA back into a net.UDPAddr for socket operations.
func (t TA) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(t.Host), Port: t.Port}
}

// String returns the canonical "brunet.<type>://host:port" form.
func (t TA) String() string {
	return fmt.Sprintf("brunet.%s://%s:%d", t.Type, t.Host, t.Port)
}

// Equal reports structural equality between two TAs.
func (t TA) Equal(other TA) bool {
	return t.Type == other.Type && t.Host == other.Host && t.Port == other.Port
}

// ParseTA parses a canonical "brunet.<type>://host:port" string.
func ParseTA(s string) (TA, error) {
	const prefix = "brunet."
	if !strings.HasPrefix(s, prefix) {
		return TA{}, errors.Errorf("transport address %q missing brunet. scheme", s)
	}
	rest := s[len(prefix):]

	schemeEnd := strings.Index(rest, "://")
	if schemeEnd < 0 {
		return TA{}, errors.Errorf("transport address %q missing ://", s)
	}
	taType, err := parseTAType(rest[:schemeEnd])
	if err != nil {
		return TA{}, errors.Wrapf(err, "parsing transport address %q", s)
	}

	hostport := rest[schemeEnd+3:]
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return TA{}, errors.Wrapf(err, "parsing host:port of transport address %q", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return TA{}, errors.Wrapf(err, "parsing port of transport address %q", s)
	}

	return TA{Type: taType, Host: host, Port: port}, nil
}
