/*
File Name:  reuseport.go
Copyright:  2021 Peernet s.r.o.
Author:     Peter Kleissner

Package reuseport opens a UDP socket with SO_REUSEADDR/SO_REUSEPORT set
before binding, so a fresh edge listener can reclaim a just-vacated port
across a Stop/Start pair in the same process.
*/

package reuseport

import (
	"context"
	"net"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ListenPacket opens a UDP socket bound to address with SO_REUSEADDR and
// SO_REUSEPORT applied before bind, via net.ListenConfig's Control hook.
func ListenPacket(network, address string) (net.PacketConn, error) {
	lc := net.ListenConfig{
		Control: func(fdNetwork, fdAddress string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = setReuseOptions(int(fd))
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	conn, err := lc.ListenPacket(context.Background(), network, address)
	if err != nil {
		return nil, errors.Wrap(err, "reuseport listen")
	}
	return conn, nil
}

func setReuseOptions(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return errors.Wrap(err, "setting SO_REUSEADDR")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return errors.Wrap(err, "setting SO_REUSEPORT")
	}
	return nil
}
