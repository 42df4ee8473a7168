/*
File Name:  Network Detection.go
Copyright:  2021 Peernet Foundation s.r.o.
Author:     Peter Kleissner

Local network interface enumeration, used by the Edge Listener to build
its default LocalTAs list when the configuration does not override it.
*/

package core

import (
	"net"
	"strings"
)

// NetworkListIPs returns a list of all IPs bound to local interfaces.
func NetworkListIPs() (IPs []net.IP, err error) {
	interfaceList, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	// iterate through all interfaces
	for _, ifaceSingle := range interfaceList {
		addresses, err := ifaceSingle.Addrs()
		if err != nil {
			continue
		}

		// iterate through all IPs of the interface
		for _, address := range addresses {
			if ipnet, ok := address.(*net.IPNet); ok {
				IPs = append(IPs, ipnet.IP)
			}
		}
	}

	return IPs, nil
}

// IsIPv4 checks if an IP address is IPv4.
func IsIPv4(IP net.IP) bool {
	return IP.To4() != nil
}

// IsIPv6 checks if an IP address is IPv6.
func IsIPv6(IP net.IP) bool {
	return IP.To4() == nil && IP.To16() != nil
}

// IsNetworkErrorFatal checks if a network error indicates a broken
// connection rather than a transient one. Not every network error
// indicates a broken connection; this prevents over-dropping the listener.
func IsNetworkErrorFatal(err error) bool {
	if err == nil {
		return false
	}

	// Windows: a common error when the network adapter is disabled.
	if strings.Contains(err.Error(), "requested address is not valid in its context") {
		return true
	}
	if strings.Contains(err.Error(), "use of closed network connection") {
		return true
	}

	return false
}
