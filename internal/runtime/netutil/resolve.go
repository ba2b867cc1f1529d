// Package netutil determines the endpoint this process advertises to peers.
package netutil

import (
	"net"
	"strings"

	"github.com/powerjob/remoting/internal/runtime/address"
	errspkg "github.com/powerjob/remoting/internal/runtime/errors"
)

// InterfaceAddrs lists candidate local addresses. Tests replace it.
var InterfaceAddrs = func() ([]net.Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var addrs []net.Addr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		ifaceAddrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		addrs = append(addrs, ifaceAddrs...)
	}
	return addrs, nil
}

// Resolve returns the endpoint peers should use to reach this process. A
// non-empty host or non-zero port override wins over detection and defaults.
func Resolve(host string, port int) (address.Endpoint, error) {
	return ResolveWithDefaultPort(host, port, address.DefaultServerPort)
}

// ResolveWithDefaultPort is Resolve with a caller-chosen fallback port, used by
// worker profiles.
func ResolveWithDefaultPort(host string, port, defaultPort int) (address.Endpoint, error) {
	if port == 0 {
		port = defaultPort
	}
	if port < 1 || port > 65535 {
		return address.Endpoint{}, &errspkg.EndpointResolutionError{Host: host, Port: port, Err: errspkg.ErrInvalidPort}
	}

	host = strings.TrimSpace(host)
	if host != "" {
		return address.Endpoint{Host: host, Port: port}, nil
	}

	addrs, err := InterfaceAddrs()
	if err != nil {
		return address.Endpoint{}, &errspkg.EndpointResolutionError{Port: port, Err: err}
	}
	ip := pickAddress(addrs)
	if ip == nil {
		return address.Endpoint{}, &errspkg.EndpointResolutionError{Port: port, Err: errspkg.ErrNoUsableAddress}
	}
	return address.Endpoint{Host: ip.String(), Port: port}, nil
}

// pickAddress prefers private IPv4, then any global IPv4, then global IPv6.
func pickAddress(addrs []net.Addr) net.IP {
	var globalV4, globalV6 net.IP
	for _, addr := range addrs {
		ip := ipOf(addr)
		if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() || ip.IsMulticast() {
			continue
		}
		if v4 := ip.To4(); v4 != nil {
			if v4.IsPrivate() {
				return v4
			}
			if globalV4 == nil {
				globalV4 = v4
			}
			continue
		}
		if globalV6 == nil && ip.IsGlobalUnicast() {
			globalV6 = ip
		}
	}
	if globalV4 != nil {
		return globalV4
	}
	return globalV6
}

func ipOf(addr net.Addr) net.IP {
	switch v := addr.(type) {
	case *net.IPNet:
		return v.IP
	case *net.IPAddr:
		return v.IP
	}
	return nil
}
