package service

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	// DefaultHTTPPort replaces configured base ports in the privileged range.
	DefaultHTTPPort = 8080
	maxPort         = 65535
)

// Listen binds the first free TCP port at or above base. Ports for which
// skip returns true are passed over. The returned listener owns the port.
func Listen(host string, base int, skip func(int) bool) (net.Listener, int, error) {
	if base <= 1024 {
		base = DefaultHTTPPort
	}
	var lastErr error
	for p := base; p <= maxPort; p++ {
		if skip != nil && skip(p) {
			continue
		}
		ln, err := net.Listen("tcp", net.JoinHostPort(strings.TrimSpace(host), strconv.Itoa(p)))
		if err != nil {
			lastErr = err
			continue
		}
		return ln, ln.Addr().(*net.TCPAddr).Port, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no candidate ports")
	}
	return nil, 0, fmt.Errorf("no free port from %d: %w", base, lastErr)
}

// FreePort returns the first port at or above base that can be bound right
// now. The port is released before returning.
func FreePort(host string, base int, skip func(int) bool) (int, error) {
	ln, port, err := Listen(host, base, skip)
	if err != nil {
		return 0, err
	}
	ln.Close()
	return port, nil
}

// LocalIP returns the first private IPv4 address of this machine, falling
// back to loopback.
func LocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	var fallback string
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		ip4 := ipnet.IP.To4()
		if ip4 == nil {
			continue
		}
		if ip4.IsPrivate() {
			return ip4.String()
		}
		if fallback == "" {
			fallback = ip4.String()
		}
	}
	if fallback != "" {
		return fallback
	}
	return "127.0.0.1"
}
