package net

import (
	"fmt"
	"net"
	"strconv"
)

// EphemeralTCPPort asks the kernel for a free TCP port on host and releases it immediately.
// Whoever binds it next may race with other processes, so callers should be ready for the bind to fail.
func EphemeralTCPPort(host string) (int, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("listening on %s to acquire port: %w", host, err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// HostPort formats a port as the string Docker port bindings expect.
func HostPort(port int) string {
	return strconv.Itoa(port)
}
