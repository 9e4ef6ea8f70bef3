// Package ports hands out ephemeral loopback ports for child engines.
package ports

import (
	"fmt"
	"net"
)

// ChooseEphemeral binds a temporary listener on 127.0.0.1:0, reads back the
// kernel-assigned port, and releases it. The window between release and the
// child's own bind is accepted; engines retry their bind once on failure.
func ChooseEphemeral() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("unable to probe for a free port: %w", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	if err := listener.Close(); err != nil {
		return 0, fmt.Errorf("unable to release probe listener: %w", err)
	}
	return port, nil
}
