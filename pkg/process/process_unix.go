//go:build !windows

package process

import (
	"os"
	"os/exec"
)

// platformHandle carries the platform-specific pieces of a spawned child.
type platformHandle struct{}

func startPlatform(cmd *exec.Cmd) (platformHandle, error) {
	return platformHandle{}, cmd.Start()
}

// terminate sends the graceful termination signal.
func (platformHandle) terminate(p *os.Process) {
	_ = p.Signal(os.Interrupt)
}

func (platformHandle) close() {}
