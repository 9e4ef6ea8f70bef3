//go:build windows

package process

import (
	"os"
	"os/exec"

	"github.com/kolesnikovae/go-winjob"
)

// platformHandle carries the job object enclosing the child so that the
// whole process tree dies with it.
type platformHandle struct {
	job *winjob.JobObject
}

func startPlatform(cmd *exec.Cmd) (platformHandle, error) {
	job, err := winjob.Start(cmd, winjob.WithKillOnJobClose())
	if err != nil {
		return platformHandle{}, err
	}
	return platformHandle{job: job}, nil
}

// terminate kills the child outright. Windows has no useful graceful signal
// for console-less children; the job object tears down any grandchildren.
func (platformHandle) terminate(p *os.Process) {
	_ = p.Kill()
}

func (h platformHandle) close() {
	if h.job != nil {
		_ = h.job.Close()
	}
}
