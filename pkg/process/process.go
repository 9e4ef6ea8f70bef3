// Package process supervises native engine child processes: spawn with
// filtered stdio, non-blocking liveness, and platform-correct termination
// with a grace period.
package process

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/bhardwajRahul/lemonade/pkg/logging"
	"github.com/bhardwajRahul/lemonade/pkg/tailbuffer"
)

// stopGracePeriod is how long Stop waits after the graceful signal before
// force-killing the child.
const stopGracePeriod = 5 * time.Second

// tailCapacity is how much child output is retained for error reports.
const tailCapacity = 2048

// Options configure a spawn.
type Options struct {
	// Dir is the working directory for the child. Empty inherits ours.
	Dir string
	// Env holds environment overrides applied on top of the host environment.
	Env map[string]string
	// InheritOutput streams child stdout/stderr through Log. When false the
	// output only feeds the crash tail buffer.
	InheritOutput bool
	// FilterHealthLogs drops output lines matching HealthPattern so readiness
	// polling doesn't swamp the logs during warmup.
	FilterHealthLogs bool
	// HealthPattern is the substring identifying readiness-probe log lines.
	HealthPattern string
	// Log receives child output when InheritOutput is set.
	Log logging.Logger
}

// Handle tracks a spawned child.
type Handle struct {
	cmd      *exec.Cmd
	tail     *tailbuffer.TailBuffer
	done     chan struct{}
	waitErr  error
	stopOnce sync.Once
	platform platformHandle
}

// Start spawns the executable with the given argv and options.
func Start(path string, args []string, opts Options) (*Handle, error) {
	cmd := exec.Command(path, args...)
	cmd.Dir = opts.Dir
	cmd.Env = mergedEnv(opts.Env)

	tail := tailbuffer.New(tailCapacity)
	var sink io.Writer = tail
	var logStream *io.PipeWriter
	if opts.InheritOutput && opts.Log != nil {
		logStream = opts.Log.Writer()
		out := io.Writer(logStream)
		if opts.FilterHealthLogs && opts.HealthPattern != "" {
			out = newLineFilter(logStream, opts.HealthPattern)
		}
		sink = io.MultiWriter(out, tail)
	}
	cmd.Stdout = sink
	cmd.Stderr = sink

	h := &Handle{
		cmd:  cmd,
		tail: tail,
		done: make(chan struct{}),
	}
	platform, err := startPlatform(cmd)
	if err != nil {
		if logStream != nil {
			logStream.Close()
		}
		return nil, fmt.Errorf("unable to start %s: %w", path, err)
	}
	h.platform = platform

	go func() {
		h.waitErr = cmd.Wait()
		if logStream != nil {
			logStream.Close()
		}
		close(h.done)
	}()

	return h, nil
}

// PID returns the child's process ID.
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// IsRunning reports child liveness without blocking.
func (h *Handle) IsRunning() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the child exits and returns its exit error, if any.
func (h *Handle) Wait() error {
	<-h.done
	return h.waitErr
}

// Tail returns the retained tail of the child's output.
func (h *Handle) Tail() string {
	return strings.TrimSpace(h.tail.String())
}

// Stop terminates the child: graceful signal first, force kill after the
// grace period. Stopping an already-stopped handle is a no-op.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		select {
		case <-h.done:
			h.platform.close()
			return
		default:
		}

		h.platform.terminate(h.cmd.Process)
		select {
		case <-h.done:
		case <-time.After(stopGracePeriod):
			_ = h.cmd.Process.Kill()
			<-h.done
		}
		h.platform.close()
	})
}

// mergedEnv overlays overrides onto the host environment.
func mergedEnv(overrides map[string]string) []string {
	if len(overrides) == 0 {
		return nil
	}
	env := os.Environ()
	for key, value := range overrides {
		prefix := key + "="
		replaced := false
		for i, existing := range env {
			if strings.HasPrefix(existing, prefix) {
				env[i] = prefix + value
				replaced = true
				break
			}
		}
		if !replaced {
			env = append(env, prefix+value)
		}
	}
	return env
}

// lineFilter drops whole lines containing a pattern before forwarding.
type lineFilter struct {
	mu      sync.Mutex
	out     io.Writer
	pattern string
	pending []byte
}

func newLineFilter(out io.Writer, pattern string) *lineFilter {
	return &lineFilter{out: out, pattern: pattern}
}

func (f *lineFilter) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pending = append(f.pending, p...)
	for {
		idx := strings.IndexByte(string(f.pending), '\n')
		if idx < 0 {
			break
		}
		line := string(f.pending[:idx])
		f.pending = f.pending[idx+1:]
		if !strings.Contains(line, f.pattern) {
			fmt.Fprintln(f.out, line)
		}
	}
	return len(p), nil
}
