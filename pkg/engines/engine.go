// Package engines wraps every native inference server behind one adapter:
// choose a port, spawn the child, wait for readiness, forward HTTP to it,
// and stop it on unload.
package engines

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bhardwajRahul/lemonade/pkg/backends"
	"github.com/bhardwajRahul/lemonade/pkg/errdefs"
	"github.com/bhardwajRahul/lemonade/pkg/logging"
	"github.com/bhardwajRahul/lemonade/pkg/models"
	"github.com/bhardwajRahul/lemonade/pkg/ports"
	"github.com/bhardwajRahul/lemonade/pkg/process"
)

// readinessProbeInterval is the delay between readiness probes during
// engine startup.
const readinessProbeInterval = 200 * time.Millisecond

// Paths carry the resolved on-disk weight files handed to argv builders.
type Paths struct {
	Main        string
	Mmproj      string
	TextEncoder string
	Vae         string
}

// Status is the externally visible description of a running engine.
type Status struct {
	Recipe      string    `json:"recipe"`
	Backend     string    `json:"backend"`
	Model       string    `json:"model"`
	Fingerprint string    `json:"options_fingerprint,omitempty"`
	PID         int       `json:"pid"`
	Port        int       `json:"port"`
	StartedAt   time.Time `json:"started_at"`
	LastUsed    time.Time `json:"last_used"`
}

// Engine is a live child process bound to exactly one loaded model.
type Engine struct {
	log         logging.Logger
	spec        *backends.Spec
	backend     string
	model       *models.ModelInfo
	fingerprint string
	port        int
	handle      *process.Handle
	client      *http.Client
	baseURL     string
	startedAt   time.Time
	lastUsed    atomic.Int64
}

// Load spawns an engine for the model and blocks until it answers its
// readiness probe or the recipe deadline passes.
func Load(
	ctx context.Context,
	log logging.Logger,
	spec *backends.Spec,
	backend, installDir string,
	info *models.ModelInfo,
	paths Paths,
	opts LoadOptions,
) (*Engine, error) {
	build, ok := builders[spec.Recipe]
	if !ok {
		return nil, fmt.Errorf("no engine implementation for recipe %s", spec.Recipe)
	}

	port, err := ports.ChooseEphemeral()
	if err != nil {
		return nil, err
	}
	args, err := build(info, paths, port, opts)
	if err != nil {
		return nil, err
	}

	exePath := filepath.Join(installDir, spec.Executable())
	if spec.VendorInstaller {
		// Vendor-installed engines live on PATH; installDir is the resolved
		// executable itself.
		exePath = installDir
	}

	env := map[string]string{"LEMON_LOG_LEVEL": os.Getenv("LEMON_LOG_LEVEL")}
	if spec.NeedsRuntimeLibs(backend) {
		prependLoaderPath(env, filepath.Dir(exePath))
	}

	log.Infof("Starting %s: %s %s", spec.Recipe, exePath, strings.Join(args, " "))
	handle, err := process.Start(exePath, args, process.Options{
		Env:              env,
		InheritOutput:    true,
		FilterHealthLogs: true,
		HealthPattern:    spec.ReadinessPath + " ",
		Log:              log,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		log:         log,
		spec:        spec,
		backend:     backend,
		model:       info,
		fingerprint: opts.Fingerprint(),
		port:        port,
		handle:      handle,
		client:      &http.Client{},
		baseURL:     fmt.Sprintf("http://127.0.0.1:%d", port),
		startedAt:   time.Now(),
	}
	e.Touch()

	if err := e.waitReady(ctx); err != nil {
		e.Unload()
		return nil, err
	}
	log.Infof("Engine %s:%s ready on port %d with model %s", spec.Recipe, backend, port, info.Name)
	return e, nil
}

// prependLoaderPath adds dir to the dynamic-linker search path so vendor
// runtime libraries shipped next to the executable resolve at launch. The
// host-provided value is prepended to, never replaced.
func prependLoaderPath(env map[string]string, dir string) {
	variable := "LD_LIBRARY_PATH"
	switch runtime.GOOS {
	case "windows":
		variable = "PATH"
	case "darwin":
		variable = "DYLD_LIBRARY_PATH"
	}
	value := dir
	if libDir := filepath.Join(dir, "lib"); dirExists(libDir) {
		value = value + string(os.PathListSeparator) + libDir
	}
	if existing := os.Getenv(variable); existing != "" {
		value = value + string(os.PathListSeparator) + existing
	}
	env[variable] = value
}

func dirExists(path string) bool {
	stat, err := os.Stat(path)
	return err == nil && stat.IsDir()
}

// waitReady polls the recipe's readiness endpoint until it answers 2xx, the
// child dies, or the deadline passes (in which case the child is stopped
// before returning).
func (e *Engine) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(e.spec.ReadinessDeadline)
	probeClient := &http.Client{Timeout: 2 * time.Second}
	url := e.baseURL + e.spec.ReadinessPath
	for {
		if !e.handle.IsRunning() {
			err := e.handle.Wait()
			tail := e.handle.Tail()
			if tail != "" {
				return fmt.Errorf("engine exited during startup: %v\nwith output: %s", err, tail)
			}
			return fmt.Errorf("engine exited during startup: %v", err)
		}

		request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
		if err != nil {
			return err
		}
		response, err := probeClient.Do(request)
		if err == nil {
			response.Body.Close()
			if response.StatusCode >= 200 && response.StatusCode < 300 {
				return nil
			}
		}

		if time.Now().After(deadline) {
			return &errdefs.NotReadyError{
				Recipe:  e.spec.Recipe,
				Backend: e.backend,
				Elapsed: e.spec.ReadinessDeadline,
			}
		}
		select {
		case <-time.After(readinessProbeInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Touch records a use of the engine.
func (e *Engine) Touch() {
	e.lastUsed.Store(time.Now().UnixNano())
}

// Matches reports whether the engine already serves the requested model and
// options. An empty fingerprint matches any loaded options.
func (e *Engine) Matches(modelName, fingerprint string) bool {
	if e.model.Name != modelName {
		return false
	}
	return fingerprint == "" || fingerprint == e.fingerprint
}

// Supports reports whether the engine's recipe serves a capability.
func (e *Engine) Supports(c backends.Capability) bool {
	return e.spec.Supports(c)
}

// Model returns the loaded model.
func (e *Engine) Model() *models.ModelInfo {
	return e.model
}

// Recipe returns the engine's recipe name.
func (e *Engine) Recipe() string {
	return e.spec.Recipe
}

// BaseURL returns the child's loopback HTTP address.
func (e *Engine) BaseURL() string {
	return e.baseURL
}

// Describe snapshots the engine for /health.
func (e *Engine) Describe() Status {
	return Status{
		Recipe:      e.spec.Recipe,
		Backend:     e.backend,
		Model:       e.model.Name,
		Fingerprint: e.fingerprint,
		PID:         e.handle.PID(),
		Port:        e.port,
		StartedAt:   e.startedAt,
		LastUsed:    time.Unix(0, e.lastUsed.Load()),
	}
}

// Healthy reports whether the child is still running.
func (e *Engine) Healthy() bool {
	return e.handle != nil && e.handle.IsRunning()
}

// Unload stops the child and clears the handle. It is idempotent.
func (e *Engine) Unload() {
	if e.handle == nil {
		return
	}
	e.log.Infof("Stopping %s engine (pid %d)", e.spec.Recipe, e.handle.PID())
	e.handle.Stop()
	e.client.CloseIdleConnections()
	e.handle = nil
	e.port = 0
}

// do issues a request to the child and wraps transport failures.
func (e *Engine) do(ctx context.Context, method, path, contentType string, body io.Reader, timeout time.Duration) (*http.Response, error) {
	client := e.client
	if timeout > 0 {
		// The timeout covers the whole exchange including body reads, so
		// streaming forwards pass zero and rely on the request context.
		bounded := *e.client
		bounded.Timeout = timeout
		client = &bounded
	}
	request, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	response, err := client.Do(request)
	if err != nil {
		return nil, &errdefs.TransportError{Cause: err}
	}
	e.Touch()
	return response, nil
}

// ForwardJSON issues a unary JSON request and returns the response body and
// status code.
func (e *Engine) ForwardJSON(ctx context.Context, path string, body []byte, timeout time.Duration) ([]byte, int, error) {
	response, err := e.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(body), timeout)
	if err != nil {
		return nil, 0, err
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, 0, &errdefs.TransportError{Cause: err}
	}
	return payload, response.StatusCode, nil
}

// ForwardStream opens a chunked request to the child and copies bytes to w
// as they arrive. With sse set, framed event/data blocks pass through
// unmodified.
func (e *Engine) ForwardStream(ctx context.Context, path string, body []byte, w http.ResponseWriter, sse bool, timeout time.Duration) error {
	response, err := e.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(body), timeout)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if sse {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
	} else if contentType := response.Header.Get("Content-Type"); contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(response.StatusCode)

	flusher, _ := w.(http.Flusher)
	buffer := make([]byte, 32*1024)
	for {
		n, readErr := response.Body.Read(buffer)
		if n > 0 {
			if _, writeErr := w.Write(buffer[:n]); writeErr != nil {
				return nil // Consumer went away; nothing to report.
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return &errdefs.TransportError{Cause: readErr}
		}
	}
}

// Field is one part of a multipart forward.
type Field struct {
	Name        string
	Filename    string
	ContentType string
	Value       []byte
}

// ForwardMultipart builds a multipart/form-data body from fields and
// forwards it to the child.
func (e *Engine) ForwardMultipart(ctx context.Context, path string, fields []Field, timeout time.Duration) ([]byte, int, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for _, field := range fields {
		var part io.Writer
		var err error
		if field.Filename != "" {
			part, err = writer.CreateFormFile(field.Name, field.Filename)
		} else {
			part, err = writer.CreateFormField(field.Name)
		}
		if err != nil {
			return nil, 0, err
		}
		if _, err := part.Write(field.Value); err != nil {
			return nil, 0, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, 0, err
	}

	response, err := e.do(ctx, http.MethodPost, path, writer.FormDataContentType(), &body, timeout)
	if err != nil {
		return nil, 0, err
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, 0, &errdefs.TransportError{Cause: err}
	}
	return payload, response.StatusCode, nil
}

// ForwardRaw issues a unary request and returns the raw response for callers
// that need the child's content type (e.g. synthesized audio).
func (e *Engine) ForwardRaw(ctx context.Context, path string, body []byte, timeout time.Duration) (*http.Response, error) {
	return e.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(body), timeout)
}
