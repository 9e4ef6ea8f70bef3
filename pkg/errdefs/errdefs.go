// Package errdefs defines the tagged error kinds surfaced by the gateway.
// Handlers map these onto HTTP statuses with StatusOf; everything else is
// wrapped and propagated verbatim.
package errdefs

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrModelNotFound indicates that a requested model is not known to the model
// manager. When returned in conjunction with an HTTP request, it should be
// paired with a 404 response status.
var ErrModelNotFound = errors.New("model not found")

// ErrSlotBusy indicates that another request is already driving a pre-flight
// transition for the same engine slot.
var ErrSlotBusy = errors.New("engine slot is busy loading")

// ErrAlreadyInstalling indicates that an install for the same recipe and
// backend is already in progress.
var ErrAlreadyInstalling = errors.New("already installing")

// UnsupportedBackendError indicates that a backend cannot run on this host.
type UnsupportedBackendError struct {
	Recipe  string
	Backend string
	Reason  string
}

func (e *UnsupportedBackendError) Error() string {
	return fmt.Sprintf("backend %s:%s is not supported on this system: %s", e.Recipe, e.Backend, e.Reason)
}

// InstallFailedError indicates that a backend installation failed.
type InstallFailedError struct {
	Recipe  string
	Backend string
	Cause   error
}

func (e *InstallFailedError) Error() string {
	return fmt.Sprintf("installation of %s:%s failed: %v", e.Recipe, e.Backend, e.Cause)
}

func (e *InstallFailedError) Unwrap() error {
	return e.Cause
}

// ModelInvalidatedError indicates that an engine rejected a model on first
// use. The orchestrator re-pulls and retries exactly once before surfacing it.
type ModelInvalidatedError struct {
	Model string
}

func (e *ModelInvalidatedError) Error() string {
	return fmt.Sprintf("model %s was invalidated by the engine", e.Model)
}

// Abort reasons for DownloadAbortedError.
const (
	AbortPaused    = "paused"
	AbortCancelled = "cancelled"
)

// DownloadAbortedError indicates that a transfer was stopped by a control
// event rather than by failure.
type DownloadAbortedError struct {
	Reason string
}

func (e *DownloadAbortedError) Error() string {
	return "download " + e.Reason
}

// Paused reports whether the abort retains partial files.
func (e *DownloadAbortedError) Paused() bool {
	return e.Reason == AbortPaused
}

// NotReadyError indicates that an engine did not answer its readiness probe
// within the configured deadline.
type NotReadyError struct {
	Recipe  string
	Backend string
	Elapsed time.Duration
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("engine %s:%s did not become ready within %s", e.Recipe, e.Backend, e.Elapsed)
}

// UnsupportedOperationError indicates a capability mismatch between the
// requested operation and the engine serving the model.
type UnsupportedOperationError struct {
	Operation string
	Engine    string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("operation %q is not supported by the %s engine", e.Operation, e.Engine)
}

// TransportError indicates a failure talking to a child engine.
type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("engine transport error: %v", e.Cause)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// StatusOf maps an error to the HTTP status most appropriate for it.
func StatusOf(err error) int {
	var unsupportedBackend *UnsupportedBackendError
	var unsupportedOp *UnsupportedOperationError
	var notReady *NotReadyError
	switch {
	case errors.Is(err, ErrModelNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrSlotBusy), errors.Is(err, ErrAlreadyInstalling):
		return http.StatusConflict
	case errors.As(err, &unsupportedBackend), errors.As(err, &unsupportedOp):
		return http.StatusBadRequest
	case errors.As(err, &notReady):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
