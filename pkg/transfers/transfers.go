// Package transfers tracks long-running downloads (model weights and backend
// archives) in a process-wide registry with cooperative pause, cancel, and
// resume driven by a control channel.
package transfers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/bhardwajRahul/lemonade/pkg/errdefs"
)

// State is the lifecycle state of a transfer.
type State string

const (
	StateActive    State = "active"
	StatePaused    State = "paused"
	StateCancelled State = "cancelled"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Kind distinguishes what a transfer is fetching.
type Kind string

const (
	KindModel   Kind = "model"
	KindBackend Kind = "backend"
)

// ErrTransferNotFound is returned by control operations naming an unknown
// transfer.
var ErrTransferNotFound = errors.New("transfer not found")

// Transfer is one tracked download. The fetching goroutine mutates progress;
// control events flip the abort reason and cancel the carried context.
type Transfer struct {
	ID          string
	DisplayName string
	Kind        Kind

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	abortReason string
	bytes       int64
	total       int64
	err         error
}

// Context returns the context the fetching goroutine must derive its I/O
// from; pause and cancel fire through its cancellation.
func (t *Transfer) Context() context.Context {
	return t.ctx
}

// Progress records byte counts.
func (t *Transfer) Progress(bytes, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if bytes > t.bytes {
		t.bytes = bytes
	}
	if total > 0 {
		t.total = total
	}
}

// Err converts the transfer's current control state into the error the
// fetching goroutine should return after its I/O is interrupted, or nil if
// no control event fired.
func (t *Transfer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.abortReason == "" {
		return nil
	}
	return &errdefs.DownloadAbortedError{Reason: t.abortReason}
}

// Complete marks the transfer completed.
func (t *Transfer) Complete() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateActive {
		t.state = StateCompleted
		if t.total == 0 {
			t.total = t.bytes
		}
		t.bytes = t.total
	}
}

// Fail marks the transfer failed unless a control event already decided the
// outcome.
func (t *Transfer) Fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateActive {
		t.state = StateFailed
		t.err = err
	}
}

// Snapshot is an immutable view of a transfer for listings.
type Snapshot struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Kind        Kind   `json:"kind"`
	State       State  `json:"state"`
	Bytes       int64  `json:"bytes_received"`
	Total       int64  `json:"total_bytes"`
	Error       string `json:"error,omitempty"`
}

func (t *Transfer) snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Snapshot{
		ID:          t.ID,
		DisplayName: t.DisplayName,
		Kind:        t.Kind,
		State:       t.state,
		Bytes:       t.bytes,
		Total:       t.total,
	}
	if t.err != nil {
		s.Error = t.err.Error()
	}
	return s
}

// Registry is the process-wide transfer table.
type Registry struct {
	mu   sync.Mutex
	byID map[string]*Transfer
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Transfer)}
}

// Start registers a new active transfer derived from parent. The returned
// transfer's Context governs the fetch.
func (r *Registry) Start(parent context.Context, kind Kind, displayName string) *Transfer {
	ctx, cancel := context.WithCancel(parent)
	t := &Transfer{
		ID:          uuid.NewString(),
		DisplayName: displayName,
		Kind:        kind,
		ctx:         ctx,
		cancel:      cancel,
		state:       StateActive,
	}
	r.mu.Lock()
	r.byID[t.ID] = t
	r.mu.Unlock()
	return t
}

// find locates a transfer by ID or display name.
func (r *Registry) find(ref string) *Transfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.byID[ref]; ok {
		return t
	}
	for _, t := range r.byID {
		if t.DisplayName == ref {
			return t
		}
	}
	return nil
}

// Pause flips an active transfer to paused and aborts its I/O. Partial files
// are retained by the pipeline.
func (r *Registry) Pause(ref string) error {
	t := r.find(ref)
	if t == nil {
		return ErrTransferNotFound
	}
	t.mu.Lock()
	if t.state != StateActive {
		state := t.state
		t.mu.Unlock()
		return fmt.Errorf("transfer %s is %s, not active", t.DisplayName, state)
	}
	t.state = StatePaused
	t.abortReason = errdefs.AbortPaused
	t.mu.Unlock()
	t.cancel()
	return nil
}

// Cancel aborts a transfer's I/O; the pipeline removes partial files.
func (r *Registry) Cancel(ref string) error {
	t := r.find(ref)
	if t == nil {
		return ErrTransferNotFound
	}
	t.mu.Lock()
	if t.state != StateActive && t.state != StatePaused {
		state := t.state
		t.mu.Unlock()
		return fmt.Errorf("transfer %s is already %s", t.DisplayName, state)
	}
	t.state = StateCancelled
	t.abortReason = errdefs.AbortCancelled
	t.mu.Unlock()
	t.cancel()
	return nil
}

// TakePaused removes and returns a paused transfer so that a resume can
// re-invoke the pipeline with a fresh transfer. It returns nil when ref does
// not name a paused transfer.
func (r *Registry) TakePaused(ref string) *Transfer {
	t := r.find(ref)
	if t == nil {
		return nil
	}
	t.mu.Lock()
	paused := t.state == StatePaused
	t.mu.Unlock()
	if !paused {
		return nil
	}
	r.Remove(t.ID)
	return t
}

// Remove drops a transfer from the registry once its consumer has
// acknowledged the terminal state.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}

// Get returns a snapshot of one transfer.
func (r *Registry) Get(ref string) (Snapshot, error) {
	t := r.find(ref)
	if t == nil {
		return Snapshot{}, ErrTransferNotFound
	}
	return t.snapshot(), nil
}

// List returns snapshots of all tracked transfers, ordered by display name.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	all := make([]*Transfer, 0, len(r.byID))
	for _, t := range r.byID {
		all = append(all, t)
	}
	r.mu.Unlock()

	snapshots := make([]Snapshot, 0, len(all))
	for _, t := range all {
		snapshots = append(snapshots, t.snapshot())
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].DisplayName < snapshots[j].DisplayName
	})
	return snapshots
}
