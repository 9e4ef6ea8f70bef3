package server

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/docker/go-units"

	"github.com/bhardwajRahul/lemonade/pkg/backends"
	"github.com/bhardwajRahul/lemonade/pkg/engines"
	"github.com/bhardwajRahul/lemonade/pkg/errdefs"
	"github.com/bhardwajRahul/lemonade/pkg/events"
	"github.com/bhardwajRahul/lemonade/pkg/logging"
	"github.com/bhardwajRahul/lemonade/pkg/memory"
	"github.com/bhardwajRahul/lemonade/pkg/models"
	"github.com/bhardwajRahul/lemonade/pkg/transfers"
)

// slotLock returns the mutex serializing pre-flight transitions for a slot.
func (s *Server) slotLock(key slotKey) *sync.Mutex {
	s.slotLocksMu.Lock()
	defer s.slotLocksMu.Unlock()
	lock, ok := s.slotLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.slotLocks[key] = lock
	}
	return lock
}

// lookupEngine returns the engine in a slot, if any.
func (s *Server) lookupEngine(key slotKey) *engines.Engine {
	s.enginesMu.Lock()
	defer s.enginesMu.Unlock()
	return s.engines[key]
}

// ensureLoaded is the pre-flight state machine: resolve the model, verify
// the capability, and return a ready engine — installing the backend,
// downloading weights, and swapping engines as needed. Concurrent
// pre-flight attempts for one slot fail fast with ErrSlotBusy.
func (s *Server) ensureLoaded(
	ctx context.Context,
	modelName string,
	opts engines.LoadOptions,
	capability backends.Capability,
) (*engines.Engine, error) {
	info, err := s.models.Resolve(modelName)
	if err != nil {
		return nil, err
	}
	spec, err := backends.SpecFor(info.Recipe)
	if err != nil {
		return nil, err
	}
	if !spec.Supports(capability) {
		return nil, &errdefs.UnsupportedOperationError{Operation: string(capability), Engine: spec.Recipe}
	}

	backend := opts.String("backend", s.backends.DefaultBackend(spec))
	key := slotKey{recipe: info.Recipe, backend: backend}
	fingerprint := opts.Fingerprint()

	// Fast path: the slot already serves this model with matching options.
	if engine := s.lookupEngine(key); engine != nil && engine.Healthy() && engine.Matches(info.Name, fingerprint) {
		engine.Touch()
		return engine, nil
	}

	lock := s.slotLock(key)
	if !lock.TryLock() {
		return nil, errdefs.ErrSlotBusy
	}
	defer lock.Unlock()

	// Re-check under the slot lock; a concurrent pre-flight may have loaded
	// exactly what we need.
	if engine := s.lookupEngine(key); engine != nil && engine.Healthy() && engine.Matches(info.Name, fingerprint) {
		engine.Touch()
		return engine, nil
	}

	if err := s.backends.EnsureInstalled(ctx, info.Recipe, backend, s.trackedInstallProgress(info.Recipe, backend)); err != nil {
		return nil, err
	}

	if !spec.ExternalModels && !s.models.Downloaded(info) {
		if err := s.pullTracked(info, nil); err != nil {
			return nil, err
		}
	}

	// Evict whatever else occupies the slot; unload happens-before the next
	// load, enforced by the slot lock we hold.
	if existing := s.lookupEngine(key); existing != nil {
		existing.Unload()
		s.enginesMu.Lock()
		delete(s.engines, key)
		s.enginesMu.Unlock()
	}

	engine, err := s.loadEngine(ctx, spec, backend, info, opts)
	if err != nil && !spec.ExternalModels && looksModelInvalidated(err) {
		// The engine rejected the weights; re-pull once and retry once.
		s.log.Warnf("Model %s appears invalidated (%v); re-pulling", info.Name, err)
		if deleteErr := s.models.Delete(info.Name); deleteErr != nil {
			return nil, err
		}
		if pullErr := s.pullTracked(info, nil); pullErr != nil {
			return nil, pullErr
		}
		engine, err = s.loadEngine(ctx, spec, backend, info, opts)
	}
	if err != nil {
		return nil, err
	}

	s.enginesMu.Lock()
	s.engines[key] = engine
	s.enginesMu.Unlock()
	return engine, nil
}

// loadEngine resolves weight paths, checks the memory estimate, and spawns
// the engine.
func (s *Server) loadEngine(
	ctx context.Context,
	spec *backends.Spec,
	backend string,
	info *models.ModelInfo,
	opts engines.LoadOptions,
) (*engines.Engine, error) {
	installDir, ok := s.backends.InstalledDir(spec, backend)
	if !ok {
		return nil, &errdefs.InstallFailedError{
			Recipe:  spec.Recipe,
			Backend: backend,
			Cause:   errors.New("install directory disappeared after installation"),
		}
	}

	paths := engines.Paths{
		Main:        s.models.ResolvedPath(info, models.RoleMain),
		Mmproj:      s.models.ResolvedPath(info, models.RoleMmproj),
		TextEncoder: s.models.ResolvedPath(info, models.RoleTextEncoder),
		Vae:         s.models.ResolvedPath(info, models.RoleVae),
	}
	if spec.Recipe == "ryzenai-llm" {
		// The engine takes the model directory, not a single file.
		paths.Main = s.models.Dir(info)
	}

	s.gateOnMemory(spec, backend, paths.Main, opts)

	engineLog := logging.Component(s.log, spec.Recipe)
	return engines.Load(ctx, engineLog, spec, backend, installDir, info, paths, opts)
}

// gateOnMemory estimates the model's working set for GGUF-served models and
// logs a warning when it exceeds system memory. Estimation is advisory;
// the engine is the final authority.
func (s *Server) gateOnMemory(spec *backends.Spec, backend, mainPath string, opts engines.LoadOptions) {
	if spec.Recipe != "llamacpp" || mainPath == "" || s.host.TotalMemory == 0 {
		return
	}
	offload := backend != "cpu"
	estimate, err := memory.EstimateGGUF(mainPath, opts.Int("ctx_size", 4096), offload)
	if err != nil {
		s.log.Debugf("Memory estimation failed for %s: %v", mainPath, err)
		return
	}
	if estimate.RAM > s.host.TotalMemory {
		s.log.Warnf("Model needs an estimated %s of memory but the system has %s; the load may fail",
			units.BytesSize(float64(estimate.RAM)), units.BytesSize(float64(s.host.TotalMemory)))
	}
}

// looksModelInvalidated detects engine startup failures caused by rejected
// or missing weights.
func looksModelInvalidated(err error) bool {
	message := strings.ToLower(err.Error())
	if !strings.Contains(message, "model") {
		return false
	}
	return strings.Contains(message, "invalid") ||
		strings.Contains(message, "not found") ||
		strings.Contains(message, "failed to load")
}

// trackedInstallProgress registers a backend transfer so UIs observe
// installs triggered implicitly by inference pre-flight.
func (s *Server) trackedInstallProgress(recipe, backend string) backends.ProgressFunc {
	name := recipe + ":" + backend
	var transfer *transfers.Transfer
	return func(received, total int64) {
		if transfer == nil {
			transfer = s.transfers.Start(context.Background(), transfers.KindBackend, name)
		}
		transfer.Progress(received, total)
		if total > 0 && received >= total {
			transfer.Complete()
			s.transfers.Remove(transfer.ID)
		}
	}
}

// pullTracked downloads a model's weights with transfer tracking but
// without an event stream (used from pre-flight, where the inference
// response itself is the only client channel). The transfer derives from
// the background context so that only the control channel stops it.
func (s *Server) pullTracked(info *models.ModelInfo, emit func(events.Progress) error) error {
	transfer := s.transfers.Start(context.Background(), transfers.KindModel, info.Name)
	err := s.models.Pull(transfer.Context(), info, transfer, emit)
	if err != nil {
		transfer.Fail(err)
		return err
	}
	transfer.Complete()
	s.transfers.Remove(transfer.ID)
	return nil
}
