package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bhardwajRahul/lemonade/pkg/backends"
	"github.com/bhardwajRahul/lemonade/pkg/engines"
	"github.com/bhardwajRahul/lemonade/pkg/errdefs"
	"github.com/bhardwajRahul/lemonade/pkg/events"
	"github.com/bhardwajRahul/lemonade/pkg/models"
	"github.com/bhardwajRahul/lemonade/pkg/transfers"
)

// handleHealth reports the orchestrator's own view of loaded engines,
// without probing them.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.enginesMu.Lock()
	statuses := make([]engines.Status, 0, len(s.engines))
	for _, engine := range s.engines {
		statuses = append(statuses, engine.Describe())
	}
	s.enginesMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"engines": statuses,
	})
}

// handleSystemInfo serves host facts plus the recipes cache.
func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"host":    s.host,
		"recipes": s.backends.GetRecipesCache(),
	})
}

// handleModels lists known and downloaded models.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	showAll := r.URL.Query().Has("show_all")
	writeJSON(w, http.StatusOK, map[string]any{
		"models": s.models.List(showAll),
	})
}

// handleStats serves the last-request telemetry counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.recorder.Snapshot())
}

// handleDownloads lists tracked transfers.
func (s *Server) handleDownloads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"transfers": s.transfers.List(),
	})
}

// handleDownloadsControl drives the pause/cancel/resume control channel.
func (s *Server) handleDownloadsControl(w http.ResponseWriter, r *http.Request) {
	var request controlRequest
	if err := decodeBody(w, r, &request); err != nil {
		writeError(w, err)
		return
	}
	ref := request.ID
	if ref == "" {
		ref = request.Model
	}
	if ref == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "id or model is required"})
		return
	}

	var err error
	switch request.Action {
	case "pause":
		err = s.transfers.Pause(ref)
	case "cancel":
		err = s.transfers.Cancel(ref)
	case "resume":
		err = s.resumePull(ref)
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("unknown action %q", request.Action)})
		return
	}
	if err != nil {
		if errors.Is(err, transfers.ErrTransferNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		} else {
			writeError(w, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// resumePull restarts a paused model download in the background. Files
// already complete on disk are skipped by the pipeline.
func (s *Server) resumePull(ref string) error {
	paused := s.transfers.TakePaused(ref)
	if paused == nil {
		return transfers.ErrTransferNotFound
	}
	info, err := s.models.Resolve(paused.DisplayName)
	if err != nil {
		return err
	}
	go func() {
		if err := s.pullTracked(info, nil); err != nil {
			s.log.Warnf("Resumed download of %s failed: %v", info.Name, err)
		}
	}()
	return nil
}

// handlePull starts a model download and streams progress events. A
// registration payload may accompany an unknown model name; it is persisted
// before the first progress event.
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var request pullRequest
	if err := decodeBody(w, r, &request); err != nil {
		writeError(w, err)
		return
	}
	if request.Model == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "model is required"})
		return
	}

	info, err := s.models.Resolve(request.Model)
	if errors.Is(err, errdefs.ErrModelNotFound) && request.Checkpoint != "" {
		info, err = s.models.Register(models.Registration{
			Name:       request.Model,
			Checkpoint: request.Checkpoint,
			Recipe:     request.Recipe,
			Reasoning:  request.Reasoning,
			Vision:     request.Vision,
			Embedding:  request.Embedding,
			Reranking:  request.Reranking,
			Mmproj:     request.Mmproj,
		})
	}
	if err != nil {
		writeError(w, err)
		return
	}

	// The transfer derives from the background context: the control channel,
	// not the event stream's lifetime, decides when a download stops.
	transfer := s.transfers.Start(context.Background(), transfers.KindModel, info.Name)
	ew := events.NewWriter(w)
	_ = ew.Emit(events.EventStarted, map[string]string{"model": info.Name, "id": transfer.ID})

	err = s.models.Pull(transfer.Context(), info, transfer, func(p events.Progress) error {
		return ew.Emit(events.EventProgress, p)
	})
	if err != nil {
		transfer.Fail(err)
		var aborted *errdefs.DownloadAbortedError
		if errors.As(err, &aborted) && !aborted.Paused() {
			// Cancellation acknowledged by this terminal frame.
			s.transfers.Remove(transfer.ID)
		}
		s.log.Warnf("Pull of %s did not complete: %v", info.Name, err)
		_ = ew.Error(err)
		return
	}
	transfer.Complete()
	s.transfers.Remove(transfer.ID)
	_ = ew.Complete()
}

// handleDelete removes a model's downloaded files.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var request pullRequest
	if err := decodeBody(w, r, &request); err != nil {
		writeError(w, err)
		return
	}
	if request.Model == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "model is required"})
		return
	}

	// Unload any engine serving the model before touching its files.
	s.unloadModel(request.Model)

	if err := s.models.Delete(request.Model); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleLoad ensures a model is loaded with the given options. Options
// arrive as arbitrary additional JSON fields.
func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	modelName, opts, err := parseLoadBody(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	engine, err := s.ensureLoadedForModel(r.Context(), modelName, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "loaded",
		"engine": engine.Describe(),
	})
}

// ensureLoadedForModel runs pre-flight with the capability implied by the
// model's modality flags.
func (s *Server) ensureLoadedForModel(ctx context.Context, modelName string, opts engines.LoadOptions) (*engines.Engine, error) {
	info, err := s.models.Resolve(modelName)
	if err != nil {
		return nil, err
	}
	spec, err := backends.SpecFor(info.Recipe)
	if err != nil {
		return nil, err
	}
	capability := backends.CapCompletion
	if len(spec.Capabilities) > 0 {
		capability = spec.Capabilities[0]
	}
	switch {
	case info.Embedding:
		capability = backends.CapEmbeddings
	case info.Reranking:
		capability = backends.CapReranking
	}
	return s.ensureLoaded(ctx, modelName, opts, capability)
}

// handleUnload stops the engine serving a model (or every engine when no
// model is named).
func (s *Server) handleUnload(w http.ResponseWriter, r *http.Request) {
	var request loadRequest
	if err := decodeBody(w, r, &request); err != nil {
		writeError(w, err)
		return
	}
	if request.Model == "" {
		s.Shutdown()
	} else if !s.unloadModel(request.Model) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no engine is serving " + request.Model})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unloaded"})
}

// unloadModel unloads every engine serving the named model, reporting
// whether any was found.
func (s *Server) unloadModel(modelName string) bool {
	s.enginesMu.Lock()
	var victims []*engines.Engine
	for key, engine := range s.engines {
		if engine.Model().Name == modelName {
			victims = append(victims, engine)
			delete(s.engines, key)
		}
	}
	s.enginesMu.Unlock()

	for _, engine := range victims {
		engine.Unload()
	}
	return len(victims) > 0
}

// handleInstall installs a backend, streaming progress events.
func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	var request installRequest
	if err := decodeBody(w, r, &request); err != nil {
		writeError(w, err)
		return
	}
	spec, err := backends.SpecFor(request.Recipe)
	if err != nil {
		writeError(w, err)
		return
	}
	backend := request.Backend
	if backend == "" {
		backend = s.backends.DefaultBackend(spec)
	}
	displayName := request.Recipe + ":" + backend

	transfer := s.transfers.Start(context.Background(), transfers.KindBackend, displayName)
	ew := events.NewWriter(w)
	_ = ew.Emit(events.EventStarted, map[string]string{"backend": displayName, "id": transfer.ID})

	err = s.backends.Install(transfer.Context(), request.Recipe, backend, func(received, total int64) {
		transfer.Progress(received, total)
		_ = ew.Emit(events.EventProgress, events.NewProgress(displayName, received, total))
	})
	if err != nil {
		if abortErr := transfer.Err(); abortErr != nil {
			err = abortErr
		}
		transfer.Fail(err)
		s.transfers.Remove(transfer.ID)
		s.log.Warnf("Install of %s failed: %v", displayName, err)
		_ = ew.Error(err)
		return
	}
	transfer.Complete()
	s.transfers.Remove(transfer.ID)
	_ = ew.Complete()
}

// handleUninstall removes an installed backend.
func (s *Server) handleUninstall(w http.ResponseWriter, r *http.Request) {
	var request installRequest
	if err := decodeBody(w, r, &request); err != nil {
		writeError(w, err)
		return
	}
	spec, err := backends.SpecFor(request.Recipe)
	if err != nil {
		writeError(w, err)
		return
	}
	backend := request.Backend
	if backend == "" {
		backend = s.backends.DefaultBackend(spec)
	}

	// Engines running out of the install directory must die first.
	s.enginesMu.Lock()
	var victims []*engines.Engine
	for key, engine := range s.engines {
		if key.recipe == request.Recipe && key.backend == backend {
			victims = append(victims, engine)
			delete(s.engines, key)
		}
	}
	s.enginesMu.Unlock()
	for _, engine := range victims {
		engine.Unload()
	}

	if err := s.backends.Uninstall(request.Recipe, backend); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "uninstalled"})
}
