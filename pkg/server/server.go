// Package server hosts the gateway's HTTP surface and the orchestrator that
// ensures backend, weights, and a ready engine before every inference
// request.
package server

import (
	"net/http"
	"sync"

	"github.com/bhardwajRahul/lemonade/pkg/backends"
	"github.com/bhardwajRahul/lemonade/pkg/engines"
	"github.com/bhardwajRahul/lemonade/pkg/hostinfo"
	"github.com/bhardwajRahul/lemonade/pkg/logging"
	"github.com/bhardwajRahul/lemonade/pkg/metrics"
	"github.com/bhardwajRahul/lemonade/pkg/models"
	"github.com/bhardwajRahul/lemonade/pkg/routing"
	"github.com/bhardwajRahul/lemonade/pkg/transfers"
)

// maximumRequestSize bounds JSON inference request bodies. Large enough for
// any real-world request, small enough to avoid trivial DoS.
const maximumRequestSize = 10 * 1024 * 1024

// maximumMultipartSize bounds multipart uploads (audio files, images).
const maximumMultipartSize = 512 * 1024 * 1024

// slotKey identifies one engine slot: at most one engine runs per key.
type slotKey struct {
	recipe  string
	backend string
}

// Server is the gateway: HTTP routing plus the engine slot map.
type Server struct {
	log        logging.Logger
	host       *hostinfo.Host
	backends   *backends.Manager
	models     *models.Manager
	transfers  *transfers.Registry
	recorder   *metrics.Recorder
	httpClient *http.Client
	router     *routing.NormalizedServeMux

	// enginesMu guards engines; it is held only for lookup and mutation of
	// the map, never across spawn or I/O.
	enginesMu sync.Mutex
	engines   map[slotKey]*engines.Engine

	// slotLocksMu guards slotLocks; the per-slot locks themselves serialize
	// pre-flight transitions.
	slotLocksMu sync.Mutex
	slotLocks   map[slotKey]*sync.Mutex
}

// New assembles a server from its subsystems and registers all routes.
func New(
	log logging.Logger,
	host *hostinfo.Host,
	backendManager *backends.Manager,
	modelManager *models.Manager,
	transferRegistry *transfers.Registry,
	recorder *metrics.Recorder,
	httpClient *http.Client,
) *Server {
	s := &Server{
		log:        log,
		host:       host,
		backends:   backendManager,
		models:     modelManager,
		transfers:  transferRegistry,
		recorder:   recorder,
		httpClient: httpClient,
		router:     routing.NewNormalizedServeMux(),
		engines:    make(map[slotKey]*engines.Engine),
		slotLocks:  make(map[slotKey]*sync.Mutex),
	}
	s.registerRoutes()
	return s
}

// registerRoutes mounts every endpoint under /api/v1 plus the bare OpenAI
// aliases under /v1.
func (s *Server) registerRoutes() {
	s.router.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})

	for _, prefix := range []string{"/api/v1", "/v1"} {
		s.router.HandleFunc("GET "+prefix+"/health", s.handleHealth)
		s.router.HandleFunc("GET "+prefix+"/system-info", s.handleSystemInfo)
		s.router.HandleFunc("GET "+prefix+"/models", s.handleModels)
		s.router.HandleFunc("GET "+prefix+"/stats", s.handleStats)
		s.router.HandleFunc("GET "+prefix+"/downloads", s.handleDownloads)
		s.router.HandleFunc("POST "+prefix+"/downloads/control", s.handleDownloadsControl)
		s.router.HandleFunc("POST "+prefix+"/pull", s.handlePull)
		s.router.HandleFunc("POST "+prefix+"/delete", s.handleDelete)
		s.router.HandleFunc("POST "+prefix+"/load", s.handleLoad)
		s.router.HandleFunc("POST "+prefix+"/unload", s.handleUnload)
		s.router.HandleFunc("POST "+prefix+"/install", s.handleInstall)
		s.router.HandleFunc("POST "+prefix+"/uninstall", s.handleUninstall)

		s.router.HandleFunc("POST "+prefix+"/chat/completions", s.handleChatCompletions)
		s.router.HandleFunc("POST "+prefix+"/completions", s.handleCompletions)
		s.router.HandleFunc("POST "+prefix+"/responses", s.handleResponses)
		s.router.HandleFunc("POST "+prefix+"/embeddings", s.handleEmbeddings)
		s.router.HandleFunc("POST "+prefix+"/reranking", s.handleReranking)
		s.router.HandleFunc("POST "+prefix+"/images/generations", s.handleImageGenerations)
		s.router.HandleFunc("POST "+prefix+"/images/edits", s.handleImageEdits)
		s.router.HandleFunc("POST "+prefix+"/images/variations", s.handleImageVariations)
		s.router.HandleFunc("POST "+prefix+"/audio/transcriptions", s.handleAudioTranscriptions)
		s.router.HandleFunc("POST "+prefix+"/audio/speech", s.handleAudioSpeech)
	}

	s.router.Handle("GET /metrics", s.recorder.Handler(s.engineMetricsURL))
}

// engineMetricsURL points the metrics aggregator at the loaded llama.cpp
// engine's exposition, when one is running.
func (s *Server) engineMetricsURL() string {
	s.enginesMu.Lock()
	defer s.enginesMu.Unlock()
	for _, engine := range s.engines {
		if engine.Recipe() == "llamacpp" && engine.Healthy() {
			return engine.BaseURL() + "/metrics"
		}
	}
	return ""
}

// ServeHTTP implements net/http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Shutdown unloads every engine. It is called after the HTTP listener has
// stopped accepting requests.
func (s *Server) Shutdown() {
	s.enginesMu.Lock()
	running := make([]*engines.Engine, 0, len(s.engines))
	for key, engine := range s.engines {
		running = append(running, engine)
		delete(s.engines, key)
	}
	s.enginesMu.Unlock()

	for _, engine := range running {
		engine.Unload()
	}
}
