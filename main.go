package main

import (
	"context"
	"embed"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/bhardwajRahul/lemonade/pkg/backends"
	"github.com/bhardwajRahul/lemonade/pkg/hostinfo"
	"github.com/bhardwajRahul/lemonade/pkg/logging"
	"github.com/bhardwajRahul/lemonade/pkg/metrics"
	"github.com/bhardwajRahul/lemonade/pkg/middleware"
	"github.com/bhardwajRahul/lemonade/pkg/models"
	"github.com/bhardwajRahul/lemonade/pkg/paths"
	"github.com/bhardwajRahul/lemonade/pkg/server"
	"github.com/bhardwajRahul/lemonade/pkg/transfers"
	"github.com/bhardwajRahul/lemonade/pkg/version"
)

//go:embed resources/backend_versions.json
var embeddedResources embed.FS

var log = logging.New(os.Getenv("LEMON_LOG_LEVEL"))

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cacheRoot := paths.CacheRoot()
	configRoot := paths.ConfigRoot()
	if err := os.MkdirAll(cacheRoot, 0o755); err != nil {
		log.Fatalf("Unable to create cache directory %s: %v", cacheRoot, err)
	}

	registry, err := loadVersionRegistry(configRoot)
	if err != nil {
		log.Fatalf("Unable to load backend versions: %v", err)
	}

	host := hostinfo.Probe(logging.Component(log, "hostinfo"))

	backendManager := backends.NewManager(
		logging.Component(log, "backends"),
		cacheRoot,
		host,
		registry,
		http.DefaultClient,
	)

	modelManager, err := models.NewManager(
		logging.Component(log, "models"),
		cacheRoot,
		configRoot,
		http.DefaultClient,
	)
	if err != nil {
		log.Fatalf("Unable to initialize model manager: %v", err)
	}

	gateway := server.New(
		logging.Component(log, "server"),
		host,
		backendManager,
		modelManager,
		transfers.NewRegistry(),
		metrics.NewRecorder(logging.Component(log, "metrics")),
		http.DefaultClient,
	)

	bindHost := os.Getenv("LEMON_HOST")
	if bindHost == "" {
		bindHost = "127.0.0.1"
	}
	bindPort := os.Getenv("LEMON_PORT")
	if bindPort == "" {
		bindPort = "8000"
	}
	addr := net.JoinHostPort(bindHost, bindPort)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: middleware.Cors(nil, gateway),
	}
	serverErrors := make(chan error, 1)
	go func() {
		log.Infof("Listening on %s", addr)
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil {
			log.Errorf("Server error: %v", err)
		}
	case <-ctx.Done():
		log.Infoln("Shutdown signal received")
		if err := httpServer.Close(); err != nil {
			log.Errorf("Server shutdown error: %v", err)
		}
	}

	log.Infoln("Stopping loaded engines")
	gateway.Shutdown()
	log.Infoln("Lemonade gateway stopped")
}

// loadVersionRegistry prefers backend_versions.json from the config root and
// falls back to the copy embedded in the binary.
func loadVersionRegistry(configRoot string) (*version.Registry, error) {
	path := filepath.Join(configRoot, "backend_versions.json")
	if _, err := os.Stat(path); err == nil {
		log.WithFields(logrus.Fields{"path": path}).Info("Loading backend versions")
		return version.LoadRegistry(path)
	}
	data, err := embeddedResources.ReadFile("resources/backend_versions.json")
	if err != nil {
		return nil, err
	}
	return version.ParseRegistry(data)
}
