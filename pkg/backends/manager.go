package backends

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bhardwajRahul/lemonade/pkg/errdefs"
	"github.com/bhardwajRahul/lemonade/pkg/hostinfo"
	"github.com/bhardwajRahul/lemonade/pkg/logging"
	"github.com/bhardwajRahul/lemonade/pkg/paths"
	"github.com/bhardwajRahul/lemonade/pkg/version"
)

// Backend states reported by the manager.
const (
	StateInstalled      = "installed"
	StateInstallable    = "installable"
	StateUpdateRequired = "update_required"
	StateUnsupported    = "unsupported"
)

const (
	// uninstallRetries and uninstallRetryDelay handle transient file locks
	// (antivirus, indexing) that briefly pin freshly extracted files.
	uninstallRetries    = 5
	uninstallRetryDelay = 500 * time.Millisecond
	// statusProbeParallelism bounds concurrent filesystem probes when
	// refreshing all backend statuses.
	statusProbeParallelism = 4
)

// BackendStatus is the cached view of one recipe backend.
type BackendStatus struct {
	Name             string `json:"name"`
	State            string `json:"state"`
	Message          string `json:"message,omitempty"`
	Action           string `json:"action,omitempty"`
	Version          string `json:"version,omitempty"`
	ReleaseURL       string `json:"release_url,omitempty"`
	DownloadFilename string `json:"download_filename,omitempty"`
	ArchiveSize      int64  `json:"archive_size,omitempty"`
}

// RecipeStatus groups the backends of one recipe.
type RecipeStatus struct {
	Recipe   string                    `json:"recipe"`
	Backends map[string]*BackendStatus `json:"backends"`
}

// RecipesCache is the JSON-shaped view served by /system-info.
type RecipesCache map[string]*RecipeStatus

// Enrichment bundles the release metadata for one backend.
type Enrichment struct {
	ReleaseURL       string
	DownloadFilename string
	Version          string
}

// Manager orchestrates backend install, uninstall, and status queries, and
// owns the recipes cache.
type Manager struct {
	log        logging.Logger
	cacheRoot  string
	host       *hostinfo.Host
	versions   *version.Registry
	httpClient *http.Client

	// cacheMu guards cache. It is never held across I/O.
	cacheMu sync.Mutex
	cache   RecipesCache

	// installMu guards installing.
	installMu  sync.Mutex
	installing map[string]bool

	// archiveSizes records bytes downloaded per recipe:backend by the last
	// install, for cache enrichment.
	sizesMu      sync.Mutex
	archiveSizes map[string]int64
}

// NewManager creates a backend manager.
func NewManager(
	log logging.Logger,
	cacheRoot string,
	host *hostinfo.Host,
	versions *version.Registry,
	httpClient *http.Client,
) *Manager {
	return &Manager{
		log:          log,
		cacheRoot:    cacheRoot,
		host:         host,
		versions:     versions,
		httpClient:   httpClient,
		installing:   make(map[string]bool),
		archiveSizes: make(map[string]int64),
	}
}

// installAction is the command string surfaced to UIs for installable and
// update-required backends.
func installAction(recipe, backend string) string {
	return fmt.Sprintf("lemonade-server recipes --install %s:%s", recipe, backend)
}

// DefaultBackend returns the preferred backend variant of a recipe for this
// host.
func (m *Manager) DefaultBackend(spec *Spec) string {
	return spec.DefaultBackend(m.host)
}

// Host returns the probed host snapshot.
func (m *Manager) Host() *hostinfo.Host {
	return m.host
}

// InstalledDir returns the install directory of a backend when installed.
func (m *Manager) InstalledDir(spec *Spec, backend string) (string, bool) {
	if spec.VendorInstaller {
		if path, err := exec.LookPath(spec.Executable()); err == nil {
			return path, true
		}
		return "", false
	}
	installed, ok := InstalledVersion(m.cacheRoot, spec, backend)
	if !ok {
		return "", false
	}
	return paths.BinDir(m.cacheRoot, spec.Recipe, backend, installed), true
}

// Install installs or updates a backend to its required version. Progress is
// reported through progress; the recipes cache entry flips to installed on
// success.
func (m *Manager) Install(ctx context.Context, recipe, backend string, progress ProgressFunc) error {
	spec, err := SpecFor(recipe)
	if err != nil {
		return err
	}
	if ok, reason := spec.Supported(m.host, backend); !ok {
		return &errdefs.UnsupportedBackendError{Recipe: recipe, Backend: backend, Reason: reason}
	}

	key := recipe + ":" + backend
	m.installMu.Lock()
	if m.installing[key] {
		m.installMu.Unlock()
		return errdefs.ErrAlreadyInstalling
	}
	m.installing[key] = true
	m.installMu.Unlock()
	defer func() {
		m.installMu.Lock()
		delete(m.installing, key)
		m.installMu.Unlock()
	}()

	if spec.VendorInstaller {
		// The vendor installer owns the lifecycle; all we can do is verify
		// the result of launching it.
		if _, ok := m.InstalledDir(spec, backend); !ok {
			return &errdefs.InstallFailedError{
				Recipe:  recipe,
				Backend: backend,
				Cause:   fmt.Errorf("%s is installed by its vendor installer; launch it and retry", spec.Executable()),
			}
		}
		m.updateCacheEntry(recipe, backend, true)
		return nil
	}

	required, err := m.versions.Required(recipe, backend)
	if err != nil {
		return &errdefs.InstallFailedError{Recipe: recipe, Backend: backend, Cause: err}
	}

	// Idempotence: when the required version is already extracted, the
	// install is a no-op.
	if installed, ok := InstalledVersion(m.cacheRoot, spec, backend); ok {
		if versionSatisfies(installed, required) {
			m.log.Infof("Backend %s already at version %s", key, installed)
			m.updateCacheEntry(recipe, backend, true)
			return nil
		}
	}

	params, err := InstallParamsFor(spec, m.host, backend, required)
	if err != nil {
		return &errdefs.InstallFailedError{Recipe: recipe, Backend: backend, Cause: err}
	}

	m.log.Infof("Installing %s version %s from %s", key, required, params.Repo)
	var lastTotal int64
	wrapped := func(received, total int64) {
		if total > 0 {
			lastTotal = total
		}
		if progress != nil {
			progress(received, total)
		}
	}
	if err := InstallFromGitHub(ctx, m.httpClient, spec, required, params.Repo, params.Filename, backend, m.cacheRoot, wrapped); err != nil {
		return &errdefs.InstallFailedError{Recipe: recipe, Backend: backend, Cause: err}
	}

	m.sizesMu.Lock()
	m.archiveSizes[key] = lastTotal
	m.sizesMu.Unlock()

	m.updateCacheEntry(recipe, backend, true)
	return nil
}

// Uninstall removes a backend's install directory, retrying transient
// filesystem locks before giving up.
func (m *Manager) Uninstall(recipe, backend string) error {
	spec, err := SpecFor(recipe)
	if err != nil {
		return err
	}
	if spec.VendorInstaller {
		return fmt.Errorf("uninstall %s using its vendor uninstaller", spec.Executable())
	}

	dir := paths.BackendDir(m.cacheRoot, recipe, backend)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		m.log.Infof("Nothing to uninstall at %s", dir)
		m.updateCacheEntry(recipe, backend, false)
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < uninstallRetries; attempt++ {
		lastErr = os.RemoveAll(dir)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			lastErr = nil
			break
		}
		time.Sleep(uninstallRetryDelay)
	}
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("unable to remove %s: %v", dir, lastErr)
	}

	m.log.Infof("Removed %s", dir)
	m.updateCacheEntry(recipe, backend, false)
	return nil
}

// EnsureInstalled installs a backend unless it is already installed at a
// sufficient version.
func (m *Manager) EnsureInstalled(ctx context.Context, recipe, backend string, progress ProgressFunc) error {
	status := m.statusOf(recipe, backend)
	if status.State == StateInstalled {
		return nil
	}
	if status.State == StateUnsupported {
		return &errdefs.UnsupportedBackendError{Recipe: recipe, Backend: backend, Reason: status.Message}
	}
	return m.Install(ctx, recipe, backend, progress)
}

// GetBackendEnrichment computes the release URL, archive filename, and
// version for a backend in one call.
func (m *Manager) GetBackendEnrichment(recipe, backend string) Enrichment {
	spec, err := SpecFor(recipe)
	if err != nil {
		return Enrichment{}
	}
	required, err := m.versions.Required(recipe, backend)
	if err != nil {
		return Enrichment{}
	}
	if spec.VendorInstaller {
		return Enrichment{
			ReleaseURL:       fmt.Sprintf("https://github.com/FastFlowLM/FastFlowLM/releases/tag/%s", required),
			DownloadFilename: "flm-setup.exe",
			Version:          required,
		}
	}
	params, err := InstallParamsFor(spec, m.host, backend, required)
	if err != nil {
		return Enrichment{Version: required}
	}
	return Enrichment{
		ReleaseURL:       fmt.Sprintf("https://github.com/%s/releases/tag/%s", params.Repo, required),
		DownloadFilename: params.Filename,
		Version:          required,
	}
}

// statusOf computes the live state of one backend from the filesystem and
// the version registry.
func (m *Manager) statusOf(recipe, backend string) *BackendStatus {
	status := &BackendStatus{Name: backend}
	spec, err := SpecFor(recipe)
	if err != nil {
		status.State = StateUnsupported
		status.Message = err.Error()
		return status
	}

	if ok, reason := spec.Supported(m.host, backend); !ok {
		status.State = StateUnsupported
		status.Message = reason
		return status
	}

	enrichment := m.GetBackendEnrichment(recipe, backend)
	status.ReleaseURL = enrichment.ReleaseURL
	status.DownloadFilename = enrichment.DownloadFilename
	status.Version = enrichment.Version
	m.sizesMu.Lock()
	status.ArchiveSize = m.archiveSizes[recipe+":"+backend]
	m.sizesMu.Unlock()

	if spec.VendorInstaller {
		// State derives from a PATH lookup; the driver-version probe folds
		// into the NPU support predicate already checked above.
		if _, err := exec.LookPath(spec.Executable()); err == nil {
			status.State = StateInstalled
			return status
		}
		status.State = StateInstallable
		status.Message = "Backend is installed by its vendor installer."
		status.Action = "launch vendor installer"
		return status
	}

	installed, ok := InstalledVersion(m.cacheRoot, spec, backend)
	if !ok {
		status.State = StateInstallable
		status.Message = "Backend is supported but not installed."
		status.Action = installAction(recipe, backend)
		return status
	}
	status.Version = installed

	required, err := m.versions.Required(recipe, backend)
	if err != nil || !versionSatisfies(installed, required) {
		status.State = StateUpdateRequired
		status.Message = fmt.Sprintf("Installed version %s is older than required %s.", installed, required)
		status.Action = installAction(recipe, backend)
		return status
	}
	status.State = StateInstalled
	return status
}

// GetAllBackendsStatus probes every recipe and backend pair and replaces the
// recipes cache with the result.
func (m *Manager) GetAllBackendsStatus(ctx context.Context) RecipesCache {
	cache := make(RecipesCache)
	var cacheWriteMu sync.Mutex

	group, _ := errgroup.WithContext(ctx)
	group.SetLimit(statusProbeParallelism)
	for _, recipe := range Recipes() {
		spec, _ := SpecFor(recipe)
		entry := &RecipeStatus{Recipe: recipe, Backends: make(map[string]*BackendStatus)}
		cache[recipe] = entry
		for _, backend := range spec.Backends {
			recipe, backend := recipe, backend
			group.Go(func() error {
				status := m.statusOf(recipe, backend)
				cacheWriteMu.Lock()
				entry.Backends[backend] = status
				cacheWriteMu.Unlock()
				return nil
			})
		}
	}
	_ = group.Wait()

	m.cacheMu.Lock()
	m.cache = cache
	m.cacheMu.Unlock()
	return m.GetRecipesCache()
}

// GetRecipesCache returns a deep copy of the cached recipes view, refreshing
// it on first use.
func (m *Manager) GetRecipesCache() RecipesCache {
	m.cacheMu.Lock()
	cached := m.cache
	m.cacheMu.Unlock()
	if cached == nil {
		return m.GetAllBackendsStatus(context.Background())
	}

	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	copied := make(RecipesCache, len(m.cache))
	for recipe, entry := range m.cache {
		backends := make(map[string]*BackendStatus, len(entry.Backends))
		for name, status := range entry.Backends {
			clone := *status
			backends[name] = &clone
		}
		copied[recipe] = &RecipeStatus{Recipe: recipe, Backends: backends}
	}
	return copied
}

// updateCacheEntry mutates exactly one backend entry after an install or
// uninstall. Entries marked unsupported are left untouched, and enrichment
// fields are kept current in both directions so the version stays visible
// for uninstalled backends.
func (m *Manager) updateCacheEntry(recipe, backend string, installed bool) {
	enrichment := m.GetBackendEnrichment(recipe, backend)

	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	if m.cache == nil {
		return
	}
	entry, ok := m.cache[recipe]
	if !ok {
		return
	}
	status, ok := entry.Backends[backend]
	if !ok {
		return
	}

	if status.State == StateUnsupported {
		status.Action = ""
		return
	}
	if installed {
		status.State = StateInstalled
		status.Message = ""
		status.Action = ""
	} else {
		status.State = StateInstallable
		status.Message = "Backend is supported but not installed."
		status.Action = installAction(recipe, backend)
	}
	if enrichment.Version != "" {
		status.Version = enrichment.Version
	}
	if enrichment.ReleaseURL != "" {
		status.ReleaseURL = enrichment.ReleaseURL
	}
	if enrichment.DownloadFilename != "" {
		status.DownloadFilename = enrichment.DownloadFilename
	}
}

// versionSatisfies reports whether an installed version meets the required
// one. Release tags that don't parse numerically (e.g. llama.cpp build tags
// like b6510) satisfy only by exact match.
func versionSatisfies(installed, required string) bool {
	if installed == required {
		return true
	}
	return version.Parse(installed).GTE(version.Parse(required))
}

// versionLess orders version directory names.
func versionLess(a, b string) bool {
	return version.Parse(a).Compare(version.Parse(b)) < 0
}
