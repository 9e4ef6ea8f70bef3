package models

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bhardwajRahul/lemonade/pkg/errdefs"
	"github.com/bhardwajRahul/lemonade/pkg/logging"
	"github.com/bhardwajRahul/lemonade/pkg/paths"
)

//go:embed catalog.json
var builtinCatalog []byte

// userModelsFile is the registration store under the config root.
const userModelsFile = "user_models.json"

// defaultHubURL is the model hub models are pulled from.
const defaultHubURL = "https://huggingface.co"

// Manager owns the model catalog and the weights tree.
type Manager struct {
	log        logging.Logger
	cacheRoot  string
	configRoot string
	httpClient *http.Client

	// HubURL is the model hub base URL. Overridable for tests.
	HubURL string

	// mu guards catalog.
	mu      sync.Mutex
	catalog map[string]*ModelInfo
}

// NewManager loads the built-in catalog and any persisted user models.
func NewManager(log logging.Logger, cacheRoot, configRoot string, httpClient *http.Client) (*Manager, error) {
	m := &Manager{
		log:        log,
		cacheRoot:  cacheRoot,
		configRoot: configRoot,
		httpClient: httpClient,
		HubURL:     defaultHubURL,
		catalog:    make(map[string]*ModelInfo),
	}

	var builtin []*ModelInfo
	if err := json.Unmarshal(builtinCatalog, &builtin); err != nil {
		return nil, fmt.Errorf("invalid built-in model catalog: %w", err)
	}
	for _, info := range builtin {
		m.catalog[info.Name] = info
	}

	userPath := filepath.Join(configRoot, userModelsFile)
	data, err := os.ReadFile(userPath)
	if err == nil {
		var user []*ModelInfo
		if err := json.Unmarshal(data, &user); err != nil {
			log.Warnf("Ignoring corrupt %s: %v", userModelsFile, err)
		} else {
			for _, info := range user {
				info.UserModel = true
				m.catalog[info.Name] = info
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("unable to read %s: %w", userModelsFile, err)
	}

	return m, nil
}

// Resolve maps a model name to its ModelInfo.
func (m *Manager) Resolve(name string) (*ModelInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.catalog[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrModelNotFound, name)
	}
	return info, nil
}

// Register persists a user model registration. It is written to disk before
// any download starts, so a cancelled pull still leaves the model registered
// as not-downloaded.
func (m *Manager) Register(reg Registration) (*ModelInfo, error) {
	if reg.Name == "" || reg.Checkpoint == "" || reg.Recipe == "" {
		return nil, fmt.Errorf("model registration requires model_name, checkpoint, and recipe")
	}

	info := &ModelInfo{
		Name:       reg.Name,
		Checkpoint: reg.Checkpoint,
		Recipe:     reg.Recipe,
		Reasoning:  reg.Reasoning,
		Vision:     reg.Vision,
		Embedding:  reg.Embedding,
		Reranking:  reg.Reranking,
		Mmproj:     reg.Mmproj,
		UserModel:  true,
	}

	m.mu.Lock()
	if existing, ok := m.catalog[reg.Name]; ok && !existing.UserModel {
		m.mu.Unlock()
		return nil, fmt.Errorf("model %s is a built-in model and cannot be redefined", reg.Name)
	}
	m.catalog[reg.Name] = info
	err := m.persistUserModelsLocked()
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return info, nil
}

// persistUserModelsLocked writes the user registrations. Callers hold mu.
func (m *Manager) persistUserModelsLocked() error {
	var user []*ModelInfo
	for _, info := range m.catalog {
		if info.UserModel {
			user = append(user, info)
		}
	}
	sort.Slice(user, func(i, j int) bool { return user[i].Name < user[j].Name })

	data, err := json.MarshalIndent(user, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(m.configRoot, 0o755); err != nil {
		return err
	}
	path := filepath.Join(m.configRoot, userModelsFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Dir returns the on-disk directory of a model's weights.
func (m *Manager) Dir(info *ModelInfo) string {
	return filepath.Join(paths.ModelsDir(m.cacheRoot), filepath.FromSlash(info.Repo()))
}

// ResolvedPath returns the on-disk path for a named file role, or empty when
// the role is absent or not yet downloaded.
func (m *Manager) ResolvedPath(info *ModelInfo, role string) string {
	dir := m.Dir(info)
	switch role {
	case RoleMmproj:
		return existingFile(dir, info.Mmproj)
	case RoleTextEncoder:
		return existingFile(dir, info.TextEncoder)
	case RoleVae:
		return existingFile(dir, info.Vae)
	case RoleMain:
		return m.mainFile(info, dir)
	default:
		return ""
	}
}

func existingFile(dir, name string) string {
	if name == "" {
		return ""
	}
	path := filepath.Join(dir, filepath.FromSlash(name))
	if stat, err := os.Stat(path); err == nil && !stat.IsDir() {
		return path
	}
	return ""
}

// mainFile locates the primary weights file: the variant match when the
// checkpoint names one, otherwise the largest non-auxiliary file.
func (m *Manager) mainFile(info *ModelInfo, dir string) string {
	aux := make(map[string]bool)
	for _, name := range info.auxFiles() {
		aux[strings.ToLower(filepath.Base(name))] = true
	}
	variant := strings.ToLower(info.Variant())

	var best string
	var bestSize int64
	var walk func(string)
	walk = func(current string) {
		entries, err := os.ReadDir(current)
		if err != nil {
			return
		}
		for _, entry := range entries {
			path := filepath.Join(current, entry.Name())
			if entry.IsDir() {
				walk(path)
				continue
			}
			name := strings.ToLower(entry.Name())
			if aux[name] || strings.HasSuffix(name, ".partial") || strings.HasPrefix(name, "mmproj") {
				continue
			}
			if variant != "" && !strings.Contains(name, variant) {
				continue
			}
			stat, err := entry.Info()
			if err != nil {
				continue
			}
			if stat.Size() > bestSize {
				best = path
				bestSize = stat.Size()
			}
		}
	}
	walk(dir)
	return best
}

// Downloaded reports whether the model's primary weights are on disk,
// along with every configured auxiliary file.
func (m *Manager) Downloaded(info *ModelInfo) bool {
	if m.ResolvedPath(info, RoleMain) == "" {
		return false
	}
	dir := m.Dir(info)
	for _, name := range info.auxFiles() {
		if existingFile(dir, name) == "" {
			return false
		}
	}
	return true
}

// Delete removes a model's downloaded files. Registrations survive deletion;
// the model reverts to not-downloaded.
func (m *Manager) Delete(name string) error {
	info, err := m.Resolve(name)
	if err != nil {
		return err
	}
	dir := m.Dir(info)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("unable to remove %s: %w", dir, err)
	}
	m.log.Infof("Removed model files for %s", name)
	return nil
}

// List returns model summaries. Unless showAll is set, only downloaded
// models are included.
func (m *Manager) List(showAll bool) []Summary {
	m.mu.Lock()
	infos := make([]*ModelInfo, 0, len(m.catalog))
	for _, info := range m.catalog {
		infos = append(infos, info)
	}
	m.mu.Unlock()

	summaries := make([]Summary, 0, len(infos))
	for _, info := range infos {
		downloaded := m.Downloaded(info)
		if !downloaded && !showAll {
			continue
		}
		summary := Summary{
			Name:       info.Name,
			Checkpoint: info.Checkpoint,
			Recipe:     info.Recipe,
			Downloaded: downloaded,
			Reasoning:  info.Reasoning,
			Vision:     info.Vision,
			Embedding:  info.Embedding,
			Reranking:  info.Reranking,
			UserModel:  info.UserModel,
		}
		if downloaded {
			summary.SizeBytes = dirSize(m.Dir(info))
		}
		summaries = append(summaries, summary)
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })
	return summaries
}

func dirSize(dir string) int64 {
	var total int64
	filepath.Walk(dir, func(_ string, stat os.FileInfo, err error) error {
		if err == nil && !stat.IsDir() {
			total += stat.Size()
		}
		return nil
	})
	return total
}
