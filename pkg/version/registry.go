package version

import (
	"encoding/json"
	"fmt"
	"os"
)

// Registry holds the required version for every recipe and backend pair,
// loaded once at startup from backend_versions.json. Missing entries fail
// installs loudly rather than guessing.
type Registry struct {
	versions map[string]map[string]string
}

// LoadRegistry reads a backend_versions.json file of the shape
// {"recipe": {"backend": "version", ...}, ...}.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read backend versions file: %w", err)
	}
	return ParseRegistry(data)
}

// ParseRegistry parses backend_versions.json content.
func ParseRegistry(data []byte) (*Registry, error) {
	versions := make(map[string]map[string]string)
	if err := json.Unmarshal(data, &versions); err != nil {
		return nil, fmt.Errorf("invalid backend versions file: %w", err)
	}
	return &Registry{versions: versions}, nil
}

// Required returns the required version string for a recipe and backend. An
// error is returned when the registry has no entry for the target.
func (r *Registry) Required(recipe, backend string) (string, error) {
	backends, ok := r.versions[recipe]
	if !ok {
		return "", fmt.Errorf("backend versions file is missing the %q section", recipe)
	}
	required, ok := backends[backend]
	if !ok || required == "" {
		return "", fmt.Errorf("backend versions file is missing a version for %s:%s", recipe, backend)
	}
	return required, nil
}
