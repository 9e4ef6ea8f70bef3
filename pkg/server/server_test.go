package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bhardwajRahul/lemonade/pkg/backends"
	"github.com/bhardwajRahul/lemonade/pkg/events"
	"github.com/bhardwajRahul/lemonade/pkg/hostinfo"
	"github.com/bhardwajRahul/lemonade/pkg/logging"
	"github.com/bhardwajRahul/lemonade/pkg/metrics"
	"github.com/bhardwajRahul/lemonade/pkg/models"
	"github.com/bhardwajRahul/lemonade/pkg/transfers"
	"github.com/bhardwajRahul/lemonade/pkg/version"
)

// fixture assembles a gateway over temp directories with a stubbed hub.
type fixture struct {
	server  *Server
	models  *models.Manager
	gateway *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logging.New("error")
	cacheRoot := t.TempDir()
	configRoot := t.TempDir()

	host := &hostinfo.Host{OS: "linux", Arch: "amd64", TotalMemory: 16 << 30}

	registry, err := version.ParseRegistry([]byte(`{
		"llamacpp": {"vulkan": "b6510", "cpu": "b6510"},
		"whispercpp": {"cpu": "v1.8.2"},
		"sd-cpp": {"cpu": "master-426-0e6b727"},
		"kokoro": {"cpu": "v0.4.1"},
		"flm": {"npu": "v0.9.10"},
		"ryzenai-llm": {"npu": "v1.5.1", "hybrid": "v1.5.1"}
	}`))
	require.NoError(t, err)

	backendManager := backends.NewManager(log, cacheRoot, host, registry, http.DefaultClient)
	modelManager, err := models.NewManager(log, cacheRoot, configRoot, http.DefaultClient)
	require.NoError(t, err)

	s := New(log, host, backendManager, modelManager, transfers.NewRegistry(), metrics.NewRecorder(log), http.DefaultClient)
	gateway := httptest.NewServer(s)
	t.Cleanup(gateway.Close)
	return &fixture{server: s, models: modelManager, gateway: gateway}
}

func (f *fixture) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	response, err := http.Post(f.gateway.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return response
}

func (f *fixture) get(t *testing.T, path string, target any) int {
	t.Helper()
	response, err := http.Get(f.gateway.URL + path)
	require.NoError(t, err)
	defer response.Body.Close()
	if target != nil {
		require.NoError(t, json.NewDecoder(response.Body).Decode(target))
	}
	return response.StatusCode
}

func TestHealthEmpty(t *testing.T) {
	f := newFixture(t)

	var health struct {
		Status  string            `json:"status"`
		Engines []json.RawMessage `json:"engines"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/health", &health))
	assert.Equal(t, "ok", health.Status)
	assert.Empty(t, health.Engines)
}

func TestSystemInfoShape(t *testing.T) {
	f := newFixture(t)

	var info struct {
		Host    hostinfo.Host         `json:"host"`
		Recipes backends.RecipesCache `json:"recipes"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/system-info", &info))
	assert.Equal(t, "linux", info.Host.OS)
	require.Contains(t, info.Recipes, "llamacpp")
	require.Contains(t, info.Recipes, "flm")
	assert.Equal(t, backends.StateUnsupported, info.Recipes["flm"].Backends["npu"].State)
	assert.Equal(t, backends.StateInstallable, info.Recipes["llamacpp"].Backends["cpu"].State)
}

func TestUnsupportedOperationRejectedBeforeSpawn(t *testing.T) {
	f := newFixture(t)

	// An image-only model cannot serve chat, and no engine may be spawned
	// while rejecting it.
	response := f.post(t, "/api/v1/chat/completions", map[string]any{
		"model":    "SD-1.5-GGUF",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	defer response.Body.Close()
	assert.Equal(t, http.StatusBadRequest, response.StatusCode)

	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(response.Body).Decode(&body))
	assert.Contains(t, body.Error, "not supported")
	assert.Contains(t, body.Error, "sd-cpp")

	var health struct {
		Engines []json.RawMessage `json:"engines"`
	}
	f.get(t, "/api/v1/health", &health)
	assert.Empty(t, health.Engines, "no engine may spawn for a rejected operation")
}

func TestUnknownModel(t *testing.T) {
	f := newFixture(t)

	response := f.post(t, "/api/v1/chat/completions", map[string]any{"model": "no-such-model"})
	defer response.Body.Close()
	assert.Equal(t, http.StatusNotFound, response.StatusCode)
}

func TestModelRequired(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"/api/v1/chat/completions", "/api/v1/embeddings", "/api/v1/load", "/api/v1/pull"} {
		response := f.post(t, path, map[string]any{})
		response.Body.Close()
		assert.Equal(t, http.StatusBadRequest, response.StatusCode, "path %s", path)
	}
}

func TestLoadUnsupportedBackend(t *testing.T) {
	f := newFixture(t)

	// flm needs Windows plus an NPU; this host has neither.
	response := f.post(t, "/api/v1/load", map[string]any{"model": "Qwen3-4B-FLM"})
	defer response.Body.Close()
	assert.Equal(t, http.StatusBadRequest, response.StatusCode)

	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(response.Body).Decode(&body))
	assert.Contains(t, body.Error, "not supported")
}

func TestModelsListing(t *testing.T) {
	f := newFixture(t)

	var listing struct {
		Models []models.Summary `json:"models"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/models", &listing))
	assert.Empty(t, listing.Models)

	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/models?show_all=true", &listing))
	assert.NotEmpty(t, listing.Models)
	names := make([]string, 0, len(listing.Models))
	for _, model := range listing.Models {
		names = append(names, model.Name)
	}
	assert.Contains(t, names, "Qwen3-0.6B-GGUF")
}

func TestStatsShape(t *testing.T) {
	f := newFixture(t)

	var stats metrics.Stats
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/stats", &stats))
	assert.Zero(t, stats.OutputTokens)
}

func TestOpenAIAliasRoutes(t *testing.T) {
	f := newFixture(t)

	// The bare /v1 alias serves the same endpoints as /api/v1.
	response := f.post(t, "/v1/chat/completions", map[string]any{"model": "no-such-model"})
	response.Body.Close()
	assert.Equal(t, http.StatusNotFound, response.StatusCode)

	var health struct {
		Status string `json:"status"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/v1/health", &health))
}

func TestPullStreamsEventsAndRegistersUserModel(t *testing.T) {
	f := newFixture(t)

	hubContent := make([]byte, 2048)
	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/models/") {
			json.NewEncoder(w).Encode([]map[string]any{
				{"type": "file", "path": "tiny-q4_0.gguf", "size": len(hubContent)},
			})
			return
		}
		w.Write(hubContent)
	}))
	defer hub.Close()
	f.models.HubURL = hub.URL

	response := f.post(t, "/api/v1/pull", map[string]any{
		"model":      "tiny",
		"checkpoint": "acme/tiny-GGUF:Q4_0",
		"recipe":     "llamacpp",
	})
	defer response.Body.Close()
	assert.Equal(t, "text/event-stream", response.Header.Get("Content-Type"))

	var progress []events.Progress
	err := events.Decode(response.Body, nil, func(p events.Progress) {
		progress = append(progress, p)
	})
	require.NoError(t, err, "stream must end with a complete frame")
	require.NotEmpty(t, progress)
	assert.Equal(t, int64(2048), progress[len(progress)-1].BytesReceived)

	// The model is now registered and downloaded.
	var listing struct {
		Models []models.Summary `json:"models"`
	}
	f.get(t, "/api/v1/models", &listing)
	require.Len(t, listing.Models, 1)
	assert.Equal(t, "tiny", listing.Models[0].Name)
	assert.True(t, listing.Models[0].Downloaded)
	assert.True(t, listing.Models[0].UserModel)
}

func TestPullUnknownModelWithoutRegistration(t *testing.T) {
	f := newFixture(t)

	response := f.post(t, "/api/v1/pull", map[string]any{"model": "mystery"})
	defer response.Body.Close()
	assert.Equal(t, http.StatusNotFound, response.StatusCode)
}

func TestDownloadsControlValidation(t *testing.T) {
	f := newFixture(t)

	response := f.post(t, "/api/v1/downloads/control", map[string]any{"model": "nothing", "action": "cancel"})
	response.Body.Close()
	assert.Equal(t, http.StatusNotFound, response.StatusCode)

	response = f.post(t, "/api/v1/downloads/control", map[string]any{"model": "nothing", "action": "explode"})
	response.Body.Close()
	assert.Equal(t, http.StatusBadRequest, response.StatusCode)

	response = f.post(t, "/api/v1/downloads/control", map[string]any{"action": "cancel"})
	response.Body.Close()
	assert.Equal(t, http.StatusBadRequest, response.StatusCode)
}

func TestUninstallVendorRecipeRefused(t *testing.T) {
	f := newFixture(t)

	response := f.post(t, "/api/v1/uninstall", map[string]any{"recipe": "flm", "backend": "npu"})
	defer response.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, response.StatusCode)

	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(response.Body).Decode(&body))
	assert.Contains(t, body.Error, "vendor uninstaller")
}

func TestUnloadWithoutEngines(t *testing.T) {
	f := newFixture(t)

	response := f.post(t, "/api/v1/unload", map[string]any{"model": "Qwen3-0.6B-GGUF"})
	response.Body.Close()
	assert.Equal(t, http.StatusNotFound, response.StatusCode)

	// Unloading everything is idempotent.
	response = f.post(t, "/api/v1/unload", map[string]any{})
	response.Body.Close()
	assert.Equal(t, http.StatusOK, response.StatusCode)
}
