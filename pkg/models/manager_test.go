package models

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bhardwajRahul/lemonade/pkg/errdefs"
	"github.com/bhardwajRahul/lemonade/pkg/logging"
)

func testModelManager(t *testing.T) (*Manager, string, string) {
	t.Helper()
	cacheRoot := t.TempDir()
	configRoot := t.TempDir()
	manager, err := NewManager(logging.New("error"), cacheRoot, configRoot, http.DefaultClient)
	require.NoError(t, err)
	return manager, cacheRoot, configRoot
}

func TestResolveBuiltin(t *testing.T) {
	manager, _, _ := testModelManager(t)

	info, err := manager.Resolve("Qwen3-0.6B-GGUF")
	require.NoError(t, err)
	assert.Equal(t, "llamacpp", info.Recipe)
	assert.Equal(t, "unsloth/Qwen3-0.6B-GGUF", info.Repo())
	assert.Equal(t, "Q4_K_M", info.Variant())

	_, err = manager.Resolve("no-such-model")
	assert.ErrorIs(t, err, errdefs.ErrModelNotFound)
}

func TestRegisterPersistsAcrossManagers(t *testing.T) {
	manager, cacheRoot, configRoot := testModelManager(t)

	info, err := manager.Register(Registration{
		Name:       "my-model",
		Checkpoint: "acme/my-model-GGUF:Q4_0",
		Recipe:     "llamacpp",
		Vision:     true,
		Mmproj:     "mmproj-f16.gguf",
	})
	require.NoError(t, err)
	assert.True(t, info.UserModel)

	// A fresh manager over the same config root sees the registration even
	// though nothing was downloaded.
	reloaded, err := NewManager(logging.New("error"), cacheRoot, configRoot, http.DefaultClient)
	require.NoError(t, err)
	restored, err := reloaded.Resolve("my-model")
	require.NoError(t, err)
	assert.Equal(t, "acme/my-model-GGUF:Q4_0", restored.Checkpoint)
	assert.True(t, restored.Vision)
	assert.False(t, reloaded.Downloaded(restored))
}

func TestRegisterValidation(t *testing.T) {
	manager, _, _ := testModelManager(t)

	_, err := manager.Register(Registration{Name: "incomplete"})
	assert.Error(t, err)

	_, err = manager.Register(Registration{
		Name:       "Qwen3-0.6B-GGUF",
		Checkpoint: "acme/clone",
		Recipe:     "llamacpp",
	})
	assert.Error(t, err, "built-in models cannot be redefined")
}

func TestResolvedPaths(t *testing.T) {
	manager, _, _ := testModelManager(t)

	info, err := manager.Resolve("Gemma-3-4b-it-GGUF")
	require.NoError(t, err)

	dir := manager.Dir(info)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gemma-3-4b-it-Q4_K_M.gguf"), make([]byte, 64), 0o644))

	// The mmproj is still missing: main resolves, mmproj does not, and the
	// model counts as not fully downloaded.
	assert.NotEmpty(t, manager.ResolvedPath(info, RoleMain))
	assert.Empty(t, manager.ResolvedPath(info, RoleMmproj))
	assert.False(t, manager.Downloaded(info))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "mmproj-model-f16.gguf"), make([]byte, 8), 0o644))
	assert.NotEmpty(t, manager.ResolvedPath(info, RoleMmproj))
	assert.True(t, manager.Downloaded(info))

	// Unknown roles and absent roles resolve to empty.
	assert.Empty(t, manager.ResolvedPath(info, "bogus"))
	assert.Empty(t, manager.ResolvedPath(info, RoleVae))
}

func TestMainFileIgnoresPartialsAndMmproj(t *testing.T) {
	manager, _, _ := testModelManager(t)

	info, err := manager.Resolve("Qwen3-0.6B-GGUF")
	require.NoError(t, err)
	dir := manager.Dir(info)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "qwen3-q4_k_m.gguf.partial"), make([]byte, 128), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mmproj-q4_k_m.gguf"), make([]byte, 256), 0o644))

	assert.Empty(t, manager.ResolvedPath(info, RoleMain))
	assert.False(t, manager.Downloaded(info))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "qwen3-q4_k_m.gguf"), make([]byte, 64), 0o644))
	assert.Equal(t, filepath.Join(dir, "qwen3-q4_k_m.gguf"), manager.ResolvedPath(info, RoleMain))
}

func TestListAndDelete(t *testing.T) {
	manager, _, _ := testModelManager(t)

	// Nothing downloaded: the default listing is empty, show-all is not.
	assert.Empty(t, manager.List(false))
	all := manager.List(true)
	assert.NotEmpty(t, all)

	info, err := manager.Resolve("Qwen3-0.6B-GGUF")
	require.NoError(t, err)
	dir := manager.Dir(info)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "qwen3-q4_k_m.gguf"), make([]byte, 64), 0o644))

	downloaded := manager.List(false)
	require.Len(t, downloaded, 1)
	assert.Equal(t, "Qwen3-0.6B-GGUF", downloaded[0].Name)
	assert.True(t, downloaded[0].Downloaded)
	assert.Equal(t, int64(64), downloaded[0].SizeBytes)

	require.NoError(t, manager.Delete("Qwen3-0.6B-GGUF"))
	assert.Empty(t, manager.List(false))
	// The model is still known after deletion.
	_, err = manager.Resolve("Qwen3-0.6B-GGUF")
	assert.NoError(t, err)
}
