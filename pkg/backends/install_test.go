package backends

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bhardwajRahul/lemonade/pkg/paths"
)

// zipArchive builds an in-memory zip with the given file paths and contents.
func zipArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	for name, content := range files {
		entry, err := writer.Create(name)
		require.NoError(t, err)
		_, err = entry.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return buf.Bytes()
}

// serveArchive stands in for the GitHub release host for the duration of a
// test.
func serveArchive(t *testing.T, payload []byte) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	t.Cleanup(server.Close)
	previous := githubBaseURL
	githubBaseURL = server.URL
	t.Cleanup(func() { githubBaseURL = previous })
}

func llamaSpec(t *testing.T) *Spec {
	t.Helper()
	spec, err := SpecFor("llamacpp")
	require.NoError(t, err)
	return spec
}

func TestInstallExtractsAndPrunes(t *testing.T) {
	spec := llamaSpec(t)
	cacheRoot := t.TempDir()

	// A stale prior version that the install must remove.
	oldDir := paths.BinDir(cacheRoot, spec.Recipe, "cpu", "b6000")
	require.NoError(t, os.MkdirAll(oldDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(oldDir, spec.Executable()), []byte("old"), 0o755))

	serveArchive(t, zipArchive(t, map[string]string{
		spec.Executable(): "new binary",
		"lib/libfoo.so":   "runtime",
	}))

	var calls int
	var lastBytes, lastTotal int64
	err := InstallFromGitHub(context.Background(), http.DefaultClient, spec,
		"b6510", "ggml-org/llama.cpp", "llama-b6510-bin-ubuntu-x64.zip", "cpu", cacheRoot,
		func(received, total int64) {
			calls++
			require.GreaterOrEqual(t, received, lastBytes)
			lastBytes, lastTotal = received, total
		})
	require.NoError(t, err)

	exe := filepath.Join(paths.BinDir(cacheRoot, spec.Recipe, "cpu", "b6510"), spec.Executable())
	content, err := os.ReadFile(exe)
	require.NoError(t, err)
	assert.Equal(t, "new binary", string(content))

	// The final callback reports completion exactly.
	require.GreaterOrEqual(t, calls, 1)
	assert.Equal(t, lastTotal, lastBytes)

	// The prior version is gone, and so is the temporary archive.
	_, err = os.Stat(oldDir)
	assert.True(t, os.IsNotExist(err))
	entries, err := os.ReadDir(paths.BackendDir(cacheRoot, spec.Recipe, "cpu"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b6510", entries[0].Name())
}

func TestInstallFlattensWrappedArchive(t *testing.T) {
	spec := llamaSpec(t)
	cacheRoot := t.TempDir()

	serveArchive(t, zipArchive(t, map[string]string{
		"llama-b6510-bin-ubuntu-x64/bin/" + spec.Executable(): "wrapped binary",
		"llama-b6510-bin-ubuntu-x64/lib/libfoo.so":            "runtime",
	}))

	err := InstallFromGitHub(context.Background(), http.DefaultClient, spec,
		"b6510", "ggml-org/llama.cpp", "llama-b6510-bin-ubuntu-x64.zip", "cpu", cacheRoot, nil)
	require.NoError(t, err)

	exe := filepath.Join(paths.BinDir(cacheRoot, spec.Recipe, "cpu", "b6510"), spec.Executable())
	content, err := os.ReadFile(exe)
	require.NoError(t, err)
	assert.Equal(t, "wrapped binary", string(content))
}

func TestInstallFailureLeavesPriorVersionIntact(t *testing.T) {
	spec := llamaSpec(t)
	cacheRoot := t.TempDir()

	oldDir := paths.BinDir(cacheRoot, spec.Recipe, "cpu", "b6000")
	require.NoError(t, os.MkdirAll(oldDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(oldDir, spec.Executable()), []byte("old"), 0o755))

	// Not a zip at all: extraction fails after download.
	serveArchive(t, []byte("certainly not an archive"))

	err := InstallFromGitHub(context.Background(), http.DefaultClient, spec,
		"b6510", "ggml-org/llama.cpp", "llama-b6510-bin-ubuntu-x64.zip", "cpu", cacheRoot, nil)
	require.Error(t, err)

	// The old version survives and no partial directory remains.
	_, err = os.Stat(filepath.Join(oldDir, spec.Executable()))
	require.NoError(t, err)
	entries, err := os.ReadDir(paths.BackendDir(cacheRoot, spec.Recipe, "cpu"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b6000", entries[0].Name())
}

func TestInstallRejectsArchiveWithoutExecutable(t *testing.T) {
	spec := llamaSpec(t)
	cacheRoot := t.TempDir()

	serveArchive(t, zipArchive(t, map[string]string{"README.md": "no binary here"}))

	err := InstallFromGitHub(context.Background(), http.DefaultClient, spec,
		"b6510", "ggml-org/llama.cpp", "llama-b6510-bin-ubuntu-x64.zip", "cpu", cacheRoot, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), spec.Executable())

	_, ok := InstalledVersion(cacheRoot, spec, "cpu")
	assert.False(t, ok)
}

func TestInstalledVersion(t *testing.T) {
	spec := llamaSpec(t)
	cacheRoot := t.TempDir()

	_, ok := InstalledVersion(cacheRoot, spec, "cpu")
	assert.False(t, ok)

	// A directory without the executable does not count as installed.
	emptyDir := paths.BinDir(cacheRoot, spec.Recipe, "cpu", "b6510")
	require.NoError(t, os.MkdirAll(emptyDir, 0o755))
	_, ok = InstalledVersion(cacheRoot, spec, "cpu")
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(filepath.Join(emptyDir, spec.Executable()), []byte("bin"), 0o755))
	installed, ok := InstalledVersion(cacheRoot, spec, "cpu")
	require.True(t, ok)
	assert.Equal(t, "b6510", installed)
}
