package engines

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bhardwajRahul/lemonade/pkg/models"
)

func TestFingerprintStable(t *testing.T) {
	t.Parallel()

	a := LoadOptions{"ctx_size": 8192, "backend": "vulkan"}
	b := LoadOptions{"backend": "vulkan", "ctx_size": 8192}
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	c := LoadOptions{"ctx_size": 2048, "backend": "vulkan"}
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())

	assert.Empty(t, LoadOptions(nil).Fingerprint())
	assert.Empty(t, LoadOptions{}.Fingerprint())
}

func TestFingerprintNormalizesNumbers(t *testing.T) {
	t.Parallel()

	// JSON decoding produces float64; hand-constructed options may use int.
	// Both must fingerprint identically.
	fromJSON := LoadOptions{"ctx_size": float64(8192)}
	fromCode := LoadOptions{"ctx_size": 8192}
	assert.Equal(t, fromJSON.Fingerprint(), fromCode.Fingerprint())
}

func TestOptionAccessors(t *testing.T) {
	t.Parallel()

	opts := LoadOptions{"ctx_size": float64(2048), "backend": "rocm", "extra_args": ""}
	assert.Equal(t, 2048, opts.Int("ctx_size", 512))
	assert.Equal(t, 512, opts.Int("missing", 512))
	assert.Equal(t, "rocm", opts.String("backend", "cpu"))
	assert.Equal(t, "cpu", opts.String("extra_args", "cpu"))
}

func TestLlamaArgs(t *testing.T) {
	info := &models.ModelInfo{Name: "m", Checkpoint: "acme/m:Q4_0", Recipe: "llamacpp", Vision: true}
	args, err := llamaArgs(info, Paths{Main: "/models/m.gguf", Mmproj: "/models/mmproj.gguf"}, 4242, LoadOptions{"ctx_size": 8192})
	require.NoError(t, err)

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-m /models/m.gguf")
	assert.Contains(t, joined, "--port 4242")
	assert.Contains(t, joined, "--ctx-size 8192")
	assert.Contains(t, joined, "--mmproj /models/mmproj.gguf")
	assert.NotContains(t, joined, "--embeddings")

	embedding := &models.ModelInfo{Name: "e", Checkpoint: "acme/e", Recipe: "llamacpp", Embedding: true}
	args, err = llamaArgs(embedding, Paths{Main: "/models/e.gguf"}, 4242, nil)
	require.NoError(t, err)
	assert.Contains(t, strings.Join(args, " "), "--embeddings")

	_, err = llamaArgs(info, Paths{}, 4242, nil)
	assert.Error(t, err, "missing weights must fail before spawn")
}

func TestLlamaArgsExtraArgs(t *testing.T) {
	info := &models.ModelInfo{Name: "m", Checkpoint: "acme/m", Recipe: "llamacpp"}
	args, err := llamaArgs(info, Paths{Main: "/m.gguf"}, 1, LoadOptions{"extra_args": `--flash-attn --cache-type-k "q8_0"`})
	require.NoError(t, err)
	assert.Contains(t, args, "--flash-attn")
	assert.Contains(t, args, "q8_0")

	_, err = llamaArgs(info, Paths{Main: "/m.gguf"}, 1, LoadOptions{"extra_args": `--unbalanced "quote`})
	assert.Error(t, err)
}

func TestSDArgs(t *testing.T) {
	info := &models.ModelInfo{Name: "sd", Checkpoint: "acme/sd", Recipe: "sd-cpp"}

	// Single-file checkpoint.
	args, err := sdArgs(info, Paths{Main: "/m/sd.gguf"}, 7, nil)
	require.NoError(t, err)
	assert.Contains(t, strings.Join(args, " "), "--listen-port 7")
	assert.Contains(t, strings.Join(args, " "), "-m /m/sd.gguf")

	// Multi-file checkpoint switches to the split flags.
	args, err = sdArgs(info, Paths{Main: "/m/sd.gguf", TextEncoder: "/m/te.gguf", Vae: "/m/vae.gguf"}, 7, nil)
	require.NoError(t, err)
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "--diffusion-model /m/sd.gguf")
	assert.Contains(t, joined, "--llm /m/te.gguf")
	assert.Contains(t, joined, "--vae /m/vae.gguf")
}

func TestFLMArgsUseCheckpoint(t *testing.T) {
	info := &models.ModelInfo{Name: "f", Checkpoint: "FastFlowLM/Qwen3-4B-FLM", Recipe: "flm"}
	args, err := flmArgs(info, Paths{}, 9, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"serve", "FastFlowLM/Qwen3-4B-FLM", "--port", "9"}, args)
}

func TestPrependLoaderPath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "lib"), 0o755))

	variable := "LD_LIBRARY_PATH"
	switch runtime.GOOS {
	case "windows":
		variable = "PATH"
	case "darwin":
		variable = "DYLD_LIBRARY_PATH"
	}
	t.Setenv(variable, "/existing")

	env := map[string]string{}
	prependLoaderPath(env, dir)
	value := env[variable]
	require.NotEmpty(t, value)
	parts := strings.Split(value, string(os.PathListSeparator))
	require.GreaterOrEqual(t, len(parts), 3)
	assert.Equal(t, dir, parts[0])
	assert.Equal(t, filepath.Join(dir, "lib"), parts[1])
	assert.Equal(t, "/existing", parts[len(parts)-1], "host value is prepended to, never replaced")
}
