package engines

import (
	"fmt"
	"os"
	"strconv"

	shellwords "github.com/mattn/go-shellwords"

	"github.com/bhardwajRahul/lemonade/pkg/models"
)

// defaultContextSize is used when neither the load options nor
// LEMON_CTX_SIZE specify one.
const defaultContextSize = 4096

// builder constructs the argv for one recipe's executable.
type builder func(info *models.ModelInfo, paths Paths, port int, opts LoadOptions) ([]string, error)

// builders is the closed set of engine argv builders, one per recipe.
var builders = map[string]builder{
	"llamacpp":    llamaArgs,
	"whispercpp":  whisperArgs,
	"sd-cpp":      sdArgs,
	"kokoro":      kokoroArgs,
	"flm":         flmArgs,
	"ryzenai-llm": ryzenAIArgs,
}

// contextSize resolves the context size from options, environment, default.
func contextSize(opts LoadOptions) int {
	fallback := defaultContextSize
	if env := os.Getenv("LEMON_CTX_SIZE"); env != "" {
		if n, err := strconv.Atoi(env); err == nil && n > 0 {
			fallback = n
		}
	}
	return opts.Int("ctx_size", fallback)
}

// extraArgs shell-splits user-provided extra engine arguments from the load
// options or LEMON_EXTRA_ARGS.
func extraArgs(opts LoadOptions) ([]string, error) {
	raw := opts.String("extra_args", os.Getenv("LEMON_EXTRA_ARGS"))
	if raw == "" {
		return nil, nil
	}
	parsed, err := shellwords.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid extra engine arguments: %w", err)
	}
	return parsed, nil
}

func llamaArgs(info *models.ModelInfo, paths Paths, port int, opts LoadOptions) ([]string, error) {
	if paths.Main == "" {
		return nil, fmt.Errorf("no weights found for checkpoint %s", info.Checkpoint)
	}
	args := []string{
		"-m", paths.Main,
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(port),
		"--ctx-size", strconv.Itoa(contextSize(opts)),
		"--no-webui",
		"--jinja",
		"--metrics",
	}
	if info.Vision && paths.Mmproj != "" {
		args = append(args, "--mmproj", paths.Mmproj)
	}
	if info.Embedding {
		args = append(args, "--embeddings")
	}
	if info.Reranking {
		args = append(args, "--reranking")
	}
	extra, err := extraArgs(opts)
	if err != nil {
		return nil, err
	}
	return append(args, extra...), nil
}

func whisperArgs(info *models.ModelInfo, paths Paths, port int, opts LoadOptions) ([]string, error) {
	if paths.Main == "" {
		return nil, fmt.Errorf("no weights found for checkpoint %s", info.Checkpoint)
	}
	return []string{
		"-m", paths.Main,
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(port),
	}, nil
}

func sdArgs(info *models.ModelInfo, paths Paths, port int, opts LoadOptions) ([]string, error) {
	if paths.Main == "" {
		return nil, fmt.Errorf("no weights found for checkpoint %s", info.Checkpoint)
	}
	args := []string{"--listen-port", strconv.Itoa(port)}
	if paths.TextEncoder != "" && paths.Vae != "" {
		args = append(args,
			"--diffusion-model", paths.Main,
			"--llm", paths.TextEncoder,
			"--vae", paths.Vae,
		)
	} else {
		args = append(args, "-m", paths.Main)
	}
	return args, nil
}

func kokoroArgs(info *models.ModelInfo, paths Paths, port int, opts LoadOptions) ([]string, error) {
	if paths.Main == "" {
		return nil, fmt.Errorf("no weights found for checkpoint %s", info.Checkpoint)
	}
	return []string{
		"-m", paths.Main,
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(port),
	}, nil
}

func flmArgs(info *models.ModelInfo, paths Paths, port int, opts LoadOptions) ([]string, error) {
	// FastFlowLM manages its own model store; it is addressed by checkpoint.
	return []string{
		"serve", info.Checkpoint,
		"--port", strconv.Itoa(port),
	}, nil
}

func ryzenAIArgs(info *models.ModelInfo, paths Paths, port int, opts LoadOptions) ([]string, error) {
	if paths.Main == "" {
		return nil, fmt.Errorf("no weights found for checkpoint %s", info.Checkpoint)
	}
	return []string{
		"-m", paths.Main,
		"--port", strconv.Itoa(port),
		"--ctx-size", strconv.Itoa(contextSize(opts)),
	}, nil
}
