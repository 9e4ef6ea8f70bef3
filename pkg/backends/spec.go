package backends

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/bhardwajRahul/lemonade/pkg/hostinfo"
)

// Capability identifies one inference operation family an engine can serve.
type Capability string

const (
	CapCompletion     Capability = "completion"
	CapEmbeddings     Capability = "embeddings"
	CapReranking      Capability = "reranking"
	CapImageGenerate  Capability = "image-generate"
	CapImageEdit      Capability = "image-edit"
	CapImageVariation Capability = "image-variation"
	CapTranscribe     Capability = "audio-transcribe"
	CapSpeak          Capability = "audio-speak"
)

// InstallParams name the release asset for one backend build.
type InstallParams struct {
	// Repo is the GitHub repository in owner/name form.
	Repo string
	// Filename is the OS- and arch-specific archive name within the release.
	Filename string
}

// Spec is the static description of one recipe: a logical engine family with
// a shared executable name and capability signature.
type Spec struct {
	// Recipe is the recipe name, usable as a path component.
	Recipe string
	// executable is the base executable name; Executable() appends .exe on
	// Windows.
	executable string
	// Capabilities is the set of operations engines of this recipe serve.
	Capabilities []Capability
	// Backends lists the known build variants.
	Backends []string
	// DefaultBackend picks the preferred variant for a host.
	DefaultBackend func(h *hostinfo.Host) string
	// Supported reports whether a variant can run on the host, with a
	// human-readable reason when it cannot.
	Supported func(h *hostinfo.Host, backend string) (bool, string)
	// InstallParams resolves the release asset for a variant and version.
	// Nil for vendor-installer recipes.
	InstallParams func(h *hostinfo.Host, backend, version string) (InstallParams, error)
	// ReadinessPath is the endpoint polled on the child until it answers 2xx.
	ReadinessPath string
	// ReadinessDeadline bounds the startup readiness polling.
	ReadinessDeadline time.Duration
	// NeedsRuntimeLibs reports variants whose install directory must be on
	// the dynamic-linker path at launch (vendor GPU runtimes shipped in the
	// archive).
	NeedsRuntimeLibs func(backend string) bool
	// VendorInstaller marks recipes installed by an external vendor
	// installer with its own lifecycle.
	VendorInstaller bool
	// ExternalModels marks recipes whose engine manages its own model
	// store; the gateway skips the weights download for them.
	ExternalModels bool
}

// Executable returns the platform executable filename.
func (s *Spec) Executable() string {
	if runtime.GOOS == "windows" {
		return s.executable + ".exe"
	}
	return s.executable
}

// Supports reports whether the recipe serves the given capability.
func (s *Spec) Supports(c Capability) bool {
	for _, have := range s.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

func noRuntimeLibs(string) bool { return false }

func gpuRuntimeLibs(backend string) bool {
	return backend == "vulkan" || backend == "rocm"
}

// shortSDVersion transforms stable-diffusion.cpp version tags of the form
// master-NNN-HASH into the master-HASH form used in its archive names.
func shortSDVersion(version string) string {
	parts := strings.SplitN(version, "-", 3)
	if len(parts) == 3 {
		return parts[0] + "-" + parts[2]
	}
	return version
}

func cpuOnlySupport(h *hostinfo.Host, backend string) (bool, string) {
	if backend != "cpu" {
		return false, fmt.Sprintf("unknown backend %q", backend)
	}
	return true, ""
}

func llamaSupport(h *hostinfo.Host, backend string) (bool, string) {
	switch backend {
	case "cpu":
		return true, ""
	case "metal":
		if h.OS != "darwin" || h.Arch != "arm64" {
			return false, "Metal requires an Apple Silicon Mac"
		}
		return true, ""
	case "vulkan":
		if h.OS == "darwin" {
			return false, "Vulkan is not available on macOS; use the metal backend"
		}
		if len(h.GPUs) == 0 {
			return false, "no GPU detected"
		}
		return true, ""
	case "rocm":
		if h.OS == "darwin" {
			return false, "ROCm is not available on macOS"
		}
		if !h.HasAMDGPU {
			return false, "no AMD GPU detected"
		}
		if h.ROCmArch == "" {
			return false, "this AMD GPU architecture has no ROCm build"
		}
		return true, ""
	default:
		return false, fmt.Sprintf("unknown backend %q", backend)
	}
}

func npuSupport(h *hostinfo.Host, backend string) (bool, string) {
	if h.OS != "windows" {
		return false, "requires Windows"
	}
	if !h.HasNPU {
		return false, "no Ryzen AI NPU detected"
	}
	return true, ""
}

func llamaInstallParams(h *hostinfo.Host, backend, version string) (InstallParams, error) {
	if backend == "rocm" {
		arch := h.ROCmArch
		if arch == "" {
			return InstallParams{}, fmt.Errorf("no ROCm build for this GPU")
		}
		repo := "lemonade-sdk/llamacpp-rocm"
		switch h.OS {
		case "windows":
			return InstallParams{repo, fmt.Sprintf("llama-%s-windows-rocm-%s-x64.zip", version, arch)}, nil
		case "linux":
			return InstallParams{repo, fmt.Sprintf("llama-%s-ubuntu-rocm-%s-x64.zip", version, arch)}, nil
		default:
			return InstallParams{}, fmt.Errorf("ROCm llama.cpp is only published for Windows and Linux")
		}
	}

	repo := "ggml-org/llama.cpp"
	switch h.OS {
	case "windows":
		if h.Arch == "arm64" {
			return InstallParams{repo, fmt.Sprintf("llama-%s-bin-win-cpu-arm64.zip", version)}, nil
		}
		if backend == "vulkan" {
			return InstallParams{repo, fmt.Sprintf("llama-%s-bin-win-vulkan-x64.zip", version)}, nil
		}
		return InstallParams{repo, fmt.Sprintf("llama-%s-bin-win-cpu-x64.zip", version)}, nil
	case "linux":
		if backend == "vulkan" {
			return InstallParams{repo, fmt.Sprintf("llama-%s-bin-ubuntu-vulkan-x64.zip", version)}, nil
		}
		return InstallParams{repo, fmt.Sprintf("llama-%s-bin-ubuntu-x64.zip", version)}, nil
	case "darwin":
		return InstallParams{repo, fmt.Sprintf("llama-%s-bin-macos-arm64.zip", version)}, nil
	default:
		return InstallParams{}, fmt.Errorf("unsupported platform %s", h.OS)
	}
}

func whisperInstallParams(h *hostinfo.Host, backend, version string) (InstallParams, error) {
	repo := "ggml-org/whisper.cpp"
	switch h.OS {
	case "windows":
		return InstallParams{repo, fmt.Sprintf("whisper-server-%s-bin-win-x64.zip", version)}, nil
	case "linux":
		return InstallParams{repo, fmt.Sprintf("whisper-server-%s-bin-ubuntu-x64.tar.gz", version)}, nil
	case "darwin":
		return InstallParams{repo, fmt.Sprintf("whisper-server-%s-bin-macos-arm64.tar.gz", version)}, nil
	default:
		return InstallParams{}, fmt.Errorf("unsupported platform %s", h.OS)
	}
}

func sdInstallParams(h *hostinfo.Host, backend, version string) (InstallParams, error) {
	repo := "superm1/stable-diffusion.cpp"
	short := shortSDVersion(version)
	if backend == "rocm" {
		if h.ROCmArch == "" {
			return InstallParams{}, fmt.Errorf("no ROCm build for this GPU")
		}
		switch h.OS {
		case "windows":
			return InstallParams{repo, fmt.Sprintf("sd-%s-bin-win-rocm-x64.zip", short)}, nil
		case "linux":
			return InstallParams{repo, fmt.Sprintf("sd-%s-bin-Linux-Ubuntu-24.04-x86_64-rocm.zip", short)}, nil
		default:
			return InstallParams{}, fmt.Errorf("ROCm stable-diffusion.cpp is only published for Windows and Linux")
		}
	}
	switch h.OS {
	case "windows":
		return InstallParams{repo, fmt.Sprintf("sd-%s-bin-win-avx2-x64.zip", short)}, nil
	case "linux":
		return InstallParams{repo, fmt.Sprintf("sd-%s-bin-Linux-Ubuntu-24.04-x86_64.zip", short)}, nil
	case "darwin":
		return InstallParams{repo, fmt.Sprintf("sd-%s-bin-Darwin-macOS-15.7.2-arm64.zip", short)}, nil
	default:
		return InstallParams{}, fmt.Errorf("unsupported platform %s", h.OS)
	}
}

func kokoroInstallParams(h *hostinfo.Host, backend, version string) (InstallParams, error) {
	repo := "lemonade-sdk/kokoro-server"
	switch h.OS {
	case "windows":
		return InstallParams{repo, fmt.Sprintf("kokoro-server-%s-win-x64.zip", version)}, nil
	case "linux":
		return InstallParams{repo, fmt.Sprintf("kokoro-server-%s-linux-x64.tar.gz", version)}, nil
	case "darwin":
		return InstallParams{repo, fmt.Sprintf("kokoro-server-%s-macos-arm64.tar.gz", version)}, nil
	default:
		return InstallParams{}, fmt.Errorf("unsupported platform %s", h.OS)
	}
}

func ryzenAIInstallParams(h *hostinfo.Host, backend, version string) (InstallParams, error) {
	if h.OS != "windows" {
		return InstallParams{}, fmt.Errorf("ryzenai-server is only published for Windows")
	}
	return InstallParams{
		Repo:     "lemonade-sdk/ryzenai-server",
		Filename: fmt.Sprintf("ryzenai-server-%s-win-%s.zip", version, backend),
	}, nil
}

// specs is the closed set of recipes. The gateway never discovers engines
// dynamically.
var specs = map[string]*Spec{
	"llamacpp": {
		Recipe:       "llamacpp",
		executable:   "llama-server",
		Capabilities: []Capability{CapCompletion, CapEmbeddings, CapReranking},
		Backends:     []string{"vulkan", "rocm", "metal", "cpu"},
		DefaultBackend: func(h *hostinfo.Host) string {
			if h.OS == "darwin" {
				if h.Arch == "arm64" {
					return "metal"
				}
				return "cpu"
			}
			if len(h.GPUs) > 0 {
				return "vulkan"
			}
			return "cpu"
		},
		Supported:         llamaSupport,
		InstallParams:     llamaInstallParams,
		ReadinessPath:     "/health",
		ReadinessDeadline: 300 * time.Second,
		NeedsRuntimeLibs:  gpuRuntimeLibs,
	},
	"whispercpp": {
		Recipe:            "whispercpp",
		executable:        "whisper-server",
		Capabilities:      []Capability{CapTranscribe},
		Backends:          []string{"cpu"},
		DefaultBackend:    func(*hostinfo.Host) string { return "cpu" },
		Supported:         cpuOnlySupport,
		InstallParams:     whisperInstallParams,
		ReadinessPath:     "/",
		ReadinessDeadline: 60 * time.Second,
		NeedsRuntimeLibs:  noRuntimeLibs,
	},
	"sd-cpp": {
		Recipe:       "sd-cpp",
		executable:   "sd-server",
		Capabilities: []Capability{CapImageGenerate, CapImageEdit, CapImageVariation},
		Backends:     []string{"rocm", "cpu"},
		DefaultBackend: func(h *hostinfo.Host) string {
			if h.HasAMDGPU && h.ROCmArch != "" && h.OS != "darwin" {
				return "rocm"
			}
			return "cpu"
		},
		Supported: func(h *hostinfo.Host, backend string) (bool, string) {
			switch backend {
			case "cpu":
				return true, ""
			case "rocm":
				if h.OS == "darwin" {
					return false, "ROCm is not available on macOS"
				}
				if !h.HasAMDGPU || h.ROCmArch == "" {
					return false, "no supported AMD GPU detected"
				}
				return true, ""
			default:
				return false, fmt.Sprintf("unknown backend %q", backend)
			}
		},
		InstallParams:     sdInstallParams,
		ReadinessPath:     "/",
		ReadinessDeadline: 120 * time.Second,
		NeedsRuntimeLibs:  gpuRuntimeLibs,
	},
	"kokoro": {
		Recipe:            "kokoro",
		executable:        "kokoro-server",
		Capabilities:      []Capability{CapSpeak},
		Backends:          []string{"cpu"},
		DefaultBackend:    func(*hostinfo.Host) string { return "cpu" },
		Supported:         cpuOnlySupport,
		InstallParams:     kokoroInstallParams,
		ReadinessPath:     "/health",
		ReadinessDeadline: 60 * time.Second,
		NeedsRuntimeLibs:  noRuntimeLibs,
	},
	"flm": {
		Recipe:            "flm",
		executable:        "flm",
		Capabilities:      []Capability{CapCompletion},
		Backends:          []string{"npu"},
		DefaultBackend:    func(*hostinfo.Host) string { return "npu" },
		Supported:         npuSupport,
		ReadinessPath:     "/api/tags",
		ReadinessDeadline: 60 * time.Second,
		NeedsRuntimeLibs:  noRuntimeLibs,
		VendorInstaller:   true,
		ExternalModels:    true,
	},
	"ryzenai-llm": {
		Recipe:            "ryzenai-llm",
		executable:        "ryzenai-server",
		Capabilities:      []Capability{CapCompletion},
		Backends:          []string{"npu", "hybrid"},
		DefaultBackend:    func(*hostinfo.Host) string { return "hybrid" },
		Supported:         npuSupport,
		InstallParams:     ryzenAIInstallParams,
		ReadinessPath:     "/health",
		ReadinessDeadline: 120 * time.Second,
		NeedsRuntimeLibs:  func(string) bool { return true },
	},
}

// SpecFor returns the spec for a recipe.
func SpecFor(recipe string) (*Spec, error) {
	spec, ok := specs[recipe]
	if !ok {
		return nil, fmt.Errorf("unknown recipe %q", recipe)
	}
	return spec, nil
}

// Recipes returns all recipe names in stable order.
func Recipes() []string {
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
