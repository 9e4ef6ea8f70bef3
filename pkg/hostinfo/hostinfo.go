// Package hostinfo probes the host once at startup and feeds the result to
// the per-backend support predicates and the /system-info endpoint.
package hostinfo

import (
	"os"
	"runtime"
	"strings"

	"github.com/elastic/go-sysinfo"
	"github.com/jaypipes/ghw"

	"github.com/bhardwajRahul/lemonade/pkg/logging"
)

// GPU describes one discovered graphics adapter.
type GPU struct {
	Vendor string `json:"vendor"`
	Name   string `json:"name"`
}

// Host is an immutable snapshot of the facts the gateway cares about.
type Host struct {
	OS           string `json:"os"`
	OSVersion    string `json:"os_version"`
	Arch         string `json:"arch"`
	TotalMemory  uint64 `json:"memory_bytes"`
	GPUs         []GPU  `json:"gpus"`
	HasAMDGPU    bool   `json:"-"`
	HasNVIDIAGPU bool   `json:"-"`
	ROCmArch     string `json:"-"`
	HasNPU       bool   `json:"-"`
}

// rocmArchByProduct maps GPU product-name substrings to the ROCm gfx target
// used in release archive names. Only architectures the engine builds ship
// for are listed.
var rocmArchByProduct = map[string]string{
	"radeon rx 7":   "gfx110X",
	"radeon rx 9":   "gfx120X",
	"radeon 780m":   "gfx1103",
	"radeon 890m":   "gfx1150",
	"strix":         "gfx1150",
	"radeon ai pro": "gfx120X",
}

// npuProducts are product-name substrings identifying a Ryzen AI NPU.
var npuProducts = []string{"npu", "ipu", "ryzen ai"}

// Probe collects the host snapshot. Probing is best-effort: a failed GPU or
// memory query degrades the snapshot instead of failing startup.
func Probe(log logging.Logger) *Host {
	h := &Host{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
	}

	if sysHost, err := sysinfo.Host(); err != nil {
		log.Warnf("Unable to probe host info: %v", err)
	} else {
		info := sysHost.Info()
		if info.OS != nil {
			h.OSVersion = info.OS.Version
		}
		if mem, err := sysHost.Memory(); err != nil {
			log.Warnf("Unable to probe host memory: %v", err)
		} else {
			h.TotalMemory = mem.Total
		}
	}

	if gpu, err := ghw.GPU(); err != nil {
		log.Warnf("Unable to probe GPUs: %v", err)
	} else {
		for _, card := range gpu.GraphicsCards {
			if card.DeviceInfo == nil {
				continue
			}
			discovered := GPU{}
			if card.DeviceInfo.Vendor != nil {
				discovered.Vendor = card.DeviceInfo.Vendor.Name
			}
			if card.DeviceInfo.Product != nil {
				discovered.Name = card.DeviceInfo.Product.Name
			}
			h.GPUs = append(h.GPUs, discovered)

			vendor := strings.ToLower(discovered.Vendor)
			product := strings.ToLower(discovered.Name)
			if strings.Contains(vendor, "advanced micro devices") || strings.Contains(vendor, "amd") {
				h.HasAMDGPU = true
				if h.ROCmArch == "" {
					for fragment, arch := range rocmArchByProduct {
						if strings.Contains(product, fragment) {
							h.ROCmArch = arch
							break
						}
					}
				}
			}
			if strings.Contains(vendor, "nvidia") {
				h.HasNVIDIAGPU = true
			}
			for _, fragment := range npuProducts {
				if strings.Contains(product, fragment) {
					h.HasNPU = true
					break
				}
			}
		}
	}

	// Operators on pre-release silicon can force the probes.
	if arch := os.Getenv("LEMON_ROCM_ARCH"); arch != "" {
		h.ROCmArch = arch
	}
	if os.Getenv("LEMON_FORCE_NPU") == "1" {
		h.HasNPU = true
	}

	log.Infof("Host: %s/%s, %d GPU(s), NPU=%t", h.OS, h.Arch, len(h.GPUs), h.HasNPU)
	return h
}
