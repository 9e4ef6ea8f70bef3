// Package memory estimates the working memory a GGUF model needs so the
// orchestrator can warn before loads that exceed system memory. The estimate
// does not block a load.
package memory

import (
	"fmt"

	parser "github.com/gpustack/gguf-parser-go"
)

// Estimate is the projected memory footprint of running a model.
type Estimate struct {
	// RAM is the host memory estimate in bytes.
	RAM uint64
	// VRAM is the GPU memory estimate in bytes (zero without offload).
	VRAM uint64
}

// EstimateGGUF projects the footprint of serving a GGUF file: weights plus
// KV cache plus compute buffers at the given context size. offload controls
// whether layers are attributed to the GPU device.
func EstimateGGUF(path string, contextSize int, offload bool) (Estimate, error) {
	file, err := parser.ParseGGUFFile(path)
	if err != nil {
		return Estimate{}, fmt.Errorf("unable to parse GGUF %s: %w", path, err)
	}

	layers := uint64(0)
	if offload {
		layers = 999
	}
	run := file.EstimateLLaMACppRun(
		parser.WithLLaMACppContextSize(int32(contextSize)),
		parser.WithLLaMACppLogicalBatchSize(2048),
		parser.WithLLaMACppOffloadLayers(layers),
	)

	estimate := Estimate{
		RAM: uint64(run.Devices[0].Weight.Sum() + run.Devices[0].KVCache.Sum() + run.Devices[0].Computation.Sum()),
	}
	if len(run.Devices) > 1 {
		estimate.VRAM = uint64(run.Devices[1].Weight.Sum() + run.Devices[1].KVCache.Sum() + run.Devices[1].Computation.Sum())
	}
	return estimate, nil
}
