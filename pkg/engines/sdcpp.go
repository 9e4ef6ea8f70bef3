package engines

import (
	"encoding/json"
	"strconv"
)

// sd-server only honors steps, cfg_scale, and seed when they are embedded
// in the prompt as a <sd_cpp_extra_args>JSON</sd_cpp_extra_args> suffix.
// See stable-diffusion.cpp PR #1173. Image requests are rewritten before
// forwarding so those parameters survive the trip to the child.

// Defaults applied when a request omits the tunables.
const (
	defaultSDSteps    = 20
	defaultSDCfgScale = 7.0
)

// sdExtraArgsSuffix renders the extra-args suffix for the given tunables.
// seed is included only when the request carried one.
func sdExtraArgsSuffix(steps int, cfgScale float64, seed int64, hasSeed bool) string {
	extra := map[string]any{
		"steps":     steps,
		"cfg_scale": cfgScale,
	}
	if hasSeed {
		extra["seed"] = seed
	}
	data, err := json.Marshal(extra)
	if err != nil {
		return ""
	}
	return " <sd_cpp_extra_args>" + string(data) + "</sd_cpp_extra_args>"
}

// EmbedSDExtraArgs rewrites a JSON image-generation body, appending the
// extra-args suffix to its prompt. The original fields are left in place;
// sd-server ignores the top-level copies.
func EmbedSDExtraArgs(body []byte) ([]byte, error) {
	var request map[string]any
	if err := json.Unmarshal(body, &request); err != nil {
		return nil, err
	}

	steps := defaultSDSteps
	if value, ok := jsonNumber(request["steps"]); ok {
		steps = int(value)
	}
	cfgScale := float64(defaultSDCfgScale)
	if value, ok := jsonNumber(request["cfg_scale"]); ok {
		cfgScale = value
	}
	var seed int64
	seedValue, hasSeed := jsonNumber(request["seed"])
	if hasSeed {
		seed = int64(seedValue)
	}

	prompt, _ := request["prompt"].(string)
	request["prompt"] = prompt + sdExtraArgsSuffix(steps, cfgScale, seed, hasSeed)
	return json.Marshal(request)
}

// EmbedSDExtraArgsMultipart applies the same rewrite to a multipart field
// set (image edits and variations): the tunables arrive as textual form
// fields and the prompt field gains the suffix.
func EmbedSDExtraArgsMultipart(fields []Field) []Field {
	steps := defaultSDSteps
	cfgScale := float64(defaultSDCfgScale)
	var seed int64
	hasSeed := false
	promptIndex := -1

	for i, field := range fields {
		if field.Filename != "" {
			continue
		}
		switch field.Name {
		case "prompt":
			promptIndex = i
		case "steps":
			if value, err := strconv.Atoi(string(field.Value)); err == nil {
				steps = value
			}
		case "cfg_scale":
			if value, err := strconv.ParseFloat(string(field.Value), 64); err == nil {
				cfgScale = value
			}
		case "seed":
			if value, err := strconv.ParseInt(string(field.Value), 10, 64); err == nil {
				seed = value
				hasSeed = true
			}
		}
	}

	suffix := sdExtraArgsSuffix(steps, cfgScale, seed, hasSeed)
	if promptIndex >= 0 {
		fields[promptIndex].Value = append(fields[promptIndex].Value, suffix...)
	} else {
		fields = append(fields, Field{Name: "prompt", Value: []byte(suffix)})
	}
	return fields
}

// jsonNumber reads a numeric JSON value, tolerating the float64 that
// decoding produces and numeric strings.
func jsonNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed, true
		}
	}
	return 0, false
}
