package engines

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func embeddedExtraArgs(t *testing.T, prompt string) map[string]any {
	t.Helper()
	start := strings.Index(prompt, "<sd_cpp_extra_args>")
	end := strings.Index(prompt, "</sd_cpp_extra_args>")
	require.GreaterOrEqual(t, start, 0)
	require.Greater(t, end, start)

	var extra map[string]any
	require.NoError(t, json.Unmarshal([]byte(prompt[start+len("<sd_cpp_extra_args>"):end]), &extra))
	return extra
}

func TestEmbedSDExtraArgs(t *testing.T) {
	t.Parallel()

	body, err := EmbedSDExtraArgs([]byte(`{
		"model": "SD-1.5-GGUF",
		"prompt": "a lighthouse at dusk",
		"steps": 30,
		"cfg_scale": 4.5,
		"seed": 1234
	}`))
	require.NoError(t, err)

	var request map[string]any
	require.NoError(t, json.Unmarshal(body, &request))
	prompt := request["prompt"].(string)
	assert.True(t, strings.HasPrefix(prompt, "a lighthouse at dusk "))

	extra := embeddedExtraArgs(t, prompt)
	assert.Equal(t, float64(30), extra["steps"])
	assert.Equal(t, 4.5, extra["cfg_scale"])
	assert.Equal(t, float64(1234), extra["seed"])
}

func TestEmbedSDExtraArgsDefaults(t *testing.T) {
	t.Parallel()

	body, err := EmbedSDExtraArgs([]byte(`{"model": "SD-1.5-GGUF", "prompt": "plain"}`))
	require.NoError(t, err)

	var request map[string]any
	require.NoError(t, json.Unmarshal(body, &request))
	extra := embeddedExtraArgs(t, request["prompt"].(string))
	assert.Equal(t, float64(defaultSDSteps), extra["steps"])
	assert.Equal(t, float64(defaultSDCfgScale), extra["cfg_scale"])
	// seed rides along only when the request carried one.
	assert.NotContains(t, extra, "seed")
}

func TestEmbedSDExtraArgsRejectsBadBody(t *testing.T) {
	t.Parallel()

	_, err := EmbedSDExtraArgs([]byte("not json"))
	assert.Error(t, err)
}

func TestEmbedSDExtraArgsMultipart(t *testing.T) {
	t.Parallel()

	fields := []Field{
		{Name: "prompt", Value: []byte("replace the sky")},
		{Name: "steps", Value: []byte("12")},
		{Name: "seed", Value: []byte("7")},
		{Name: "image[]", Filename: "image.png", ContentType: "image/png", Value: []byte{0x89}},
	}
	fields = EmbedSDExtraArgsMultipart(fields)

	prompt := string(fields[0].Value)
	assert.True(t, strings.HasPrefix(prompt, "replace the sky "))
	extra := embeddedExtraArgs(t, prompt)
	assert.Equal(t, float64(12), extra["steps"])
	assert.Equal(t, float64(defaultSDCfgScale), extra["cfg_scale"])
	assert.Equal(t, float64(7), extra["seed"])

	// The binary field is untouched.
	assert.Equal(t, []byte{0x89}, fields[3].Value)
}

func TestEmbedSDExtraArgsMultipartWithoutPrompt(t *testing.T) {
	t.Parallel()

	fields := EmbedSDExtraArgsMultipart([]Field{{Name: "n", Value: []byte("1")}})
	require.Len(t, fields, 2)
	assert.Equal(t, "prompt", fields[1].Name)
	embeddedExtraArgs(t, string(fields[1].Value))
}
