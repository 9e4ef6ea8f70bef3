package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bhardwajRahul/lemonade/pkg/logging"
)

func TestSnapshot(t *testing.T) {
	t.Parallel()

	recorder := NewRecorder(logging.New("error"))
	assert.Zero(t, recorder.Snapshot().OutputTokens)

	recorder.RecordCompletion("some-model", 12, 48, 200*time.Millisecond, 2*time.Second)
	stats := recorder.Snapshot()
	assert.Equal(t, "some-model", stats.Model)
	assert.Equal(t, int64(12), stats.InputTokens)
	assert.Equal(t, int64(48), stats.OutputTokens)
	assert.InDelta(t, 0.2, stats.TimeToFirstToken, 0.001)
	assert.InDelta(t, 48.0/1.8, stats.TokensPerSecond, 0.1)
}

func TestHandlerExposesCounters(t *testing.T) {
	t.Parallel()

	recorder := NewRecorder(logging.New("error"))
	recorder.RecordRequest("chat_completions", "llamacpp", "ok", 100*time.Millisecond)

	rr := httptest.NewRecorder()
	recorder.Handler(nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()
	assert.Contains(t, body, "lemonade_requests_total")
	assert.Contains(t, body, `endpoint="chat_completions"`)
}

func TestHandlerMergesEngineMetrics(t *testing.T) {
	t.Parallel()

	engine := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("# TYPE llamacpp_prompt_tokens_total counter\nllamacpp_prompt_tokens_total 42\n"))
	}))
	defer engine.Close()

	recorder := NewRecorder(logging.New("error"))
	rr := httptest.NewRecorder()
	handler := recorder.Handler(func() string { return engine.URL + "/metrics" })
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rr.Body.String()
	assert.Contains(t, body, "llamacpp_prompt_tokens_total 42")
}

func TestHandlerSurvivesUnreachableEngine(t *testing.T) {
	t.Parallel()

	recorder := NewRecorder(logging.New("error"))
	rr := httptest.NewRecorder()
	handler := recorder.Handler(func() string { return "http://127.0.0.1:1/metrics" })
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
}
