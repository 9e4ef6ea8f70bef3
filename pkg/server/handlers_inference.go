package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/bhardwajRahul/lemonade/pkg/backends"
	"github.com/bhardwajRahul/lemonade/pkg/engines"
)

// completionUsage extracts the token accounting and timing fields from a
// completion-family response body. llama-server's timings block is optional
// and other engines omit it.
type completionUsage struct {
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Timings struct {
		PromptMS    float64 `json:"prompt_ms"`
		PredictedMS float64 `json:"predicted_ms"`
	} `json:"timings"`
}

// handleCompletionFamily is the shared path for chat completions, text
// completions, and responses.
func (s *Server) handleCompletionFamily(w http.ResponseWriter, r *http.Request, endpoint, childPath string) {
	started := time.Now()
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	var request inferenceRequest
	if err := json.Unmarshal(body, &request); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if request.Model == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "model is required"})
		return
	}

	engine, err := s.ensureLoaded(r.Context(), request.Model, nil, backends.CapCompletion)
	if err != nil {
		s.recorder.RecordRequest(endpoint, recipeOf(engine), "error", time.Since(started))
		writeError(w, err)
		return
	}

	if request.Stream {
		if err := engine.ForwardStream(r.Context(), childPath, body, w, true, 0); err != nil {
			s.log.Warnf("Streamed %s request failed: %v", endpoint, err)
			s.recorder.RecordRequest(endpoint, engine.Recipe(), "error", time.Since(started))
			return
		}
		s.recorder.RecordRequest(endpoint, engine.Recipe(), "ok", time.Since(started))
		return
	}

	payload, status, err := engine.ForwardJSON(r.Context(), childPath, body, completionUnaryTimeout)
	if err != nil {
		s.recorder.RecordRequest(endpoint, engine.Recipe(), "error", time.Since(started))
		writeError(w, err)
		return
	}
	s.recordCompletionStats(request.Model, payload, started)
	s.recorder.RecordRequest(endpoint, engine.Recipe(), outcomeOf(status), time.Since(started))
	writeRaw(w, status, payload)
}

// recordCompletionStats feeds the /stats counters from a unary completion
// response.
func (s *Server) recordCompletionStats(model string, payload []byte, started time.Time) {
	var usage completionUsage
	if err := json.Unmarshal(payload, &usage); err != nil {
		return
	}
	if usage.Usage.PromptTokens == 0 && usage.Usage.CompletionTokens == 0 {
		return
	}
	ttft := time.Duration(usage.Timings.PromptMS * float64(time.Millisecond))
	s.recorder.RecordCompletion(
		model,
		usage.Usage.PromptTokens,
		usage.Usage.CompletionTokens,
		ttft,
		time.Since(started),
	)
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.handleCompletionFamily(w, r, "chat_completions", "/v1/chat/completions")
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	s.handleCompletionFamily(w, r, "completions", "/v1/completions")
}

func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	s.handleCompletionFamily(w, r, "responses", "/v1/responses")
}

// handleUnaryJSON is the shared path for unary JSON forwards (embeddings,
// reranking, image generations). transform, when non-nil, rewrites the body
// for the child's wire protocol before forwarding.
func (s *Server) handleUnaryJSON(
	w http.ResponseWriter,
	r *http.Request,
	endpoint, childPath string,
	capability backends.Capability,
	timeout time.Duration,
	transform func([]byte) ([]byte, error),
) {
	started := time.Now()
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	var request inferenceRequest
	if err := json.Unmarshal(body, &request); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if request.Model == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "model is required"})
		return
	}

	engine, err := s.ensureLoaded(r.Context(), request.Model, nil, capability)
	if err != nil {
		s.recorder.RecordRequest(endpoint, recipeOf(engine), "error", time.Since(started))
		writeError(w, err)
		return
	}

	if transform != nil {
		if body, err = transform(body); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
			return
		}
	}

	payload, status, err := engine.ForwardJSON(r.Context(), childPath, body, timeout)
	if err != nil {
		s.recorder.RecordRequest(endpoint, engine.Recipe(), "error", time.Since(started))
		writeError(w, err)
		return
	}
	s.recorder.RecordRequest(endpoint, engine.Recipe(), outcomeOf(status), time.Since(started))
	writeRaw(w, status, payload)
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	s.handleUnaryJSON(w, r, "embeddings", "/v1/embeddings", backends.CapEmbeddings, embeddingsTimeout, nil)
}

func (s *Server) handleReranking(w http.ResponseWriter, r *http.Request) {
	s.handleUnaryJSON(w, r, "reranking", "/v1/rerank", backends.CapReranking, rerankingTimeout, nil)
}

func (s *Server) handleImageGenerations(w http.ResponseWriter, r *http.Request) {
	// sd-server reads steps/cfg_scale/seed from the prompt suffix, not the
	// request body.
	s.handleUnaryJSON(w, r, "images_generations", "/v1/images/generations", backends.CapImageGenerate, imageTimeout, engines.EmbedSDExtraArgs)
}

// handleMultipartForward parses a multipart request from the client,
// rebuilds it field by field, and forwards it to the engine. transform,
// when non-nil, rewrites the field set for the child's wire protocol.
func (s *Server) handleMultipartForward(
	w http.ResponseWriter,
	r *http.Request,
	endpoint, childPath string,
	capability backends.Capability,
	timeout time.Duration,
	transform func([]engines.Field) []engines.Field,
) {
	started := time.Now()
	r.Body = http.MaxBytesReader(w, r.Body, maximumMultipartSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid multipart body"})
		return
	}

	modelName := r.FormValue("model")
	if modelName == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "model is required"})
		return
	}

	var fields []engines.Field
	for name, values := range r.MultipartForm.Value {
		for _, value := range values {
			fields = append(fields, engines.Field{Name: name, Value: []byte(value)})
		}
	}
	for name, files := range r.MultipartForm.File {
		for _, header := range files {
			file, err := header.Open()
			if err != nil {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unable to read uploaded file"})
				return
			}
			content, err := io.ReadAll(file)
			file.Close()
			if err != nil {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unable to read uploaded file"})
				return
			}
			fields = append(fields, engines.Field{
				Name:        name,
				Filename:    header.Filename,
				ContentType: header.Header.Get("Content-Type"),
				Value:       content,
			})
		}
	}

	engine, err := s.ensureLoaded(r.Context(), modelName, nil, capability)
	if err != nil {
		s.recorder.RecordRequest(endpoint, recipeOf(engine), "error", time.Since(started))
		writeError(w, err)
		return
	}

	if transform != nil {
		fields = transform(fields)
	}

	payload, status, err := engine.ForwardMultipart(r.Context(), childPath, fields, timeout)
	if err != nil {
		s.recorder.RecordRequest(endpoint, engine.Recipe(), "error", time.Since(started))
		writeError(w, err)
		return
	}
	s.recorder.RecordRequest(endpoint, engine.Recipe(), outcomeOf(status), time.Since(started))
	writeRaw(w, status, payload)
}

func (s *Server) handleImageEdits(w http.ResponseWriter, r *http.Request) {
	s.handleMultipartForward(w, r, "images_edits", "/v1/images/edits", backends.CapImageEdit, imageTimeout, engines.EmbedSDExtraArgsMultipart)
}

func (s *Server) handleImageVariations(w http.ResponseWriter, r *http.Request) {
	s.handleMultipartForward(w, r, "images_variations", "/v1/images/variations", backends.CapImageVariation, imageTimeout, engines.EmbedSDExtraArgsMultipart)
}

func (s *Server) handleAudioTranscriptions(w http.ResponseWriter, r *http.Request) {
	// whisper-server accepts transcription uploads on /inference.
	s.handleMultipartForward(w, r, "audio_transcriptions", "/inference", backends.CapTranscribe, transcriptionTimeout, nil)
}

// handleAudioSpeech forwards text-to-speech requests and relays the binary
// audio response.
func (s *Server) handleAudioSpeech(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	var request inferenceRequest
	if err := json.Unmarshal(body, &request); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if request.Model == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "model is required"})
		return
	}

	engine, err := s.ensureLoaded(r.Context(), request.Model, nil, backends.CapSpeak)
	if err != nil {
		s.recorder.RecordRequest("audio_speech", recipeOf(engine), "error", time.Since(started))
		writeError(w, err)
		return
	}

	response, err := engine.ForwardRaw(r.Context(), "/v1/audio/speech", body, speechTimeout)
	if err != nil {
		s.recorder.RecordRequest("audio_speech", engine.Recipe(), "error", time.Since(started))
		writeError(w, err)
		return
	}
	defer response.Body.Close()

	if contentType := response.Header.Get("Content-Type"); contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(response.StatusCode)
	if _, err := io.Copy(w, response.Body); err != nil {
		s.log.Warnf("Relaying synthesized audio failed: %v", err)
	}
	s.recorder.RecordRequest("audio_speech", engine.Recipe(), outcomeOf(response.StatusCode), time.Since(started))
}

// writeRaw relays an engine response body verbatim.
func writeRaw(w http.ResponseWriter, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

// outcomeOf maps an engine status code to a metrics outcome label.
func outcomeOf(status int) string {
	if status >= 200 && status < 300 {
		return "ok"
	}
	return "error"
}

// recipeOf labels metrics for requests that failed before an engine was
// available.
func recipeOf(engine *engines.Engine) string {
	if engine == nil {
		return "none"
	}
	return engine.Recipe()
}
