package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bhardwajRahul/lemonade/pkg/engines"
	"github.com/bhardwajRahul/lemonade/pkg/errdefs"
)

// Per-endpoint forward timeouts for unary requests. Streaming forwards are
// bounded by the request context instead.
const (
	completionUnaryTimeout = 30 * time.Second
	embeddingsTimeout      = 30 * time.Second
	rerankingTimeout       = 30 * time.Second
	imageTimeout           = 600 * time.Second
	transcriptionTimeout   = 300 * time.Second
	speechTimeout          = 300 * time.Second
)

// inferenceRequest extracts the routing-relevant fields of an OpenAI-style
// request body.
type inferenceRequest struct {
	// Model is the requested model name.
	Model string `json:"model"`
	// Stream requests a streamed response.
	Stream bool `json:"stream"`
}

// loadRequest is the /load and /unload body. Options beyond the fixed
// fields are collected separately.
type loadRequest struct {
	Model string `json:"model"`
}

// pullRequest is the /pull and /delete body. The registration fields allow
// /pull to register a user model in the same call.
type pullRequest struct {
	Model      string `json:"model"`
	Checkpoint string `json:"checkpoint,omitempty"`
	Recipe     string `json:"recipe,omitempty"`
	Reasoning  bool   `json:"reasoning,omitempty"`
	Vision     bool   `json:"vision,omitempty"`
	Embedding  bool   `json:"embeddings,omitempty"`
	Reranking  bool   `json:"reranking,omitempty"`
	Mmproj     string `json:"mmproj,omitempty"`
}

// installRequest is the /install and /uninstall body.
type installRequest struct {
	Recipe  string `json:"recipe"`
	Backend string `json:"backend,omitempty"`
}

// controlRequest is the downloads control body.
type controlRequest struct {
	ID     string `json:"id,omitempty"`
	Model  string `json:"model,omitempty"`
	Action string `json:"action"`
}

// errorResponse is the JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}

// badRequestError marks client errors detected while reading a body.
type badRequestError struct {
	message string
}

func (e *badRequestError) Error() string {
	return e.message
}

// writeError maps err onto an HTTP status and writes the JSON error body.
func writeError(w http.ResponseWriter, err error) {
	var badRequest *badRequestError
	if errors.As(err, &badRequest) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, errdefs.StatusOf(err), errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// readBody reads a size-capped JSON request body.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maximumRequestSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &badRequestError{message: "request too large"}
		}
		return nil, &badRequestError{message: "unable to read request body"}
	}
	return body, nil
}

// parseLoadBody splits a /load body into the model name and the remaining
// fields, which become load options.
func parseLoadBody(body []byte) (string, engines.LoadOptions, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", nil, errors.New("invalid request body")
	}
	model, _ := raw["model"].(string)
	if model == "" {
		return "", nil, errors.New("model is required")
	}
	delete(raw, "model")
	if len(raw) == 0 {
		return model, nil, nil
	}
	return model, engines.LoadOptions(raw), nil
}

// decodeBody reads and decodes a JSON request body into target.
func decodeBody(w http.ResponseWriter, r *http.Request, target any) error {
	body, err := readBody(w, r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, target); err != nil {
		return &badRequestError{message: "invalid request body"}
	}
	return nil
}
