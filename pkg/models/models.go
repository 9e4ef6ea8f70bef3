// Package models maps user-facing model names onto hub checkpoints, resolves
// weight files on disk, and drives the download pipeline.
package models

import (
	"strings"
)

// File roles resolvable through ModelInfo.
const (
	RoleMain        = "main"
	RoleMmproj      = "mmproj"
	RoleTextEncoder = "text_encoder"
	RoleVae         = "vae"
)

// ModelInfo describes one servable model.
type ModelInfo struct {
	// Name is the user-facing model name.
	Name string `json:"name"`
	// Checkpoint is the hub repository, optionally suffixed with :variant.
	Checkpoint string `json:"checkpoint"`
	// Recipe names the engine family serving this model.
	Recipe string `json:"recipe"`

	// Modality flags.
	Reasoning bool `json:"reasoning,omitempty"`
	Vision    bool `json:"vision,omitempty"`
	Embedding bool `json:"embeddings,omitempty"`
	Reranking bool `json:"reranking,omitempty"`

	// Auxiliary file names within the checkpoint, when the recipe needs
	// them side-loaded.
	Mmproj      string `json:"mmproj,omitempty"`
	TextEncoder string `json:"text_encoder,omitempty"`
	Vae         string `json:"vae,omitempty"`

	// UserModel marks registrations added through the API rather than the
	// built-in catalog.
	UserModel bool `json:"user_model,omitempty"`
}

// Repo returns the hub repository without the variant suffix.
func (m *ModelInfo) Repo() string {
	if idx := strings.LastIndexByte(m.Checkpoint, ':'); idx >= 0 {
		return m.Checkpoint[:idx]
	}
	return m.Checkpoint
}

// Variant returns the checkpoint variant, or empty when unset.
func (m *ModelInfo) Variant() string {
	if idx := strings.LastIndexByte(m.Checkpoint, ':'); idx >= 0 {
		return m.Checkpoint[idx+1:]
	}
	return ""
}

// auxFiles lists the configured auxiliary file names.
func (m *ModelInfo) auxFiles() []string {
	var aux []string
	for _, name := range []string{m.Mmproj, m.TextEncoder, m.Vae} {
		if name != "" {
			aux = append(aux, name)
		}
	}
	return aux
}

// Registration is the payload registering a user model. It mirrors
// ModelInfo minus the bookkeeping fields.
type Registration struct {
	Name       string `json:"model_name"`
	Checkpoint string `json:"checkpoint"`
	Recipe     string `json:"recipe"`
	Reasoning  bool   `json:"reasoning,omitempty"`
	Vision     bool   `json:"vision,omitempty"`
	Embedding  bool   `json:"embeddings,omitempty"`
	Reranking  bool   `json:"reranking,omitempty"`
	Mmproj     string `json:"mmproj,omitempty"`
}

// Summary is the listing view of a model.
type Summary struct {
	Name       string `json:"name"`
	Checkpoint string `json:"checkpoint"`
	Recipe     string `json:"recipe"`
	Downloaded bool   `json:"downloaded"`
	SizeBytes  int64  `json:"size_bytes,omitempty"`
	Reasoning  bool   `json:"reasoning,omitempty"`
	Vision     bool   `json:"vision,omitempty"`
	Embedding  bool   `json:"embeddings,omitempty"`
	Reranking  bool   `json:"reranking,omitempty"`
	UserModel  bool   `json:"user_model,omitempty"`
}
