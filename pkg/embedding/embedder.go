// Package embedding wraps a local GGUF embedding model behind a small API
// used by the semantic catalog index.
package embedding

import (
	"fmt"

	"github.com/kelindar/search"
)

// Embedder turns text into embedding vectors using llama.cpp via
// kelindar/search.
type Embedder struct {
	vectorizer *search.Vectorizer
}

// New loads the GGUF model at the given path. Set gpuLayers > 0 to offload
// layers to GPU (requires Vulkan); 0 keeps inference on the CPU.
func New(modelPath string, gpuLayers int) (*Embedder, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("model path is required")
	}

	vectorizer, err := search.NewVectorizer(modelPath, gpuLayers)
	if err != nil {
		return nil, fmt.Errorf("initializing vectorizer from %s: %w", modelPath, err)
	}

	return &Embedder{vectorizer: vectorizer}, nil
}

// Embed returns the embedding vector for a single text string.
func (e *Embedder) Embed(text string) ([]float32, error) {
	return e.vectorizer.EmbedText(text)
}

// Close releases resources held by the embedder.
func (e *Embedder) Close() error {
	return e.vectorizer.Close()
}
