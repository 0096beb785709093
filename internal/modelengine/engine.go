// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package modelengine defines the black-box GGUF inference library
// boundary the Inference Driver is built against: load a model,
// create a context, tokenize, decode a batch, sample the next token,
// detokenize, and query model metadata. Everything on the other side
// of this interface (the sampler primitives, the KV-cache, the actual
// weights) is out of scope here — this package only owns the Go-side
// contract and ships a fake plus an OpenAI-compatible remote adapter
// that satisfy it.
package modelengine

import "context"

// Metadata describes a loaded model, surfaced back to the worker's
// ModelLoaded response.
type Metadata struct {
	ModelPath          string
	ContextLength      uint32
	ChatTemplateType   string
	ChatTemplateString string
	GPULayers          uint32
	GeneralName        string
	HasVision          bool
}

// SamplerConfig selects and parameterizes the next-token sampling
// strategy. Exactly one of the strategies is in effect per the
// configured SamplerType.
type SamplerConfig struct {
	SamplerType  string // "greedy" | "temperature" | "top_k" | "top_p" | "min_p" | "mirostat"
	Temperature  float64
	TopK         int
	TopP         float64
	MinP         float64
	MirostatTau  float64
	MirostatEta  float64
}

// Engine is the black-box inference library boundary. Implementations
// need not be safe for concurrent use — the Inference Driver is the
// sole caller and runs single-threaded.
type Engine interface {
	// LoadModel loads weights from modelPath and creates a fresh
	// context sized by contextLength (0 = model default). gpuLayers
	// requests partial/full GPU offload where supported.
	LoadModel(ctx context.Context, modelPath string, contextLength uint32, gpuLayers uint32) (Metadata, error)

	// UnloadModel releases the loaded model and its context. A no-op
	// if nothing is loaded.
	UnloadModel() error

	// Loaded reports whether a model is currently loaded, and its
	// metadata if so.
	Loaded() (Metadata, bool)

	// Tokenize converts text to token ids. addBOS controls whether the
	// beginning-of-sequence token is prepended (true when starting a
	// fresh turn, false when continuing/re-injecting).
	Tokenize(text string, addBOS bool) ([]int32, error)

	// Detokenize converts a single token id back to its text piece.
	Detokenize(token int32) (string, error)

	// Decode runs a forward pass over tokens, assigning them
	// consecutive absolute positions starting at startPos. Only the
	// token at the position flagged by lastLogits (by index into
	// tokens) has its logits computed, matching llama.cpp batch
	// semantics; callers needing every position's logits (none here
	// do) would pass an index for each call.
	Decode(tokens []int32, startPos int32, lastLogitsIdx int) error

	// Sample draws the next token id from the logits left by the last
	// Decode call, under cfg.
	Sample(cfg SamplerConfig) (int32, error)

	// IsEOS reports whether token is an end-of-sequence/end-of-generation
	// sentinel for the loaded model.
	IsEOS(token int32) bool

	// ContextPosition returns the current absolute KV-cache position
	// (the position the next Decode call should continue from).
	ContextPosition() int32
}
