// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package modelengine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAICompat adapts an OpenAI-compatible chat-completions endpoint
// to the Engine boundary. The endpoint and model come from the
// constructor; the model_path given to LoadModel is recorded in
// Metadata but not parsed.
//
// Because llama.cpp-style token-by-token decode/sample primitives
// don't exist on this transport, OpenAICompat buffers one non-streamed
// completion per generation and plays it back one space-delimited word
// "token" at a time through Sample/Detokenize — the Inference Driver
// sees the same token-by-token shape it sees for a real GGUF engine,
// so the sample loop, stop-condition check, and tool-call detector are
// unmodified by the choice of backend.
type OpenAICompat struct {
	mu     sync.Mutex
	client *openai.Client
	model  string
	meta   Metadata
	loaded bool

	pending []string // buffered completion, split into pieces, awaiting Sample
	pos     int32
}

var _ Engine = (*OpenAICompat)(nil)

// NewOpenAICompat builds a client pointed at baseURL (empty = the
// real OpenAI API) for chat model modelName.
func NewOpenAICompat(apiKey, baseURL, modelName string) *OpenAICompat {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAICompat{client: openai.NewClientWithConfig(cfg), model: modelName}
}

func (e *OpenAICompat) LoadModel(_ context.Context, modelPath string, contextLength, gpuLayers uint32) (Metadata, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if contextLength == 0 {
		contextLength = 128000
	}
	e.meta = Metadata{
		ModelPath:     modelPath,
		ContextLength: contextLength,
		GPULayers:     gpuLayers,
		GeneralName:   e.model,
	}
	e.loaded = true
	return e.meta, nil
}

func (e *OpenAICompat) UnloadModel() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loaded = false
	return nil
}

func (e *OpenAICompat) Loaded() (Metadata, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.meta, e.loaded
}

// Tokenize is approximate for a remote engine: there is no local
// tokenizer, so it assigns one placeholder id per UTF-8 rune. This is
// only used by the driver to size prefill batches and count
// tokens_used, which for a remote backend is inherently an estimate.
func (e *OpenAICompat) Tokenize(text string, addBOS bool) ([]int32, error) {
	n := len([]rune(text))
	if addBOS {
		n++
	}
	ids := make([]int32, n)
	for i := range ids {
		ids[i] = int32(i + 1)
	}
	return ids, nil
}

func (e *OpenAICompat) Detokenize(token int32) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx := int(token) - 1
	if idx < 0 || idx >= len(e.pending) {
		return "", nil
	}
	return e.pending[idx], nil
}

// Decode is a no-op placeholder: there is no remote context to feed.
// Prompt text reaches the remote call via PrimePrompt, which the
// driver calls after prefill and before the sample loop begins.
func (e *OpenAICompat) Decode([]int32, int32, int) error { return nil }

// PrimePrompt issues the actual chat-completions request and buffers
// the response for Sample/Detokenize to play back token-by-token.
func (e *OpenAICompat) PrimePrompt(ctx context.Context, prompt string) error {
	e.mu.Lock()
	model := e.model
	e.mu.Unlock()

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return fmt.Errorf("modelengine: openai completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("modelengine: openai completion returned no choices")
	}
	content := resp.Choices[0].Message.Content

	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = splitIntoPieces(content)
	e.pos = 0
	return nil
}

func splitIntoPieces(s string) []string {
	words := strings.SplitAfter(s, " ")
	pieces := make([]string, 0, len(words))
	for _, w := range words {
		if w != "" {
			pieces = append(pieces, w)
		}
	}
	return pieces
}

func (e *OpenAICompat) Sample(SamplerConfig) (int32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if int(e.pos) >= len(e.pending) {
		return eosTokenID, nil
	}
	id := int32(e.pos + 1)
	e.pos++
	return id, nil
}

func (e *OpenAICompat) IsEOS(token int32) bool { return token == eosTokenID }

func (e *OpenAICompat) ContextPosition() int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos
}
