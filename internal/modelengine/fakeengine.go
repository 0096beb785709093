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
)

const eosTokenID int32 = -1

// Fake is a scriptable Engine implementation used by Inference Driver
// tests and by the worker subcommand when LLAMACPPCHAT_OPENAI_BASE_URL
// is unset, for exercising the full IPC path without a real GGUF model.
// Each token piece in Script is assigned a token id hashed from its
// text; the sentinel eosTokenID always maps to "" and IsEOS.
type Fake struct {
	Script []string // token pieces to emit in order, then EOS

	meta    Metadata
	loaded  bool
	pos     int32
	scriptI int
}

var _ Engine = (*Fake)(nil)

func (f *Fake) LoadModel(_ context.Context, modelPath string, contextLength, gpuLayers uint32) (Metadata, error) {
	if contextLength == 0 {
		contextLength = 8192
	}
	f.meta = Metadata{
		ModelPath:     modelPath,
		ContextLength: contextLength,
		GPULayers:     gpuLayers,
		GeneralName:   "fake",
	}
	f.loaded = true
	f.pos = 0
	f.scriptI = 0
	return f.meta, nil
}

func (f *Fake) UnloadModel() error {
	f.loaded = false
	return nil
}

func (f *Fake) Loaded() (Metadata, bool) { return f.meta, f.loaded }

func (f *Fake) Tokenize(text string, addBOS bool) ([]int32, error) {
	n := len(text)
	if addBOS {
		n++
	}
	ids := make([]int32, n)
	for i := range ids {
		ids[i] = int32(i + 1)
	}
	return ids, nil
}

func (f *Fake) Detokenize(token int32) (string, error) {
	if token == eosTokenID {
		return "", nil
	}
	if piece, ok := f.pieceByToken(token); ok {
		return piece, nil
	}
	return fmt.Sprintf("<%d>", token), nil
}

func (f *Fake) Decode(tokens []int32, startPos int32, _ int) error {
	f.pos = startPos + int32(len(tokens))
	return nil
}

func (f *Fake) Sample(SamplerConfig) (int32, error) {
	if f.scriptI >= len(f.Script) {
		return eosTokenID, nil
	}
	piece := f.Script[f.scriptI]
	f.scriptI++
	return hashPiece(piece), nil
}

func (f *Fake) IsEOS(token int32) bool { return token == eosTokenID }

func (f *Fake) ContextPosition() int32 { return f.pos }

// pieceByToken maps a synthetic token id back to the literal scripted
// piece.
func (f *Fake) pieceByToken(token int32) (string, bool) {
	for _, p := range f.Script {
		if hashPiece(p) == token {
			return p, true
		}
	}
	return "", false
}

// hashPiece derives a small stable token id from piece's content so
// repeated Sample calls for the same scripted piece are idempotent.
func hashPiece(piece string) int32 {
	var h int32 = 1
	for _, r := range piece {
		h = h*31 + int32(r)
	}
	if h < 0 {
		h = -h
	}
	if h == eosTokenID {
		h = 1
	}
	return h
}
