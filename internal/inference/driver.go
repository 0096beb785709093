// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package inference implements the Inference Driver: the
// generation state machine that assembles a prompt, prefills it,
// samples tokens one at a time, detects and executes tool calls
// mid-stream, checks stop conditions, and finalizes with timing
// metrics. It owns no IPC framing of its own — the worker loop feeds
// it a Generate command and receives a stream of events through the
// Emit callback.
package inference

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/AgustinJimenez/llamacppchat/internal/chattemplate"
	"github.com/AgustinJimenez/llamacppchat/internal/convstore"
	"github.com/AgustinJimenez/llamacppchat/internal/modelengine"
	"github.com/AgustinJimenez/llamacppchat/internal/tooltags"
)

// AgenticMarker is the sentinel system-prompt value a client sends to
// request the universal agentic prompt instead of a literal system
// message (mirrors the original project's "__AGENTIC__" config value).
const AgenticMarker = "__AGENTIC__"

// maxBatchTokens bounds a single Decode call, mirroring a llama.cpp
// default physical batch size.
const maxBatchTokens = 512

// Event is one item in the stream the driver emits while generating.
// Exactly one Event with Terminal=true ends a call.
type Event struct {
	Token      string
	TokensUsed int32
	MaxTokens  int32

	Terminal bool
	Outcome  string // "complete" | "cancelled" | "error"
	Message  string // populated when Outcome == "error"

	ConversationID  string
	PromptTokens    int32
	GenTokens       int32
	PromptEvalMs    float64
	GenEvalMs       float64
	PromptTokPerSec float64
	GenTokPerSec    float64
}

// Request bundles the arguments to Generate.
type Request struct {
	UserMessage     string
	ConversationID  string
	SkipUserLogging bool
	ImageData       []string

	// SystemPromptOverride, when non-empty and not AgenticMarker, is
	// used verbatim as the system message (the highest-precedence
	// source). Empty defers to the agentic marker or the model's
	// embedded default.
	SystemPromptOverride string

	StopTokens []string
	Sampler    modelengine.SamplerConfig
	ConvDir    string // conversation store directory; "" = convstore.DefaultDir
}

// Driver is the Inference Driver. A Driver is bound to one loaded
// model session for its lifetime; the worker creates a fresh Driver
// per LoadModel.
type Driver struct {
	engine   modelengine.Engine
	tags     tooltags.Profile
	detector *Detector

	cancelled atomic.Bool
}

// New builds a Driver around engine, resolving the active Tool-Tag
// Profile from the model's declared general.name, with any caller
// overrides applied on top of the model's safe defaults.
func New(engine modelengine.Engine, generalName string, overrides tooltags.Profile) *Driver {
	tags := tooltags.ForModel(generalName).WithOverrides(overrides)
	return &Driver{
		engine:   engine,
		tags:     tags,
		detector: NewDetector(tags, engine),
	}
}

// Cancel flips the cooperative cancellation flag, which the sample
// loop checks before sampling each token. Prompt prefill and the
// re-injection of tool output do not check it.
func (d *Driver) Cancel() {
	d.cancelled.Store(true)
}

func (d *Driver) resetCancellation() {
	d.cancelled.Store(false)
}

// Generate drives one full generation, invoking emit for every Token
// event and exactly once with Terminal=true at the end.
// emit is called synchronously on the caller's goroutine — the worker
// IPC loop is expected to be the sole caller, so no concurrent
// generation is possible against a single Driver.
func (d *Driver) Generate(ctx context.Context, req Request, emit func(Event)) error {
	d.resetCancellation()

	logger, messages, err := d.assembleMessages(req)
	if err != nil {
		emit(errorEvent(req.ConversationID, fmt.Sprintf("assemble messages: %v", err)))
		return nil
	}
	if req.ConversationID == "" {
		req.ConversationID = logger.ConversationID()
	}

	meta, _ := d.engine.Loaded()
	family := chattemplate.DetectFamily(meta.ChatTemplateString)
	if family == chattemplate.FamilyGeneric {
		family = chattemplate.DetectFamily(meta.GeneralName)
	}

	prompt, err := chattemplate.Render(meta.ChatTemplateString, family, messages, chattemplate.AvailableTools(), nil, true)
	if err != nil {
		emit(errorEvent(req.ConversationID, fmt.Sprintf("render prompt: %v", err)))
		return nil
	}

	addBOS := d.engine.ContextPosition() == 0
	promptStart := time.Now()
	promptTokens, err := d.prefill(prompt, addBOS)
	if err != nil {
		emit(errorEvent(req.ConversationID, fmt.Sprintf("decode: %v", err)))
		return nil
	}
	if primer, ok := d.engine.(interface {
		PrimePrompt(ctx context.Context, prompt string) error
	}); ok {
		if err := primer.PrimePrompt(ctx, prompt); err != nil {
			emit(errorEvent(req.ConversationID, fmt.Sprintf("prime prompt: %v", err)))
			return nil
		}
	}
	promptEvalMs :=float64(time.Since(promptStart).Microseconds()) / 1000.0

	maxTokens := int32(meta.ContextLength)
	if maxTokens == 0 {
		maxTokens = 8192
	}

	if logger != nil {
		logger.StartAssistantMessage()
	}

	genStart := time.Now()
	response, genTokens, outcome, errMsg := d.sampleLoop(ctx, req, logger, promptTokens, maxTokens, emit)
	genEvalMs := float64(time.Since(genStart).Microseconds()) / 1000.0

	if logger != nil {
		logger.FinishAssistantMessage()
	}

	tokensUsed := promptTokens + genTokens
	final := Event{
		ConversationID: req.ConversationID,
		Terminal:       true,
		Outcome:        outcome,
		Message:        errMsg,
		TokensUsed:     tokensUsed,
		MaxTokens:      maxTokens,
		PromptTokens:   promptTokens,
		GenTokens:      genTokens,
		PromptEvalMs:   promptEvalMs,
		GenEvalMs:      genEvalMs,
	}
	if promptEvalMs > 0 {
		final.PromptTokPerSec = float64(promptTokens) / (promptEvalMs / 1000.0)
	}
	if genEvalMs > 0 {
		final.GenTokPerSec = float64(genTokens) / (genEvalMs / 1000.0)
	}
	_ = response
	emit(final)
	return nil
}

// assembleMessages implements step 1: load the conversation log,
// append the new user message unless this is a continuation, and
// resolve the system prompt precedence order.
func (d *Driver) assembleMessages(req Request) (*convstore.Logger, []chattemplate.Message, error) {
	var logger *convstore.Logger
	var err error

	if req.ConversationID != "" {
		logger, err = convstore.Open(req.ConvDir, req.ConversationID)
	}
	if logger == nil {
		systemPrompt := d.resolveSystemPrompt(req.SystemPromptOverride)
		logger, err = convstore.New(req.ConvDir, systemPrompt)
	}
	if err != nil {
		return nil, nil, err
	}

	if !req.SkipUserLogging && req.UserMessage != "" {
		logger.LogMessage("USER", req.UserMessage)
	}

	return logger, logger.Messages(), nil
}

// resolveSystemPrompt picks the active system prompt by precedence:
// explicit override → universal agentic prompt if the marker is
// present → model's embedded default → none.
func (d *Driver) resolveSystemPrompt(override string) string {
	switch {
	case override == AgenticMarker:
		return chattemplate.UniversalAgenticSystemPrompt(d.tags)
	case override != "":
		return override
	}
	meta, _ := d.engine.Loaded()
	return chattemplate.ExtractEmbeddedSystemPrompt(meta.ChatTemplateString)
}

// prefill tokenizes prompt and decodes it in batches of at most
// maxBatchTokens, assigning strictly increasing absolute positions
// continuing from the engine's current KV-cache end. Only the final
// token of the final batch has its logits enabled, matching
// llama.cpp's batch-decode convention for a prefill pass.
func (d *Driver) prefill(prompt string, addBOS bool) (int32, error) {
	tokens, err := d.engine.Tokenize(prompt, addBOS)
	if err != nil {
		return 0, err
	}
	pos := d.engine.ContextPosition()
	for start := 0; start < len(tokens); start += maxBatchTokens {
		end := start + maxBatchTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		batch := tokens[start:end]
		lastIdx := -1
		if end == len(tokens) {
			lastIdx = len(batch) - 1
		}
		if err := d.engine.Decode(batch, pos, lastIdx); err != nil {
			return 0, err
		}
		pos += int32(len(batch))
	}
	return int32(len(tokens)), nil
}

// sampleLoop runs the per-token generation cycle: sample, detokenize,
// stream, detect+execute tool calls, check stop conditions, check
// cancellation. Returns the accumulated response text, the count of
// generated tokens (including re-injected tool-output tokens), and the
// terminal outcome.
func (d *Driver) sampleLoop(ctx context.Context, req Request, logger *convstore.Logger, promptTokens, maxTokens int32, emit func(Event)) (string, int32, string, string) {
	var response strings.Builder
	var genTokens int32
	scanPos := 0
	tokensUsed := promptTokens

	for {
		select {
		case <-ctx.Done():
			return response.String(), genTokens, "cancelled", ""
		default:
		}
		if d.cancelled.Load() {
			return response.String(), genTokens, "cancelled", ""
		}

		tok, err := d.engine.Sample(req.Sampler)
		if err != nil {
			return response.String(), genTokens, "error", fmt.Sprintf("sample: %v", err)
		}
		if d.engine.IsEOS(tok) {
			return response.String(), genTokens, "complete", ""
		}

		piece, err := d.engine.Detokenize(tok)
		if err != nil {
			return response.String(), genTokens, "error", fmt.Sprintf("detokenize: %v", err)
		}

		stop := CheckStopConditions(response.String(), piece, req.StopTokens, d.tags)

		response.WriteString(piece)
		genTokens++
		tokensUsed++
		if logger != nil {
			logger.LogToken(piece)
		}
		emit(Event{Token: piece, TokensUsed: tokensUsed, MaxTokens: maxTokens, ConversationID: req.ConversationID})

		if stop.ShouldStop {
			if stop.PartialToRemove > 0 {
				full := response.String()
				if stop.PartialToRemove <= len(full) {
					response.Reset()
					response.WriteString(full[:len(full)-stop.PartialToRemove])
				}
			}
			return response.String(), genTokens, "complete", ""
		}

		if match, err := d.detector.Detect(response.String(), scanPos); err == nil && match != nil {
			scanPos = match.ScanEnd
			pos := d.engine.ContextPosition()
			lastIdx := len(match.OutputToken) - 1
			if err := d.engine.Decode(match.OutputToken, pos, lastIdx); err == nil {
				response.WriteString(match.OutputText)
				genTokens += int32(len(match.OutputToken))
				tokensUsed += int32(len(match.OutputToken))
				if logger != nil {
					logger.LogCommandExecution(match.Command, strings.TrimSpace(match.OutputText))
				}
				emit(Event{Token: match.OutputText, TokensUsed: tokensUsed, MaxTokens: maxTokens, ConversationID: req.ConversationID})
			}
		}
	}
}

func errorEvent(conversationID, message string) Event {
	return Event{ConversationID: conversationID, Terminal: true, Outcome: "error", Message: message}
}
