// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package worker implements the Worker IPC Loop: a single-threaded
// cooperative loop reading line-delimited JSON commands from stdin,
// dispatching them against the loaded model session, and writing
// line-delimited JSON responses to stdout. No OS-level multithreading
// is required here — the loop, the Inference Driver's sample loop, and
// stdio are the only suspension points.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/AgustinJimenez/llamacppchat/internal/inference"
	"github.com/AgustinJimenez/llamacppchat/internal/ipcproto"
	"github.com/AgustinJimenez/llamacppchat/internal/modelengine"
	"github.com/AgustinJimenez/llamacppchat/internal/tooltags"
	"github.com/AgustinJimenez/llamacppchat/pkg/logging"
)

// EngineFactory builds the Engine implementation backing this worker
// process. The worker subcommand supplies modelengine.OpenAICompat when
// LLAMACPPCHAT_OPENAI_BASE_URL is set and modelengine.Fake otherwise;
// tests supply modelengine.Fake.
type EngineFactory func() modelengine.Engine

// Loop is the IPC dispatch loop. It owns the model session's Driver
// for as long as a model stays loaded; LoadModel/UnloadModel
// replace/clear it.
type Loop struct {
	in     *bufio.Scanner
	out    io.Writer
	outMu  sync.Mutex
	engine EngineFactory
	log    *logging.Logger
	convDir string

	mu         sync.Mutex
	liveEngine modelengine.Engine
	driver     *inference.Driver
	overrides  tooltags.Profile
}

// New builds a Loop reading commands from r and writing responses to
// w. convDir overrides the conversation store directory ("" uses the
// package default).
func New(r io.Reader, w io.Writer, engineFactory EngineFactory, log *logging.Logger, convDir string) *Loop {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return &Loop{in: scanner, out: w, engine: engineFactory, log: log, convDir: convDir}
}

// Run reads and dispatches commands until stdin closes or a Shutdown
// command is processed. It returns nil on a clean Shutdown or EOF.
func (l *Loop) Run(ctx context.Context) error {
	for l.in.Scan() {
		line := l.in.Bytes()
		if len(line) == 0 {
			continue
		}
		var req ipcproto.Request
		if err := json.Unmarshal(line, &req); err != nil {
			l.write(ipcproto.Response{ID: 0, Payload: ipcproto.Err(fmt.Sprintf("protocol error: %v", err))})
			continue
		}

		shutdown, err := l.dispatch(ctx, req)
		if err != nil {
			l.logErr("dispatch", err)
		}
		if shutdown {
			return nil
		}
	}
	if err := l.in.Err(); err != nil {
		return fmt.Errorf("worker: read stdin: %w", err)
	}
	return nil
}

// dispatch handles one request. It returns shutdown=true once a
// Shutdown command has been fully processed (stdout flushed).
func (l *Loop) dispatch(ctx context.Context, req ipcproto.Request) (bool, error) {
	switch req.Command.Type {
	case ipcproto.CmdLoadModel:
		l.handleLoadModel(ctx, req)
	case ipcproto.CmdUnloadModel:
		l.handleUnloadModel(req)
	case ipcproto.CmdGetModelStatus:
		l.handleGetModelStatus(req)
	case ipcproto.CmdGenerate:
		l.handleGenerate(ctx, req)
	case ipcproto.CmdCancelGeneration:
		l.handleCancelGeneration(req)
	case ipcproto.CmdPing:
		l.write(ipcproto.Response{ID: req.ID, Payload: ipcproto.Ok(ipcproto.PayloadPong)})
	case ipcproto.CmdShutdown:
		l.write(ipcproto.Response{ID: req.ID, Payload: ipcproto.Ok(ipcproto.PayloadModelUnloaded)})
		return true, nil
	default:
		l.write(ipcproto.Response{ID: req.ID, Payload: ipcproto.Err(fmt.Sprintf("unknown command type %q", req.Command.Type))})
	}
	return false, nil
}

func (l *Loop) handleLoadModel(ctx context.Context, req ipcproto.Request) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.liveEngine != nil {
		_ = l.liveEngine.UnloadModel()
	}
	eng := l.engine()
	var gpuLayers uint32
	if req.Command.GPULayers != nil {
		gpuLayers = *req.Command.GPULayers
	}
	meta, err := eng.LoadModel(ctx, req.Command.ModelPath, 0, gpuLayers)
	if err != nil {
		l.write(ipcproto.Response{ID: req.ID, Payload: ipcproto.Err(fmt.Sprintf("load model: %v", err))})
		return
	}
	l.liveEngine = eng
	l.driver = inference.New(eng, meta.GeneralName, l.overrides)

	ctxLen := meta.ContextLength
	gl := meta.GPULayers
	hasVision := meta.HasVision
	l.write(ipcproto.Response{ID: req.ID, Payload: ipcproto.Payload{
		Type:               ipcproto.PayloadModelLoaded,
		ModelPath:          meta.ModelPath,
		ContextLength:      &ctxLen,
		ChatTemplateType:   "",
		ChatTemplateString: meta.ChatTemplateString,
		GPULayers:          &gl,
		GeneralName:        meta.GeneralName,
		HasVision:          &hasVision,
	}})
}

func (l *Loop) handleUnloadModel(req ipcproto.Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.liveEngine != nil {
		_ = l.liveEngine.UnloadModel()
	}
	l.liveEngine = nil
	l.driver = nil
	l.write(ipcproto.Response{ID: req.ID, Payload: ipcproto.Ok(ipcproto.PayloadModelUnloaded)})
}

func (l *Loop) handleGetModelStatus(req ipcproto.Request) {
	l.mu.Lock()
	eng := l.liveEngine
	l.mu.Unlock()

	payload := ipcproto.Payload{Type: ipcproto.PayloadModelStatus}
	if eng != nil {
		if meta, loaded := eng.Loaded(); loaded {
			ctxLen := meta.ContextLength
			gl := meta.GPULayers
			hasVision := meta.HasVision
			payload.Loaded = true
			payload.ModelPath = meta.ModelPath
			payload.ContextLength = &ctxLen
			payload.GPULayers = &gl
			payload.GeneralName = meta.GeneralName
			payload.HasVision = &hasVision
			payload.ChatTemplateString = meta.ChatTemplateString
		}
	}
	l.write(ipcproto.Response{ID: req.ID, Payload: payload})
}

func (l *Loop) handleCancelGeneration(req ipcproto.Request) {
	l.mu.Lock()
	if l.driver != nil {
		l.driver.Cancel()
	}
	l.mu.Unlock()
	l.write(ipcproto.Response{ID: req.ID, Payload: ipcproto.Ok(ipcproto.PayloadPong)})
}

// handleGenerate runs the Inference Driver synchronously on the IPC
// loop's own goroutine — the writer is owned by this loop and there is
// no other thread writing, so Token frames stream out as the driver
// calls emit.
func (l *Loop) handleGenerate(ctx context.Context, req ipcproto.Request) {
	l.mu.Lock()
	driver := l.driver
	l.mu.Unlock()

	if driver == nil {
		l.write(ipcproto.Response{ID: req.ID, Payload: ipcproto.Err("no model loaded")})
		return
	}

	genReq := inference.Request{
		UserMessage:     req.Command.UserMessage,
		ConversationID:  req.Command.ConversationID,
		SkipUserLogging: req.Command.SkipUserLogging,
		ImageData:       req.Command.ImageData,
		ConvDir:         l.convDir,
	}

	err := driver.Generate(ctx, genReq, func(ev inference.Event) {
		if !ev.Terminal {
			l.write(ipcproto.Response{ID: req.ID, Payload: ipcproto.Payload{
				Type:       ipcproto.PayloadToken,
				Token:      ev.Token,
				TokensUsed: ev.TokensUsed,
				MaxTokens:  ev.MaxTokens,
			}})
			return
		}
		l.writeTerminal(req.ID, ev)
	})
	if err != nil {
		l.write(ipcproto.Response{ID: req.ID, Payload: ipcproto.Err(fmt.Sprintf("generate: %v", err))})
	}
}

func (l *Loop) writeTerminal(id uint64, ev inference.Event) {
	switch ev.Outcome {
	case "cancelled":
		l.write(ipcproto.Response{ID: id, Payload: ipcproto.Ok(ipcproto.PayloadGenerationCancelled)})
	case "error":
		l.write(ipcproto.Response{ID: id, Payload: ipcproto.Err(ev.Message)})
	default:
		promptTok := ev.PromptTokens
		genTok := ev.GenTokens
		l.write(ipcproto.Response{ID: id, Payload: ipcproto.Payload{
			Type:            ipcproto.PayloadGenerationComplete,
			ConversationID:  ev.ConversationID,
			TokensUsed:      ev.TokensUsed,
			MaxTokens:       ev.MaxTokens,
			PromptTokPerSec: &ev.PromptTokPerSec,
			GenTokPerSec:    &ev.GenTokPerSec,
			GenEvalMs:       &ev.GenEvalMs,
			GenTokens:       &genTok,
			PromptEvalMs:    &ev.PromptEvalMs,
			PromptTokens:    &promptTok,
		}})
	}
}

func (l *Loop) write(resp ipcproto.Response) {
	b, err := ipcproto.Marshal(resp)
	if err != nil {
		l.logErr("marshal response", err)
		return
	}
	l.outMu.Lock()
	defer l.outMu.Unlock()
	if _, err := l.out.Write(b); err != nil {
		l.logErr("write stdout", err)
	}
}

func (l *Loop) logErr(context string, err error) {
	if l.log != nil {
		l.log.Error(context, "error", err)
	}
}
