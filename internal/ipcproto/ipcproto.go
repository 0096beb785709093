// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ipcproto defines the line-delimited JSON envelope exchanged
// between the server and the worker process over stdio.
//
// A Request carries a monotonic id and a tagged command variant; a
// Response mirrors the id (except for worker-pushed Token/terminal
// frames belonging to a Generate call, which carry that generation's
// request id) and carries a tagged payload variant. Every line on the
// wire is exactly one JSON object terminated by '\n'.
package ipcproto

import "encoding/json"

// Command type tags.
const (
	CmdLoadModel        = "LoadModel"
	CmdUnloadModel       = "UnloadModel"
	CmdGetModelStatus    = "GetModelStatus"
	CmdGenerate          = "Generate"
	CmdCancelGeneration  = "CancelGeneration"
	CmdPing              = "Ping"
	CmdShutdown          = "Shutdown"
)

// Payload type tags.
const (
	PayloadModelLoaded       = "ModelLoaded"
	PayloadModelUnloaded     = "ModelUnloaded"
	PayloadModelStatus       = "ModelStatus"
	PayloadPong              = "Pong"
	PayloadToken             = "Token"
	PayloadGenerationComplete   = "GenerationComplete"
	PayloadGenerationCancelled  = "GenerationCancelled"
	PayloadError             = "Error"
)

// Request is one line read from the worker's stdin.
//
// id=0 is reserved for unsolicited/fire-and-forget commands that
// expect no correlated response.
type Request struct {
	ID      uint64  `json:"id"`
	Command Command `json:"command"`
}

// Command is the tagged-union body of a Request. Only the fields
// relevant to Type are populated; the rest are left zero.
type Command struct {
	Type string `json:"type"`

	// LoadModel
	ModelPath string `json:"model_path,omitempty"`
	GPULayers *uint32 `json:"gpu_layers,omitempty"`

	// Generate
	UserMessage      string   `json:"user_message,omitempty"`
	ConversationID   string   `json:"conversation_id,omitempty"`
	SkipUserLogging  bool     `json:"skip_user_logging,omitempty"`
	ImageData        []string `json:"image_data,omitempty"`
}

// Response is one line written to the worker's stdout.
type Response struct {
	ID      uint64  `json:"id"`
	Payload Payload `json:"payload"`
}

// Payload is the tagged-union body of a Response.
type Payload struct {
	Type string `json:"type"`

	// ModelLoaded
	ModelPath         string `json:"model_path,omitempty"`
	ContextLength     *uint32 `json:"context_length,omitempty"`
	ChatTemplateType   string `json:"chat_template_type,omitempty"`
	ChatTemplateString string `json:"chat_template_string,omitempty"`
	GPULayers         *uint32 `json:"gpu_layers,omitempty"`
	GeneralName       string `json:"general_name,omitempty"`
	HasVision         *bool  `json:"has_vision,omitempty"`

	// ModelStatus
	Loaded bool `json:"loaded,omitempty"`

	// Token
	Token      string `json:"token,omitempty"`
	TokensUsed int32  `json:"tokens_used,omitempty"`
	MaxTokens  int32  `json:"max_tokens,omitempty"`

	// GenerationComplete
	ConversationID  string   `json:"conversation_id,omitempty"`
	PromptTokPerSec *float64 `json:"prompt_tok_per_sec,omitempty"`
	GenTokPerSec    *float64 `json:"gen_tok_per_sec,omitempty"`
	GenEvalMs       *float64 `json:"gen_eval_ms,omitempty"`
	GenTokens       *int32   `json:"gen_tokens,omitempty"`
	PromptEvalMs    *float64 `json:"prompt_eval_ms,omitempty"`
	PromptTokens    *int32   `json:"prompt_tokens,omitempty"`

	// Error
	Message string `json:"message,omitempty"`
}

// Ok builds a terminal success payload of the given type.
func Ok(payloadType string) Payload {
	return Payload{Type: payloadType}
}

// Err builds an Error payload carrying message.
func Err(message string) Payload {
	return Payload{Type: PayloadError, Message: message}
}

// IsTerminal reports whether a payload type ends a Generate call:
// GenerationComplete, GenerationCancelled, or Error. Token is never
// terminal.
func IsTerminal(payloadType string) bool {
	switch payloadType {
	case PayloadGenerationComplete, PayloadGenerationCancelled, PayloadError:
		return true
	default:
		return false
	}
}

// Marshal serializes v and appends the trailing newline the wire
// format requires.
func Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
