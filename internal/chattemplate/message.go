// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chattemplate

// Message is one turn in the conversation passed to the template
// engine. ToolCalls is only populated on assistant messages that
// triggered a tool call.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall describes a single model-requested tool invocation.
type ToolCall struct {
	Name      string          `json:"name"`
	Arguments string          `json:"arguments"`
	Function  *ToolCallFunc `json:"function,omitempty"`
}

// ToolCallFunc mirrors the OpenAI-style nested function object some
// templates expect instead of flat Name/Arguments.
type ToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool is a single available tool definition, rendered into templates
// that support tool-calling.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction is the JSON-schema body of a Tool.
type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// AvailableTools returns the single execute_command tool this project
// exposes to models that support structured tool-calling templates.
func AvailableTools() []Tool {
	return []Tool{
		{
			Type: "function",
			Function: ToolFunction{
				Name:        "execute_command",
				Description: "Execute a shell command and return its output.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"command": map[string]any{
							"type":        "string",
							"description": "The shell command to execute.",
						},
					},
					"required": []string{"command"},
				},
			},
		},
	}
}
