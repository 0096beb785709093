// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package chattemplate renders a message list into a model-specific
// prompt, either via a native Jinja-subset template string carried in
// the GGUF metadata or via a built-in family formatter.
package chattemplate

import (
	"strings"
)

const (
	BOSToken = "<s>"
	EOSToken = "</s>"
)

// Family names recognized by the fallback formatter.
const (
	FamilyChatML  = "chatml"
	FamilyMistral = "mistral"
	FamilyLlama3  = "llama3"
	FamilyGemma   = "gemma"
	FamilyGeneric = "generic"
)

// Render produces the raw prompt string for messages.
//
// If nativeTemplate is non-empty it is rendered via the Jinja-subset
// evaluator; otherwise family picks a built-in formatter. tools and
// documents are optional context values exposed to a native template;
// the built-in formatters ignore them (none of ChatML/Mistral/
// Llama3/Gemma's common chat templates render tool listings inline).
func Render(nativeTemplate, family string, messages []Message, tools []Tool, documents []map[string]any, addGenerationPrompt bool) (string, error) {
	if strings.TrimSpace(nativeTemplate) != "" {
		return renderNative(nativeTemplate, messages, tools, documents, addGenerationPrompt)
	}
	return renderFamily(family, messages, addGenerationPrompt), nil
}

// renderNative evaluates the Jinja-subset template against a scope
// exposing messages, tools, documents, add_generation_prompt,
// available_tools, bos_token, and eos_token — the same variable set
// the original project's native-template path exposes.
func renderNative(tmpl string, messages []Message, tools []Tool, documents []map[string]any, addGenerationPrompt bool) (string, error) {
	nodes, err := parseJinja(tmpl)
	if err != nil {
		return "", err
	}
	toolsAny := make([]any, len(tools))
	for i, t := range tools {
		toolsAny[i] = t
	}
	docsAny := make([]any, len(documents))
	for i, d := range documents {
		docsAny[i] = d
	}
	scope := map[string]any{
		"messages":              messages,
		"tools":                 toolsAny,
		"documents":             docsAny,
		"add_generation_prompt": addGenerationPrompt,
		"available_tools":       AvailableTools(),
		"bos_token":             BOSToken,
		"eos_token":             EOSToken,
	}
	var sb strings.Builder
	if err := renderNodes(nodes, scope, &sb); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// renderFamily formats messages using one of the built-in family
// formatters when the model carries no native template string.
func renderFamily(family string, messages []Message, addGenerationPrompt bool) string {
	var sb strings.Builder
	switch family {
	case FamilyChatML:
		for _, m := range messages {
			sb.WriteString("<|im_start|>" + m.Role + "\n" + m.Content + "<|im_end|>\n")
		}
		if addGenerationPrompt {
			sb.WriteString("<|im_start|>assistant\n")
		}
	case FamilyMistral:
		for _, m := range messages {
			switch m.Role {
			case "system":
				sb.WriteString(m.Content)
			case "user":
				sb.WriteString("[INST] " + m.Content + " [/INST]")
			case "assistant":
				sb.WriteString(" " + m.Content + " " + EOSToken)
			}
		}
	case FamilyLlama3:
		for _, m := range messages {
			sb.WriteString("<|start_header_id|>" + m.Role + "<|end_header_id|>\n\n" + m.Content + "<|eot_id|>")
		}
		if addGenerationPrompt {
			sb.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")
		}
	case FamilyGemma:
		for _, m := range messages {
			role := m.Role
			if role == "assistant" {
				role = "model"
			}
			sb.WriteString("<start_of_turn>" + role + "\n" + m.Content + "<end_of_turn>\n")
		}
		if addGenerationPrompt {
			sb.WriteString("<start_of_turn>model\n")
		}
	default: // FamilyGeneric
		for _, m := range messages {
			sb.WriteString(strings.ToUpper(m.Role) + ":\n" + m.Content + "\n\n")
		}
		if addGenerationPrompt {
			sb.WriteString("ASSISTANT:\n")
		}
	}
	return sb.String()
}

// DetectFamily sniffs a native template string (or, failing that, a
// GGUF general.name) for markers identifying one of the built-in
// families. Returns FamilyGeneric if nothing matches.
func DetectFamily(templateOrName string) string {
	s := strings.ToLower(templateOrName)
	switch {
	case strings.Contains(s, "<|im_start|>"):
		return FamilyChatML
	case strings.Contains(s, "[inst]"):
		return FamilyMistral
	case strings.Contains(s, "<|start_header_id|>"):
		return FamilyLlama3
	case strings.Contains(s, "<start_of_turn>"):
		return FamilyGemma
	case strings.Contains(s, "qwen"):
		return FamilyChatML
	case strings.Contains(s, "mistral") || strings.Contains(s, "devstral"):
		return FamilyMistral
	case strings.Contains(s, "llama"):
		return FamilyLlama3
	case strings.Contains(s, "gemma"):
		return FamilyGemma
	default:
		return FamilyGeneric
	}
}

// ExtractEmbeddedSystemPrompt recovers a default system message
// literally assigned inside a native template, e.g.
// `{%- set default_system_message = '...' %}` or
// `{% set system_message = "..." %}`. Returns "" if neither pattern
// is present.
func ExtractEmbeddedSystemPrompt(template string) string {
	if s, ok := extractQuoted(template, "set default_system_message = '", '\''); ok {
		return s
	}
	if s, ok := extractQuoted(template, `set system_message = "`, '"'); ok {
		return s
	}
	return ""
}

func extractQuoted(haystack, marker string, closing byte) (string, bool) {
	idx := strings.Index(haystack, marker)
	if idx == -1 {
		return "", false
	}
	start := idx + len(marker)
	end := strings.IndexByte(haystack[start:], closing)
	if end == -1 {
		return "", false
	}
	return haystack[start : start+end], true
}
