// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package tooltags resolves a per-model-family Tool-Tag Profile: the
// opening/closing delimiter pair the Tool-Call Detector scans for
// and the output wrapper the Inference Driver re-injects results with.
package tooltags

import "strings"

// Profile is the quadruple a model family uses to delimit a tool call
// and its re-injected output.
type Profile struct {
	ExecOpen    string
	ExecClose   string
	OutputOpen  string
	OutputClose string
}

// WithOverrides returns a copy of p with any non-empty field in o
// substituted in. An empty string in o never overrides p.
func (p Profile) WithOverrides(o Profile) Profile {
	out := p
	if o.ExecOpen != "" {
		out.ExecOpen = o.ExecOpen
	}
	if o.ExecClose != "" {
		out.ExecClose = o.ExecClose
	}
	if o.OutputOpen != "" {
		out.OutputOpen = o.OutputOpen
	}
	if o.OutputClose != "" {
		out.OutputClose = o.OutputClose
	}
	return out
}

// Default is the project-defined SYSTEM.EXEC tag pair, used when no
// model-specific entry matches and as the base for the agentic system
// prompt.
func Default() Profile {
	return Profile{
		ExecOpen:    "<||SYSTEM.EXEC>",
		ExecClose:   "<SYSTEM.EXEC||>",
		OutputOpen:  "\n<||SYSTEM.OUTPUT>\n",
		OutputClose: "\n<SYSTEM.OUTPUT||>\n",
	}
}

func qwenTags() Profile {
	return Profile{
		ExecOpen:    "<tool_call>",
		ExecClose:   "</tool_call>",
		OutputOpen:  "<tool_response>\n",
		OutputClose: "\n</tool_response>",
	}
}

func mistralTags() Profile {
	return Profile{
		ExecOpen:    "[TOOL_CALLS]",
		ExecClose:   "[/TOOL_CALLS]",
		OutputOpen:  "[TOOL_RESULTS]",
		OutputClose: "[/TOOL_RESULTS]",
	}
}

func harmonyTags() Profile {
	return Profile{
		ExecOpen:    "<|start|>tool<|message|>",
		ExecClose:   "<|end|>",
		OutputOpen:  "<|start|>tool<|message|>",
		OutputClose: "<|end|>",
	}
}

// tagFactory builds a Profile on demand; factories are recomputed per
// lookup rather than shared so future per-call customization (e.g.
// config-driven overrides) stays cheap to add.
type tagFactory func() Profile

// modelTagMap pairs a normalized model display name with the factory
// that produces its tag profile. Matched exact-then-fuzzy by
// lookupProfile.
var modelTagMap = []struct {
	name    string
	factory tagFactory
}{
	{"qwen_qwen3 coder next", qwenTags},
	{"qwen_qwen3", qwenTags},
	{"mistralai_devstral small 2507", mistralTags},
	{"mistralai_mistral", mistralTags},
	{"openai_gpt oss 20b", harmonyTags},
	{"zai org_glm 4.6v flash", Default},
}

// normalize lowercases s and collapses '_'/'-' and whitespace runs to
// single spaces, matching the normalization original model-name
// strings are stored under.
func normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.Map(func(r rune) rune {
		if r == '_' || r == '-' {
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// ForModel resolves the Tool-Tag Profile for generalName (a GGUF
// general.name value), trying an exact match first, then a fuzzy
// substring match in both directions, then falling back to Default.
// A nil/empty generalName always returns Default.
func ForModel(generalName string) Profile {
	if strings.TrimSpace(generalName) == "" {
		return Default()
	}
	norm := normalize(generalName)

	for _, entry := range modelTagMap {
		if normalize(entry.name) == norm {
			return entry.factory()
		}
	}
	for _, entry := range modelTagMap {
		name := normalize(entry.name)
		if strings.Contains(norm, name) || strings.Contains(name, norm) {
			return entry.factory()
		}
	}
	return Default()
}
