// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package inference

import (
	"context"
	"strings"
	"testing"

	"github.com/AgustinJimenez/llamacppchat/internal/modelengine"
	"github.com/AgustinJimenez/llamacppchat/internal/tooltags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDriver_ChatMLHello(t *testing.T) {
	engine := &modelengine.Fake{Script: []string{"Hello", " there", "!"}}
	_, err := engine.LoadModel(context.Background(), "chatml.gguf", 0, 0)
	require.NoError(t, err)

	driver := New(engine, "generic_chatml", tooltags.Profile{})

	var tokens []string
	var terminal *Event
	err = driver.Generate(context.Background(), Request{
		UserMessage: "Hi",
		ConvDir:     t.TempDir(),
	}, func(e Event) {
		if e.Terminal {
			ev := e
			terminal = &ev
			return
		}
		tokens = append(tokens, e.Token)
	})
	require.NoError(t, err)

	require.NotNil(t, terminal)
	assert.Equal(t, "complete", terminal.Outcome)
	assert.Greater(t, terminal.TokensUsed, int32(0))
	assert.NotEmpty(t, tokens)
}

func TestDriver_ToolCallRoundTripAppearsInFinalResponse(t *testing.T) {
	engine := &modelengine.Fake{Script: []string{"<tool_call>echo hi</tool_call>", " done"}}
	_, err := engine.LoadModel(context.Background(), "qwen.gguf", 0, 0)
	require.NoError(t, err)

	driver := New(engine, "Qwen_Qwen3", tooltags.Profile{})

	var full strings.Builder
	err = driver.Generate(context.Background(), Request{
		UserMessage: "run echo hi",
		ConvDir:     t.TempDir(),
	}, func(e Event) {
		if !e.Terminal {
			full.WriteString(e.Token)
		}
	})
	require.NoError(t, err)
	assert.Contains(t, full.String(), "<tool_response>\nhi\n</tool_response>")
}

func TestDriver_CancelStopsGeneration(t *testing.T) {
	engine := &modelengine.Fake{Script: []string{"a", "b", "c", "d", "e"}}
	_, err := engine.LoadModel(context.Background(), "chatml.gguf", 0, 0)
	require.NoError(t, err)

	driver := New(engine, "generic_chatml", tooltags.Profile{})

	count := 0
	var terminal *Event
	err = driver.Generate(context.Background(), Request{
		UserMessage: "go",
		ConvDir:     t.TempDir(),
	}, func(e Event) {
		if e.Terminal {
			ev := e
			terminal = &ev
			return
		}
		count++
		if count == 3 {
			driver.Cancel()
		}
	})
	require.NoError(t, err)
	require.NotNil(t, terminal)
	assert.Equal(t, "cancelled", terminal.Outcome)
	assert.LessOrEqual(t, count, 4)
}
