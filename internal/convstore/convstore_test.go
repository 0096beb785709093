// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package convstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()

	logger, err := New(dir, "You are a helpful assistant.")
	require.NoError(t, err)

	logger.LogMessage("USER", "hello there")
	logger.StartAssistantMessage()
	logger.LogToken("Hi")
	logger.LogToken("!")
	logger.FinishAssistantMessage()

	id := logger.ConversationID()

	reopened, err := Open(dir, id)
	require.NoError(t, err)
	assert.Equal(t, logger.Content(), reopened.Content())
}

// TestLogger_StreamedAssistantTurnRoundTrips exercises the exact
// sequence the Inference Driver's sampleLoop drives a Logger through —
// StartAssistantMessage, then one LogToken per streamed piece, then
// FinishAssistantMessage — and checks that re-parsing the log recovers
// the user and assistant turns as distinct messages rather than the
// tokens being folded into the preceding USER block.
func TestLogger_StreamedAssistantTurnRoundTrips(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(dir, "")
	require.NoError(t, err)

	logger.LogMessage("USER", "what is 2+2?")
	logger.StartAssistantMessage()
	for _, piece := range []string{"4", " is", " the", " answer"} {
		logger.LogToken(piece)
	}
	logger.FinishAssistantMessage()

	messages := logger.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "what is 2+2?", messages[0].Content)
	assert.Equal(t, "assistant", messages[1].Role)
	assert.Equal(t, "4 is the answer", messages[1].Content)
}

func TestParseMessages_SkipsCommandBlocksAndBlankLines(t *testing.T) {
	content := "SYSTEM:\nYou are a helpful assistant.\n\n" +
		"USER:\nlist files here\n\n" +
		"ASSISTANT:\nSure, let me check.\n[COMMAND: ls]\nfile1.txt\nfile2.txt\n\nDone, found two files.\n\n"

	messages := ParseMessages(content)
	require.Len(t, messages, 3)

	assert.Equal(t, "system", messages[0].Role)
	assert.Equal(t, "You are a helpful assistant.", messages[0].Content)

	assert.Equal(t, "user", messages[1].Role)
	assert.Equal(t, "list files here", messages[1].Content)

	assert.Equal(t, "assistant", messages[2].Role)
	assert.NotContains(t, messages[2].Content, "[COMMAND:")
	assert.Contains(t, messages[2].Content, "Sure, let me check.")
	assert.Contains(t, messages[2].Content, "Done, found two files.")
}

func TestParseMessages_EmptyBlocksAreDropped(t *testing.T) {
	content := "SYSTEM:\n\nUSER:\nhi\n\n"
	messages := ParseMessages(content)
	require.Len(t, messages, 1)
	assert.Equal(t, "user", messages[0].Role)
}

func TestLogger_MessagesMatchesWhatWasLogged(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(dir, "")
	require.NoError(t, err)

	logger.LogMessage("USER", "what is 2+2?")
	logger.LogMessage("ASSISTANT", "4")

	messages := logger.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "what is 2+2?", messages[0].Content)
	assert.Equal(t, "assistant", messages[1].Role)
	assert.Equal(t, "4", messages[1].Content)
}
