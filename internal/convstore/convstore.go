// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package convstore implements the Conversation Store: an
// append-only per-conversation text log on disk, rewritten whole on
// every token/message/command-execution event, plus the parser that
// reconstructs a typed message list from that log.
package convstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/AgustinJimenez/llamacppchat/internal/chattemplate"
)

// DefaultDir is the directory conversation logs are written under,
// relative to the server's working directory.
const DefaultDir = "assets/conversations"

// Logger holds the full in-memory text of one conversation and
// rewrites the whole file on every append. Rewrite-on-every-token is a
// deliberate simplicity choice: files stay small and a file-watcher
// based UI can read them at will.
type Logger struct {
	mu       sync.Mutex
	dir      string
	filePath string
	content  strings.Builder
}

// New creates a fresh conversation log under dir (DefaultDir if
// empty), optionally seeded with a SYSTEM: block if systemPrompt is
// non-empty — a conversation with no explicit system prompt logs
// nothing for it, letting the model's own chat-template default apply
// at render time.
func New(dir, systemPrompt string) (*Logger, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	stamp := strings.ReplaceAll(time.Now().Format("2006-01-02-15-04-05.000"), ".", "-")
	name := fmt.Sprintf("chat_%s.txt", stamp)
	l := &Logger{dir: dir, filePath: filepath.Join(dir, name)}
	if systemPrompt != "" {
		l.LogMessage("SYSTEM", systemPrompt)
	} else if err := l.flush(); err != nil {
		return nil, err
	}
	return l, nil
}

// Open loads an existing conversation log by id (filename, with or
// without the .txt suffix).
func Open(dir, conversationID string) (*Logger, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if !strings.HasSuffix(conversationID, ".txt") {
		conversationID += ".txt"
	}
	path := filepath.Join(dir, conversationID)
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	l := &Logger{dir: dir, filePath: path}
	l.content.WriteString(string(content))
	return l, nil
}

// ConversationID returns the filename (basename) identifying this log.
func (l *Logger) ConversationID() string {
	return filepath.Base(l.filePath)
}

// LogMessage appends a full `ROLE:\n<message>\n\n` block.
func (l *Logger) LogMessage(role, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.content.WriteString(role + ":\n" + message + "\n\n")
	l.flushLocked()
}

// StartAssistantMessage appends the `ASSISTANT:\n` header opening a
// new streamed assistant turn. Callers follow with LogToken per piece
// and FinishAssistantMessage once the stream ends.
func (l *Logger) StartAssistantMessage() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.content.WriteString("ASSISTANT:\n")
	l.flushLocked()
}

// LogToken appends a single streamed token piece to the running
// assistant message.
func (l *Logger) LogToken(token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.content.WriteString(token)
	l.flushLocked()
}

// FinishAssistantMessage appends the trailing blank-line separator
// once a streamed assistant message is complete.
func (l *Logger) FinishAssistantMessage() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.content.WriteString("\n\n")
	l.flushLocked()
}

// LogCommandExecution appends a `[COMMAND: <cmd>]\n<output>\n\n`
// block. These lines are retained in the file but skipped when
// reconstructing the message list for the model or the UI.
func (l *Logger) LogCommandExecution(command, output string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.content.WriteString("[COMMAND: " + command + "]\n" + output + "\n\n")
	l.flushLocked()
}

// Content returns the full in-memory conversation text.
func (l *Logger) Content() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.content.String()
}

// Messages parses the current in-memory content into a typed message
// list, preserving system messages (needed to re-derive the prompt);
// callers building a UI-facing history should filter role=="system"
// themselves.
func (l *Logger) Messages() []chattemplate.Message {
	return ParseMessages(l.Content())
}

func (l *Logger) flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked()
}

func (l *Logger) flushLocked() error {
	return os.WriteFile(l.filePath, []byte(l.content.String()), 0o640)
}

var roleHeaders = map[string]string{
	"SYSTEM:":    "system",
	"USER:":      "user",
	"ASSISTANT:": "assistant",
}

// ParseMessages converts the conversation text log back into an
// ordered message list by role-prefix recognition. `[COMMAND: ...]`
// lines are skipped. Blank trailing/leading content on a block is
// trimmed; blocks with empty content are dropped.
func ParseMessages(content string) []chattemplate.Message {
	var messages []chattemplate.Message
	var currentRole string
	var body strings.Builder

	flush := func() {
		if currentRole != "" && strings.TrimSpace(body.String()) != "" {
			messages = append(messages, chattemplate.Message{
				Role:    currentRole,
				Content: strings.TrimSpace(body.String()),
			})
		}
		body.Reset()
	}

	for _, line := range strings.Split(content, "\n") {
		if role, ok := roleHeaders[line]; ok {
			flush()
			currentRole = role
			continue
		}
		if strings.HasPrefix(line, "[COMMAND:") {
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		body.WriteString(line)
		body.WriteString("\n")
	}
	flush()
	return messages
}
