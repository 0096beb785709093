// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads and persists the sampler/model settings stored
// at assets/config.json. A process-wide singleton is loaded
// once with Load and kept current by an optional fsnotify watch so
// that external edits (or another process writing the same file) are
// picked up without a restart.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/AgustinJimenez/llamacppchat/internal/modelengine"
	"github.com/AgustinJimenez/llamacppchat/pkg/logging"
)

// Path is the on-disk location of the configuration file, relative to
// the working directory the server/worker is launched from.
const Path = "assets/config.json"

// maxModelHistory bounds ModelHistory's length; entries beyond it are
// dropped oldest-first.
const maxModelHistory = 10

// AgenticMarker, when set as SystemPrompt, selects the universal
// agentic system prompt instead of a literal custom prompt.
const AgenticMarker = "__AGENTIC__"

// Config is the persisted sampler and session configuration. Field
// names and JSON tags mirror the original config.json schema so that
// files written by either side remain interchangeable.
type Config struct {
	SamplerType  string  `json:"sampler_type" validate:"oneof=greedy temperature top_k top_p min_p mirostat"`
	Temperature  float64 `json:"temperature" validate:"gte=0"`
	TopP         float64 `json:"top_p" validate:"gte=0,lte=1"`
	TopK         int     `json:"top_k" validate:"gte=0"`
	MinP         float64 `json:"min_p,omitempty" validate:"gte=0,lte=1"`
	MirostatTau  float64 `json:"mirostat_tau"`
	MirostatEta  float64 `json:"mirostat_eta"`

	ModelPath    string   `json:"model_path,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	ContextSize  int32    `json:"context_size,omitempty"`
	StopTokens   []string `json:"stop_tokens,omitempty"`
	ModelHistory []string `json:"model_history"`
}

// Sampler converts the persisted fields into the modelengine.SamplerConfig
// shape consumed by the inference driver.
func (c Config) Sampler() modelengine.SamplerConfig {
	return modelengine.SamplerConfig{
		SamplerType: c.SamplerType,
		Temperature: c.Temperature,
		TopK:        c.TopK,
		TopP:        c.TopP,
		MinP:        c.MinP,
		MirostatTau: c.MirostatTau,
		MirostatEta: c.MirostatEta,
	}
}

// Default returns the out-of-the-box configuration. SystemPrompt is
// left empty so the model's own embedded GGUF default (or, if none,
// no system message at all) is used until the user sets one.
func Default() Config {
	return Config{
		SamplerType:  "temperature",
		Temperature:  0.7,
		TopP:         0.95,
		TopK:         20,
		MirostatTau:  5.0,
		MirostatEta:  0.1,
		ContextSize:  32768,
		StopTokens:   CommonStopTokens(),
		ModelHistory: []string{},
	}
}

// CommonStopTokens returns the built-in stop sequences recognized
// across the model families the chat template engine supports.
func CommonStopTokens() []string {
	return []string{
		"</COMMAND>",

		"<|end_of_text|>",
		"<|eot_id|>",
		"<|start_header_id|>",
		"<|end_header_id|>",

		"<|im_start|>",
		"<|im_end|>",
		"<|endoftext|>",

		"[INST]",
		"[/INST]",
		"</s>",

		"<|user|>",
		"<|assistant|>",
		"<|end|>",
		"<|system|>",

		"<start_of_turn>",
		"<end_of_turn>",

		"<|start_of_role|>",
		"<|end_of_role|>",
	}
}

// AddModelToHistory moves path to the front of ModelHistory, removing
// any earlier occurrence, and truncates to maxModelHistory entries.
func (c *Config) AddModelToHistory(path string) {
	filtered := make([]string, 0, len(c.ModelHistory)+1)
	filtered = append(filtered, path)
	for _, p := range c.ModelHistory {
		if p != path {
			filtered = append(filtered, p)
		}
	}
	if len(filtered) > maxModelHistory {
		filtered = filtered[:maxModelHistory]
	}
	c.ModelHistory = filtered
}

// ResolveSystemPrompt applies the three-tier precedence from spec
// §4.1: an explicit override wins, then the agentic marker, then
// whatever default the caller supplies (the model's embedded GGUF
// prompt, typically).
func ResolveSystemPrompt(systemPrompt, agenticPrompt, modelDefault string) string {
	switch {
	case systemPrompt == AgenticMarker:
		return agenticPrompt
	case systemPrompt != "":
		return systemPrompt
	default:
		return modelDefault
	}
}

var (
	once    sync.Once
	globalMu sync.RWMutex
	global  Config
)

// Load reads the config singleton, creating it with defaults on first
// run if assets/config.json does not yet exist. Safe to call
// concurrently and repeatedly; the file is only read once per process
// unless Reload is called (directly, or via Watch).
func Load() Config {
	once.Do(func() {
		cfg, err := loadFromDisk()
		if err != nil {
			cfg = Default()
			_ = save(cfg)
		}
		globalMu.Lock()
		global = cfg
		globalMu.Unlock()
	})
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

// Reload re-reads assets/config.json from disk, replacing the
// in-memory singleton. Used by Watch and by handlers that persist a
// new config and want every reader to observe it immediately.
func Reload() (Config, error) {
	cfg, err := loadFromDisk()
	if err != nil {
		return Config{}, err
	}
	globalMu.Lock()
	global = cfg
	globalMu.Unlock()
	return cfg, nil
}

// Save persists cfg to assets/config.json and updates the in-memory
// singleton so subsequent Load calls see it without a disk round
// trip.
func Save(cfg Config) error {
	if err := save(cfg); err != nil {
		return err
	}
	globalMu.Lock()
	global = cfg
	globalMu.Unlock()
	return nil
}

func loadFromDisk() (Config, error) {
	data, err := os.ReadFile(Path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func save(cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(Path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(Path, data, 0o644)
}

// Watch starts an fsnotify watch on assets/config.json's directory and
// calls Reload whenever the file is written, picking up edits made by
// another process (or a hand-edited config.json) without a restart.
// It runs until stop is closed; watch errors are logged and do not
// terminate the loop.
func Watch(stop <-chan struct{}, log *logging.Logger) error {
	dir := filepath.Dir(Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(Path)
		for {
			select {
			case <-stop:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if _, err := Reload(); err != nil && log != nil {
					log.Warn("config: reload after change failed", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if log != nil {
					log.Warn("config: watch error", "error", err)
				}
			}
		}
	}()
	return nil
}
