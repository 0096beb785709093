// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/AgustinJimenez/llamacppchat/internal/modelengine"
	"github.com/AgustinJimenez/llamacppchat/internal/worker"
	"github.com/AgustinJimenez/llamacppchat/pkg/logging"
)

// runWorker is the entrypoint the Process Supervisor re-execs into:
// it reads line-delimited JSON commands from stdin and writes
// line-delimited JSON responses to stdout. stderr is inherited by the
// parent for diagnostic logging only.
func runWorker(cmd *cobra.Command, args []string) {
	log := logging.New(logging.Config{Level: logging.LevelInfo, Service: "worker"})
	defer log.Close()

	factory := engineFactory()
	loop := worker.New(os.Stdin, os.Stdout, factory, log, convDir)
	if err := loop.Run(context.Background()); err != nil {
		log.Error("worker: loop exited with error", "error", err)
		os.Exit(1)
	}
}

// engineFactory chooses the Engine implementation this worker loads
// models against. LLAMACPPCHAT_OPENAI_BASE_URL opts into the
// OpenAI-compatible bridge (e.g. against a local llama.cpp server
// binary's own HTTP surface); otherwise the in-process Fake engine
// stands in for the GGUF loader, an external black-box collaborator
// this repo never loads directly.
func engineFactory() worker.EngineFactory {
	baseURL := os.Getenv("LLAMACPPCHAT_OPENAI_BASE_URL")
	if baseURL == "" {
		return func() modelengine.Engine { return &modelengine.Fake{} }
	}
	apiKey := os.Getenv("LLAMACPPCHAT_OPENAI_API_KEY")
	modelName := os.Getenv("LLAMACPPCHAT_OPENAI_MODEL")
	return func() modelengine.Engine {
		return modelengine.NewOpenAICompat(apiKey, baseURL, modelName)
	}
}
