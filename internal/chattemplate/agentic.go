// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chattemplate

import (
	"fmt"

	"github.com/AgustinJimenez/llamacppchat/internal/tooltags"
)

// UniversalAgenticSystemPrompt builds the system prompt substituted in
// when the user selects the "__AGENTIC__" marker, instructing the
// model to emit tags.ExecOpen CMD tags.ExecClose whenever it needs to
// run a shell command. The tag pair is specific to the model family
// currently loaded so the instructions always match what the Tool-Call
// Detector is actually scanning for.
func UniversalAgenticSystemPrompt(tags tooltags.Profile) string {
	return fmt.Sprintf(
		"You are a helpful assistant with the ability to execute shell commands on the host system.\n\n"+
			"When you need to run a command, emit it exactly as:\n%sCOMMAND%s\n\n"+
			"The command's output will be returned to you wrapped between the markers %s...%s. "+
			"Wait for that output before continuing your response. Only emit one command at a time.",
		tags.ExecOpen, tags.ExecClose, tags.OutputOpen, tags.OutputClose,
	)
}
