// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package inference

import (
	"regexp"
	"strings"

	"github.com/AgustinJimenez/llamacppchat/internal/modelengine"
	"github.com/AgustinJimenez/llamacppchat/internal/tooltags"
	"github.com/AgustinJimenez/llamacppchat/internal/toolexec"
)

// ToolCallMatch is a detected, executed, and re-tokenized tool call
// ready for re-injection into the model context.
type ToolCallMatch struct {
	Command     string  // the extracted command body
	OutputText  string  // output_open + trim(output) + output_close
	OutputToken []int32 // tokenized OutputText, ready to decode
	ScanEnd     int     // byte offset in response where the match ended
}

// Detector scans generated text incrementally for a complete tool
// call under the active Tool-Tag Profile.
type Detector struct {
	tags   tooltags.Profile
	engine modelengine.Engine
}

// NewDetector builds a Detector bound to tags and the engine used to
// tokenize re-injected output.
func NewDetector(tags tooltags.Profile, engine modelengine.Engine) *Detector {
	return &Detector{tags: tags, engine: engine}
}

// execPattern builds the non-greedy "open (.+?) close" regex for the
// active tag pair, matching across newlines.
func (d *Detector) execPattern() *regexp.Regexp {
	return regexp.MustCompile("(?s)" + regexp.QuoteMeta(d.tags.ExecOpen) + "(.+?)" + regexp.QuoteMeta(d.tags.ExecClose))
}

// Detect scans response[lastScanPos:] for a complete tool call. It
// returns (nil, nil) if none is found. Detection is idempotent with
// respect to lastScanPos: calling Detect again with a later
// lastScanPos never re-reports a call whose close tag already fell
// before that position.
func (d *Detector) Detect(response string, lastScanPos int) (*ToolCallMatch, error) {
	if lastScanPos > len(response) {
		lastScanPos = len(response)
	}
	window := response[lastScanPos:]
	re := d.execPattern()
	loc := re.FindStringSubmatchIndex(window)
	if loc == nil {
		return nil, nil
	}
	command := window[loc[2]:loc[3]]
	matchEnd := lastScanPos + loc[1]

	output, err := toolexec.Execute(command)
	if err != nil {
		return nil, err
	}
	outputText := d.tags.OutputOpen + strings.TrimSpace(output) + d.tags.OutputClose

	tokenIDs, err := d.engine.Tokenize(outputText, false)
	if err != nil {
		return nil, err
	}

	return &ToolCallMatch{
		Command:     command,
		OutputText:  outputText,
		OutputToken: tokenIDs,
		ScanEnd:     matchEnd,
	}, nil
}
