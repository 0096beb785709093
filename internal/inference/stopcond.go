// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package inference

import (
	"strings"

	"github.com/AgustinJimenez/llamacppchat/internal/tooltags"
)

// StopResult is the outcome of CheckStopConditions.
type StopResult struct {
	ShouldStop      bool
	PartialToRemove int // characters to trim from the tail of response
}

func noStop() StopResult                { return StopResult{} }
func stopNow() StopResult                { return StopResult{ShouldStop: true} }
func stopWithRemoval(n int) StopResult   { return StopResult{ShouldStop: true, PartialToRemove: n} }

// isInsideExecBlock reports whether response is currently inside an
// unclosed tool-call region: it contains an exec-open marker with no
// matching exec-close appearing after it.
func isInsideExecBlock(response string, tags tooltags.Profile) bool {
	lastOpen := strings.LastIndex(response, tags.ExecOpen)
	if tags.ExecOpen == "" || lastOpen == -1 {
		return false
	}
	return !strings.Contains(response[lastOpen+len(tags.ExecOpen):], tags.ExecClose)
}

// CheckStopConditions decides whether generation should halt.
//
// Given the response so far, the candidate next token's text, the
// configured stop strings, and the active tool-tag profile (used to
// detect an unclosed tool-call region, which suspends all stop
// checks), it decides whether generation should stop now and, if a
// partial tail match is involved, how many trailing characters of
// response to trim.
func CheckStopConditions(response, newToken string, stopTokens []string, tags tooltags.Profile) StopResult {
	if isInsideExecBlock(response, tags) {
		return noStop()
	}

	testResponse := response + newToken

	for _, stopToken := range stopTokens {
		if strings.Contains(testResponse, stopToken) {
			return stopNow()
		}
		if stopToken == "</s>" {
			continue
		}
		if len(stopToken) <= 2 {
			continue
		}
		trimmed := strings.TrimRight(testResponse, "")
		for i := 2; i < len(stopToken); i++ {
			prefix := stopToken[:i]
			if strings.HasSuffix(trimmed, prefix) {
				priorSuffixLen := i - len(newToken)
				if priorSuffixLen > 0 && len(newToken) > 0 &&
					strings.HasSuffix(strings.TrimRight(response, ""), stopToken[:priorSuffixLen]) &&
					i > len(newToken) {
					return stopWithRemoval(priorSuffixLen)
				}
				return stopNow()
			}
		}
	}
	return noStop()
}
