// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package toolexec implements the Command Executor contract: parsing
// and running a single shell command synchronously on behalf of a
// model-emitted tool call.
//
// This is a trust boundary. The default deployment assumes a
// sandbox-owned worker process and a trusted operator; it is not a
// defense against an adversarial model.
package toolexec

import (
	"os"
	"os/exec"
	"strings"
)

// blockedFindPaths rejects filesystem-wide find invocations that
// would walk the entire mounted filesystem.
var blockedFindPaths = map[string]bool{
	"/":      true,
	"/usr":   true,
	"/System": true,
}

// ParseWithQuotes tokenizes cmd on whitespace, treating double-quoted
// regions as a single token with the quotes stripped.
func ParseWithQuotes(cmd string) []string {
	var tokens []string
	var cur strings.Builder
	inQuotes := false
	hasContent := false

	flush := func() {
		if hasContent {
			tokens = append(tokens, cur.String())
			cur.Reset()
			hasContent = false
		}
	}

	for _, r := range cmd {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			hasContent = true
		case r == ' ' && !inQuotes:
			flush()
		default:
			cur.WriteRune(r)
			hasContent = true
		}
	}
	flush()
	return tokens
}

// Execute parses and runs cmd, returning the human-readable result
// text to re-inject into the model's context. It never returns a Go
// error for command failures — those are folded into the returned
// string, matching the original tool's "always produce output"
// contract; it only returns an error for truly unexpected conditions.
func Execute(cmd string) (string, error) {
	parts := ParseWithQuotes(strings.TrimSpace(cmd))
	if len(parts) == 0 {
		return "Error: Empty command", nil
	}

	name := parts[0]
	if len(name) < 2 || (strings.Contains(name, "/") && !strings.HasPrefix(name, "/")) {
		return "Error: Invalid command format: " + cmd, nil
	}

	if name == "find" && len(parts) > 1 && blockedFindPaths[parts[1]] {
		return "Error: Refusing to run a filesystem-wide find on " + parts[1], nil
	}

	if name == "cd" {
		return runCd(parts)
	}

	out, stderr, ok, err := run(name, parts[1:])
	if err != nil {
		return "Failed to execute command: " + err.Error(), nil
	}
	return formatResult(name, parts, out, stderr, ok), nil
}

func runCd(parts []string) (string, error) {
	if len(parts) < 2 {
		home, err := os.UserHomeDir()
		if err != nil {
			return "Error: cd: HOME not set", nil
		}
		if err := os.Chdir(home); err != nil {
			return "Error: " + err.Error(), nil
		}
		return "Successfully changed directory to: " + home, nil
	}
	target := parts[1]
	if err := os.Chdir(target); err != nil {
		return "Error: " + err.Error(), nil
	}
	dir, err := os.Getwd()
	if err != nil {
		dir = target
	}
	return "Successfully changed directory to: " + dir, nil
}

// run executes name with args, capturing stdout/stderr. The returned
// bool reports whether the command exited successfully; a non-nil err
// is reserved for conditions that prevented the command from running
// at all (e.g. the executable doesn't exist), not for a failing exit
// status.
func run(name string, args []string) (stdout, stderr string, ok bool, err error) {
	cmd := exec.Command(name, args...)
	var outBuf, errBuf strings.Builder
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	runErr := cmd.Run()
	if runErr != nil {
		if _, isExitErr := runErr.(*exec.ExitError); !isExitErr {
			return "", "", false, runErr
		}
		return outBuf.String(), errBuf.String(), false, nil
	}
	return outBuf.String(), errBuf.String(), true, nil
}

// formatResult mirrors the original executor's per-command synthetic
// success messages when a command succeeds with no stdout/stderr.
func formatResult(name string, parts []string, stdout, stderr string, ok bool) string {
	stdout = strings.TrimRight(stdout, "\n")
	stderr = strings.TrimRight(stderr, "\n")

	if stdout == "" && stderr == "" {
		if !ok {
			return "Command '" + strings.Join(parts, " ") + "' failed with no output"
		}
		switch name {
		case "find":
			return "No files found matching the criteria"
		case "mkdir":
			return "Directory created successfully"
		case "touch":
			return "File created successfully"
		case "rm", "rmdir":
			return "File/directory removed successfully"
		case "mv", "cp":
			return "File operation completed successfully"
		case "chmod":
			return "Permissions changed successfully"
		default:
			return "Command '" + strings.Join(parts, " ") + "' executed successfully"
		}
	}
	if stderr != "" {
		if stdout != "" {
			return stdout + "\nError: " + stderr
		}
		return "Error: " + stderr
	}
	return stdout
}
