// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package supervisor implements the Process Supervisor: it
// spawns the worker subprocess with piped stdin/stdout and inherited
// stderr, and exposes kill/restart to the server. No restart policy
// lives here — the server decides when to call Restart: on a watchdog
// failure or an explicit user reload.
package supervisor

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Process abstracts the spawned worker child so the Bridge can be
// tested without forking a real process.
type Process interface {
	// Stdin returns the writer the Bridge sends IPC requests on.
	Stdin() io.WriteCloser
	// Stdout returns the reader the Bridge reads IPC responses from.
	Stdout() io.ReadCloser
	// Kill terminates the process immediately (SIGKILL-equivalent) and
	// reaps it.
	Kill() error
	// Wait blocks until the process exits and returns its error, if any.
	Wait() error
}

// Supervisor owns the worker child process's lifecycle. Dropping it
// (Kill) takes down the child; there is no finalizer-based cleanup, so
// callers must Kill explicitly on shutdown.
type Supervisor struct {
	mu sync.Mutex

	selfExe      string
	workerArgs   []string
	restartCount int
	current      Process
	spawnFn      func(exe string, args []string) (Process, error)

	spawnGroup singleflight.Group
}

// New builds a Supervisor that spawns `selfExe worker --db-path
// dbPath` (plus any extraArgs) on Spawn/Restart: the same binary
// re-executed in worker mode, a cobra subcommand rather than a bare
// flag.
func New(selfExe, dbPath string, extraArgs ...string) *Supervisor {
	args := append([]string{"worker", "--db-path", dbPath}, extraArgs...)
	return &Supervisor{
		selfExe:    selfExe,
		workerArgs: args,
		spawnFn:    spawnOSProcess,
	}
}

// WithSpawnFunc overrides how a child process is created; used by
// tests to avoid forking a real binary.
func (s *Supervisor) WithSpawnFunc(fn func(exe string, args []string) (Process, error)) *Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawnFn = fn
	return s
}

// Spawn starts the worker process if none is running. Returns the
// process's stdin/stdout handles for the Bridge to wire up.
//
// Concurrent callers (e.g. a watchdog failure and an explicit reload
// request racing at startup) are de-duplicated through a
// singleflight.Group so only one spawnFn call ever runs at a time;
// every concurrent caller observes the same resulting Process.
func (s *Supervisor) Spawn() (Process, error) {
	s.mu.Lock()
	if s.current != nil {
		p := s.current
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	v, err, _ := s.spawnGroup.Do("spawn", func() (interface{}, error) {
		s.mu.Lock()
		if s.current != nil {
			p := s.current
			s.mu.Unlock()
			return p, nil
		}
		s.mu.Unlock()

		p, err := s.spawnFn(s.selfExe, s.workerArgs)
		if err != nil {
			return nil, fmt.Errorf("supervisor: spawn worker: %w", err)
		}

		s.mu.Lock()
		s.current = p
		s.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Process), nil
}

// Kill terminates the current worker process, if any.
func (s *Supervisor) Kill() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	err := s.current.Kill()
	s.current = nil
	return err
}

// Restart kills the current worker (if any) and spawns a fresh one,
// incrementing the restart counter. This is the server's only
// recovery mechanism for a hung or OOMing inference engine: killing
// the process is the most reliable way to reclaim native allocations
// the engine may have leaked.
func (s *Supervisor) Restart() (Process, error) {
	s.mu.Lock()
	s.restartCount++
	cur := s.current
	s.current = nil
	s.mu.Unlock()

	if cur != nil {
		_ = cur.Kill()
	}
	return s.Spawn()
}

// RestartCount reports how many times Restart has been called.
func (s *Supervisor) RestartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartCount
}

// osProcess adapts *exec.Cmd to the Process interface.
type osProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *osProcess) Stdin() io.WriteCloser  { return p.stdin }
func (p *osProcess) Stdout() io.ReadCloser  { return p.stdout }
func (p *osProcess) Wait() error            { return p.cmd.Wait() }

func (p *osProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil {
		return err
	}
	_, _ = p.cmd.Process.Wait()
	return nil
}

func spawnOSProcess(exe string, args []string) (Process, error) {
	cmd := exec.Command(exe, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &osProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}
