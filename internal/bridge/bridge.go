// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package bridge implements the Worker Bridge: it owns the
// worker's stdin/stdout handles (obtained from a Process Supervisor),
// multiplexes concurrent request futures onto the single IPC channel
// using a request-id map, and provides a health watchdog (Watchdog)
// that reports a failed Ping to a callback. When the reader task sees
// the worker's stdout close, every pending request fails with
// ErrWorkerDied.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AgustinJimenez/llamacppchat/internal/ipcproto"
	"github.com/AgustinJimenez/llamacppchat/pkg/logging"
	"golang.org/x/sync/errgroup"
)

// ErrWorkerDied is returned to every pending caller when the reader
// task observes the worker's stdout close. A timed-out watchdog Ping
// returns its own context error and leaves other pending calls alone.
var ErrWorkerDied = errors.New("bridge: worker died")

// slot is one in-flight request's completion state.
type slot struct {
	done     chan struct{}
	terminal ipcproto.Payload
	err      error
	once     sync.Once

	// sink receives every Token payload plus the terminal payload, if
	// the caller used CallStreaming. nil for a plain Call.
	sink func(ipcproto.Payload)
}

func (s *slot) complete(payload ipcproto.Payload, err error) {
	s.once.Do(func() {
		s.terminal = payload
		s.err = err
		close(s.done)
	})
}

// Bridge multiplexes requests onto a worker process's stdio.
type Bridge struct {
	log *logging.Logger

	writeMu sync.Mutex
	stdin   io.Writer
	stdout  io.Reader

	nextID uint64

	mu      sync.Mutex
	pending map[uint64]*slot

	group errgroup.Group
}

// New builds a Bridge around an already-spawned worker process's
// stdin writer and stdout reader. Call Start to launch the reader
// task.
func New(stdin io.Writer, stdout io.Reader, log *logging.Logger) *Bridge {
	return &Bridge{
		log:     log,
		stdin:   stdin,
		stdout:  stdout,
		pending: make(map[uint64]*slot),
	}
}

// Start launches the reader task in the background via an errgroup,
// so Wait can later block until it has fully drained and failed any
// pending requests. Returns immediately; the reader runs until stdout
// closes or errors.
func (b *Bridge) Start() {
	b.group.Go(func() error {
		b.readerLoop()
		return nil
	})
}

// Wait blocks until the reader task launched by Start has exited —
// stdout closed, or the process was killed out from under it. Safe to
// call after Rebind/Start has launched a new reader task.
func (b *Bridge) Wait() error {
	return b.group.Wait()
}

// Rebind points the Bridge at a freshly spawned worker's stdin/stdout,
// after a Restart. Any slots still pending from the dead worker were
// already failed with ErrWorkerDied by the previous reader task's
// teardown; Start must be called again after Rebind to launch a new
// reader task against the new stdout.
func (b *Bridge) Rebind(stdin io.Writer, stdout io.Reader) {
	b.writeMu.Lock()
	b.stdin = stdin
	b.writeMu.Unlock()
	b.stdout = stdout
}

// Call sends command and blocks for its terminal response.
func (b *Bridge) Call(ctx context.Context, cmd ipcproto.Command) (ipcproto.Payload, error) {
	return b.call(ctx, cmd, nil)
}

// CallStreaming sends command (expected to be a Generate) and
// forwards every intermediate Token payload to sink as it arrives, in
// addition to blocking for and returning the terminal payload.
func (b *Bridge) CallStreaming(ctx context.Context, cmd ipcproto.Command, sink func(ipcproto.Payload)) (ipcproto.Payload, error) {
	return b.call(ctx, cmd, sink)
}

func (b *Bridge) call(ctx context.Context, cmd ipcproto.Command, sink func(ipcproto.Payload)) (ipcproto.Payload, error) {
	id := atomic.AddUint64(&b.nextID, 1)
	s := &slot{done: make(chan struct{}), sink: sink}

	b.mu.Lock()
	b.pending[id] = s
	b.mu.Unlock()

	line, err := ipcproto.Marshal(ipcproto.Request{ID: id, Command: cmd})
	if err != nil {
		b.removeSlot(id)
		return ipcproto.Payload{}, fmt.Errorf("bridge: marshal request: %w", err)
	}

	b.writeMu.Lock()
	_, writeErr := b.stdin.Write(line)
	b.writeMu.Unlock()
	if writeErr != nil {
		b.removeSlot(id)
		return ipcproto.Payload{}, fmt.Errorf("bridge: write to worker stdin: %w", writeErr)
	}

	select {
	case <-s.done:
		return s.terminal, s.err
	case <-ctx.Done():
		b.removeSlot(id)
		return ipcproto.Payload{}, ctx.Err()
	}
}

func (b *Bridge) removeSlot(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, id)
}

// readerLoop reads one JSON line at a time from the worker's stdout.
// Intermediate Token payloads are forwarded to the slot's sink without
// removing it; terminal payloads remove the slot and complete its
// one-shot, also forwarding to the sink if present. When stdout ends
// (EOF or read error), every remaining pending slot is failed with
// ErrWorkerDied.
func (b *Bridge) readerLoop() {
	scanner := bufio.NewScanner(b.stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp ipcproto.Response
		if err := json.Unmarshal(line, &resp); err != nil {
			b.logErr("bridge: malformed response line", err)
			continue
		}

		b.mu.Lock()
		s, ok := b.pending[resp.ID]
		if ok && ipcproto.IsTerminal(resp.Payload.Type) {
			delete(b.pending, resp.ID)
		}
		b.mu.Unlock()

		if !ok {
			continue // unsolicited or already-removed; nothing to correlate to
		}
		if s.sink != nil {
			s.sink(resp.Payload)
		}
		if ipcproto.IsTerminal(resp.Payload.Type) {
			if resp.Payload.Type == ipcproto.PayloadError {
				s.complete(resp.Payload, errors.New(resp.Payload.Message))
			} else {
				s.complete(resp.Payload, nil)
			}
		}
	}
	b.failAllPending()
}

// failAllPending completes every still-pending slot with ErrWorkerDied.
func (b *Bridge) failAllPending() {
	b.mu.Lock()
	slots := make([]*slot, 0, len(b.pending))
	for id, s := range b.pending {
		slots = append(slots, s)
		delete(b.pending, id)
	}
	b.mu.Unlock()

	for _, s := range slots {
		s.complete(ipcproto.Payload{}, ErrWorkerDied)
	}
}

// Ping sends a Ping command with a timeout and reports whether the
// worker responded in time. Used by a watchdog loop (see Watchdog) to
// decide when to trigger a supervisor restart.
func (b *Bridge) Ping(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, err := b.Call(ctx, ipcproto.Command{Type: ipcproto.CmdPing})
	return err
}

// PendingCount reports the number of requests currently in flight;
// used to verify the "pending map is empty iff no request in flight"
// invariant in tests.
func (b *Bridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Bridge) logErr(msg string, err error) {
	if b.log != nil {
		b.log.Error(msg, "error", err)
	}
}

// Watchdog runs Ping on interval until ctx is cancelled; onFailure is
// invoked (on the caller's choice of goroutine — typically triggering
// supervisor.Restart) whenever a Ping times out or errors.
func Watchdog(ctx context.Context, b *Bridge, interval, pingTimeout time.Duration, onFailure func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.Ping(pingTimeout); err != nil {
				onFailure(err)
			}
		}
	}
}
