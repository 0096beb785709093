// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/AgustinJimenez/llamacppchat/internal/ipcproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWorker echoes a scripted response sequence back over its write
// side whenever it sees a request line arrive on its read side,
// standing in for the real worker subprocess. Each request is answered
// on its own goroutine, so a responder that blocks on one request does
// not hold up the next.
type fakeWorker struct {
	t          *testing.T
	workerIn   io.Reader // bridge writes here
	bridgeOut  io.Writer // bridge reads here (worker's "stdout")
	respondWith func(req ipcproto.Request) []ipcproto.Response
}

func (f *fakeWorker) run() {
	scanner := bufio.NewScanner(f.workerIn)
	for scanner.Scan() {
		var req ipcproto.Request
		require.NoError(f.t, json.Unmarshal(scanner.Bytes(), &req))
		go func(req ipcproto.Request) {
			for _, resp := range f.respondWith(req) {
				b, err := ipcproto.Marshal(resp)
				require.NoError(f.t, err)
				_, _ = f.bridgeOut.Write(b)
			}
		}(req)
	}
}

func newBridgeWithFakeWorker(t *testing.T, respond func(ipcproto.Request) []ipcproto.Response) *Bridge {
	t.Helper()
	bridgeWritesHere, workerReadsHere := io.Pipe()
	workerWritesHere, bridgeReadsHere := io.Pipe()

	worker := &fakeWorker{t: t, workerIn: workerReadsHere, bridgeOut: workerWritesHere, respondWith: respond}
	go worker.run()

	b := New(bridgeWritesHere, bridgeReadsHere, nil)
	b.Start()
	return b
}

func TestBridge_CallRoundTrip(t *testing.T) {
	b := newBridgeWithFakeWorker(t, func(req ipcproto.Request) []ipcproto.Response {
		return []ipcproto.Response{{ID: req.ID, Payload: ipcproto.Ok(ipcproto.PayloadPong)}}
	})

	payload, err := b.Call(context.Background(), ipcproto.Command{Type: ipcproto.CmdPing})
	require.NoError(t, err)
	assert.Equal(t, ipcproto.PayloadPong, payload.Type)
	assert.Equal(t, 0, b.PendingCount())
}

func TestBridge_CallStreamingForwardsTokensBeforeTerminal(t *testing.T) {
	b := newBridgeWithFakeWorker(t, func(req ipcproto.Request) []ipcproto.Response {
		return []ipcproto.Response{
			{ID: req.ID, Payload: ipcproto.Payload{Type: ipcproto.PayloadToken, Token: "a"}},
			{ID: req.ID, Payload: ipcproto.Payload{Type: ipcproto.PayloadToken, Token: "b"}},
			{ID: req.ID, Payload: ipcproto.Ok(ipcproto.PayloadGenerationComplete)},
		}
	})

	var tokens []string
	payload, err := b.CallStreaming(context.Background(), ipcproto.Command{Type: ipcproto.CmdGenerate, UserMessage: "hi"}, func(p ipcproto.Payload) {
		if p.Type == ipcproto.PayloadToken {
			tokens = append(tokens, p.Token)
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, tokens)
	assert.Equal(t, ipcproto.PayloadGenerationComplete, payload.Type)
}

func TestBridge_ErrorPayloadSurfacesAsError(t *testing.T) {
	b := newBridgeWithFakeWorker(t, func(req ipcproto.Request) []ipcproto.Response {
		return []ipcproto.Response{{ID: req.ID, Payload: ipcproto.Err("boom")}}
	})

	_, err := b.Call(context.Background(), ipcproto.Command{Type: ipcproto.CmdLoadModel})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestBridge_WorkerDeathFailsPendingCalls(t *testing.T) {
	bridgeWritesHere, workerReadsHere := io.Pipe()
	_, bridgeReadsHere := io.Pipe()
	go func() { _, _ = io.Copy(io.Discard, workerReadsHere) }()

	b := New(bridgeWritesHere, bridgeReadsHere, nil)
	b.Start()

	// No fake worker ever responds and we close the bridge's read side
	// out from under it to simulate the process dying.
	done := make(chan struct{})
	var callErr error
	go func() {
		_, callErr = b.Call(context.Background(), ipcproto.Command{Type: ipcproto.CmdPing})
		close(done)
	}()

	// give the write a moment to land, then behave as if stdout closed
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, bridgeReadsHere.Close())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("call did not fail after worker death")
	}
	assert.ErrorIs(t, callErr, ErrWorkerDied)
}

// TestBridge_RebindRecoversAfterWorkerDeath exercises the supervisor's
// restart-and-rebind path end to end: a Call in flight against a dead
// worker fails with ErrWorkerDied, and a Bridge pointed (via Rebind) at
// a freshly spawned fake worker and restarted serves calls normally
// afterward, with no slots left dangling from the dead worker.
func TestBridge_RebindRecoversAfterWorkerDeath(t *testing.T) {
	bridgeWritesHere, workerReadsHere := io.Pipe()
	_, bridgeReadsHere := io.Pipe()
	go func() { _, _ = io.Copy(io.Discard, workerReadsHere) }()

	b := New(bridgeWritesHere, bridgeReadsHere, nil)
	b.Start()

	done := make(chan struct{})
	var firstErr error
	go func() {
		_, firstErr = b.Call(context.Background(), ipcproto.Command{Type: ipcproto.CmdPing})
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, bridgeReadsHere.Close())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("call did not fail after worker death")
	}
	assert.ErrorIs(t, firstErr, ErrWorkerDied)
	assert.Equal(t, 0, b.PendingCount())

	newBridgeWritesHere, newWorkerReadsHere := io.Pipe()
	newWorkerWritesHere, newBridgeReadsHere := io.Pipe()
	newWorker := &fakeWorker{t: t, workerIn: newWorkerReadsHere, bridgeOut: newWorkerWritesHere, respondWith: func(req ipcproto.Request) []ipcproto.Response {
		return []ipcproto.Response{{ID: req.ID, Payload: ipcproto.Ok(ipcproto.PayloadPong)}}
	}}
	go newWorker.run()

	b.Rebind(newBridgeWritesHere, newBridgeReadsHere)
	b.Start()

	payload, err := b.Call(context.Background(), ipcproto.Command{Type: ipcproto.CmdPing})
	require.NoError(t, err)
	assert.Equal(t, ipcproto.PayloadPong, payload.Type)
	assert.Equal(t, 0, b.PendingCount())
}

// TestBridge_ConcurrentCallsCorrelateByRequestID sends two overlapping
// Calls and has the fake worker answer the second request first; each
// caller must still receive the response addressed to its own request
// id rather than whichever response arrives first.
func TestBridge_ConcurrentCallsCorrelateByRequestID(t *testing.T) {
	releaseFirst := make(chan struct{})
	seenFirstReq := make(chan struct{})

	b := newBridgeWithFakeWorker(t, func(req ipcproto.Request) []ipcproto.Response {
		if req.Command.UserMessage == "first" {
			close(seenFirstReq)
			<-releaseFirst
		}
		return []ipcproto.Response{{ID: req.ID, Payload: ipcproto.Payload{Type: ipcproto.PayloadGenerationComplete, Token: req.Command.UserMessage}}}
	})

	type result struct {
		payload ipcproto.Payload
		err     error
	}
	firstCh := make(chan result, 1)
	go func() {
		p, err := b.Call(context.Background(), ipcproto.Command{Type: ipcproto.CmdGenerate, UserMessage: "first"})
		firstCh <- result{p, err}
	}()

	<-seenFirstReq
	secondPayload, err := b.Call(context.Background(), ipcproto.Command{Type: ipcproto.CmdGenerate, UserMessage: "second"})
	require.NoError(t, err)
	assert.Equal(t, "second", secondPayload.Token)

	close(releaseFirst)
	first := <-firstCh
	require.NoError(t, first.err)
	assert.Equal(t, "first", first.payload.Token)
	assert.Equal(t, 0, b.PendingCount())
}

// TestBridge_PendingCountInvariant asserts the pending-request map is
// empty before any call starts, non-zero while one is in flight, and
// empty again once it completes.
func TestBridge_PendingCountInvariant(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})

	b := newBridgeWithFakeWorker(t, func(req ipcproto.Request) []ipcproto.Response {
		close(started)
		<-release
		return []ipcproto.Response{{ID: req.ID, Payload: ipcproto.Ok(ipcproto.PayloadPong)}}
	})

	assert.Equal(t, 0, b.PendingCount())

	done := make(chan struct{})
	go func() {
		_, _ = b.Call(context.Background(), ipcproto.Command{Type: ipcproto.CmdPing})
		close(done)
	}()

	<-started
	assert.Equal(t, 1, b.PendingCount())

	close(release)
	<-done
	assert.Equal(t, 0, b.PendingCount())
}
