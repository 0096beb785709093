// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package supervisor

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcess struct {
	killed bool
	in     *bytes.Buffer
}

func (f *fakeProcess) Stdin() io.WriteCloser { return nopWriteCloser{f.in} }
func (f *fakeProcess) Stdout() io.ReadCloser { return io.NopCloser(bytes.NewReader(nil)) }
func (f *fakeProcess) Wait() error           { return nil }
func (f *fakeProcess) Kill() error           { f.killed = true; return nil }

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func TestSupervisor_SpawnIsIdempotentUntilKilled(t *testing.T) {
	spawnCount := 0
	var lastProc *fakeProcess
	s := New("fake-exe", "/tmp/db").WithSpawnFunc(func(exe string, args []string) (Process, error) {
		spawnCount++
		lastProc = &fakeProcess{in: &bytes.Buffer{}}
		return lastProc, nil
	})

	p1, err := s.Spawn()
	require.NoError(t, err)
	p2, err := s.Spawn()
	require.NoError(t, err)
	assert.Same(t, p1, p2)
	assert.Equal(t, 1, spawnCount)

	require.NoError(t, s.Kill())
	assert.True(t, lastProc.killed)

	_, err = s.Spawn()
	require.NoError(t, err)
	assert.Equal(t, 2, spawnCount)
}

func TestSupervisor_RestartIncrementsCounterAndKillsPrior(t *testing.T) {
	var procs []*fakeProcess
	s := New("fake-exe", "/tmp/db").WithSpawnFunc(func(exe string, args []string) (Process, error) {
		p := &fakeProcess{in: &bytes.Buffer{}}
		procs = append(procs, p)
		return p, nil
	})

	_, err := s.Spawn()
	require.NoError(t, err)
	_, err = s.Restart()
	require.NoError(t, err)

	require.Len(t, procs, 2)
	assert.True(t, procs[0].killed)
	assert.False(t, procs[1].killed)
	assert.Equal(t, 1, s.RestartCount())
}
