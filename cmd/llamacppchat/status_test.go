// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderStatus_NoModelLoaded(t *testing.T) {
	out := renderStatus(modelStatus{Loaded: false}, nil, false)
	assert.Contains(t, out, "no model loaded")
}

func TestRenderStatus_ServerUnreachable(t *testing.T) {
	out := renderStatus(modelStatus{}, errors.New("connection refused"), false)
	assert.Contains(t, out, "server unreachable")
	assert.Contains(t, out, "connection refused")
}

func TestRenderStatus_LoadedPrefersGeneralName(t *testing.T) {
	out := renderStatus(modelStatus{Loaded: true, GeneralName: "Qwen2.5-7B", ModelPath: "/models/q.gguf", ChatTemplateType: "chatml"}, nil, false)
	assert.Contains(t, out, "Qwen2.5-7B")
	assert.Contains(t, out, "chatml")
	assert.NotContains(t, out, "/models/q.gguf")
}

func TestRenderStatus_LoadedFallsBackToModelPath(t *testing.T) {
	out := renderStatus(modelStatus{Loaded: true, ModelPath: "/models/q.gguf"}, nil, false)
	assert.Contains(t, out, "/models/q.gguf")
}

func TestFetchStatus_DecodesServerResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/model/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"loaded":true,"model_path":"/m.gguf","general_name":"Test Model","chat_template_type":"chatml"}`))
	}))
	defer srv.Close()

	st, err := fetchStatus(srv.URL)
	require.NoError(t, err)
	assert.True(t, st.Loaded)
	assert.Equal(t, "Test Model", st.GeneralName)
}

func TestFetchStatus_NonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := fetchStatus(srv.URL)
	assert.Error(t, err)
}
