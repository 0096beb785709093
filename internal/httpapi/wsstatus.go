// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AgustinJimenez/llamacppchat/internal/ipcproto"
)

var statusUpgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// statusPingInterval is how often the status socket pushes a worker
// health snapshot to connected clients.
const statusPingInterval = 20 * time.Second

type statusFrame struct {
	Loaded             bool   `json:"loaded"`
	ModelPath          string `json:"model_path,omitempty"`
	ChatTemplateType   string `json:"chat_template_type,omitempty"`
	GeneralName        string `json:"general_name,omitempty"`
	Error              string `json:"error,omitempty"`
}

// handleStatusWS is a long-lived channel that emits model-status
// snapshots on a fixed cadence; its TCP close is the client's
// immediate signal that the server/worker has died.
func (s *Server) handleStatusWS(c *gin.Context) {
	ws, err := statusUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		if s.Log != nil {
			s.Log.Error("status ws: upgrade failed", "error", err)
		}
		return
	}
	defer ws.Close()

	ticker := time.NewTicker(statusPingInterval)
	defer ticker.Stop()

	ctx := c.Request.Context()

	// Detect client-initiated close without blocking the ticker loop.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case <-ticker.C:
			frame := s.statusSnapshot(ctx)
			if err := ws.WriteJSON(frame); err != nil {
				return
			}
		}
	}
}

func (s *Server) statusSnapshot(ctx context.Context) statusFrame {
	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	payload, err := s.Bridge.Call(callCtx, ipcproto.Command{Type: ipcproto.CmdGetModelStatus})
	if err != nil {
		return statusFrame{Error: err.Error()}
	}
	return statusFrame{
		Loaded:           payload.Loaded,
		ModelPath:        payload.ModelPath,
		ChatTemplateType: payload.ChatTemplateType,
		GeneralName:      payload.GeneralName,
	}
}
