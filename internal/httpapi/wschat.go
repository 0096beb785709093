// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AgustinJimenez/llamacppchat/internal/broadcast"
	"github.com/AgustinJimenez/llamacppchat/internal/ipcproto"
)

// chatUpgrader: origin checking is left to the reverse proxy / CORS
// layer, and buffers are sized generously since a single frame may
// carry an entire accumulated response.
var chatUpgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1 << 20,
	WriteBufferSize: 1 << 20,
}

// chatTurnRequest is the WS frame a client sends to start a generation.
type chatTurnRequest struct {
	ConversationID  string   `json:"conversation_id,omitempty"`
	Message         string   `json:"message" validate:"required"`
	SkipUserLogging bool     `json:"skip_user_logging,omitempty"`
	ImageData       []string `json:"image_data,omitempty"`
}

// chatFrame is every frame a client receives: either a forwarded IPC
// payload (Token/GenerationComplete/...) or the session_created frame
// sent immediately on connect.
type chatFrame struct {
	Action         string `json:"action,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	Type           string `json:"type,omitempty"`
	Token          string `json:"token,omitempty"`
	TokensUsed     int32  `json:"tokens_used,omitempty"`
	MaxTokens      int32  `json:"max_tokens,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Error          string `json:"error,omitempty"`
}

// handleChatWS upgrades to a WebSocket bound to one conversation; every
// user message read from the socket triggers a CallStreaming(Generate)
// against the Bridge, and every Token/terminal payload is forwarded
// back as a JSON frame.
func (s *Server) handleChatWS(c *gin.Context) {
	ws, err := chatUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		if s.Log != nil {
			s.Log.Error("chat ws: upgrade failed", "error", err)
		}
		return
	}
	defer ws.Close()

	sessionID := uuid.New().String()
	if err := ws.WriteJSON(chatFrame{Action: "session_created", SessionID: sessionID}); err != nil {
		return
	}

	for {
		var req chatTurnRequest
		if err := ws.ReadJSON(&req); err != nil {
			return
		}

		var sub *broadcast.Subscription
		if req.ConversationID != "" {
			sub = s.Hub.Subscribe(req.ConversationID)
		}

		cmd := ipcproto.Command{
			Type:            ipcproto.CmdGenerate,
			UserMessage:     req.Message,
			ConversationID:  req.ConversationID,
			SkipUserLogging: req.SkipUserLogging,
			ImageData:       req.ImageData,
		}

		ctx := c.Request.Context()
		terminal, err := s.Bridge.CallStreaming(ctx, cmd, func(p ipcproto.Payload) {
			frame := payloadToFrame(p)
			if s.Hub != nil && frame.ConversationID != "" {
				s.Hub.Publish(broadcast.Update{
					ConversationID: frame.ConversationID,
					PartialContent: frame.Token,
					TokensUsed:     frame.TokensUsed,
					MaxTokens:      frame.MaxTokens,
					IsComplete:     ipcproto.IsTerminal(p.Type),
				})
			}
			if writeErr := ws.WriteJSON(frame); writeErr != nil {
				return
			}
		})
		if sub != nil {
			sub.Close()
		}
		if err != nil {
			_ = ws.WriteJSON(chatFrame{Type: ipcproto.PayloadError, Error: err.Error()})
			continue
		}
		if terminal.Type == ipcproto.PayloadError {
			_ = ws.WriteJSON(payloadToFrame(terminal))
		}
	}
}

func payloadToFrame(p ipcproto.Payload) chatFrame {
	return chatFrame{
		Type:           p.Type,
		Token:          p.Token,
		TokensUsed:     p.TokensUsed,
		MaxTokens:      p.MaxTokens,
		ConversationID: p.ConversationID,
		Error:          p.Message,
	}
}
