// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package httpapi implements the HTTP/WS Frontend: it terminates
// the Chat and Status WebSockets, parses requests, dispatches to the
// Worker Bridge, and relays Streaming Broadcast updates back to
// connected clients. Everything else (config, conversation listing,
// file browse, model load/unload, HuggingFace search, upload, frontend
// log sink) is routed as plain request/response JSON over gin.
package httpapi

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/AgustinJimenez/llamacppchat/internal/bridge"
	"github.com/AgustinJimenez/llamacppchat/internal/broadcast"
	"github.com/AgustinJimenez/llamacppchat/internal/supervisor"
	"github.com/AgustinJimenez/llamacppchat/pkg/logging"
)

// Server holds everything a route handler needs: the Worker Bridge for
// IPC calls, the Streaming Broadcast hub for WS fan-out, the Process
// Supervisor for restart-on-reload, and the conversation directory the
// Conversation Store writes under.
type Server struct {
	Bridge     *bridge.Bridge
	Hub        *broadcast.Hub
	Supervisor *supervisor.Supervisor
	ConvDir    string
	ModelRoot  string
	Log        *logging.Logger

	validate    *validator.Validate
	hfRateLimit *rate.Limiter
}

// NewServer builds a Server. The HuggingFace search proxy route is
// limited to one request per second with a burst of 2. modelRoot is the base
// directory handleBrowseFiles resolves its path query against; an
// empty modelRoot falls back to the server process's working directory.
func NewServer(b *bridge.Bridge, hub *broadcast.Hub, sup *supervisor.Supervisor, convDir, modelRoot string, log *logging.Logger) *Server {
	return &Server{
		Bridge:      b,
		Hub:         hub,
		Supervisor:  sup,
		ConvDir:     convDir,
		ModelRoot:   modelRoot,
		Log:         log,
		validate:    validator.New(),
		hfRateLimit: rate.NewLimiter(rate.Every(time.Second), 2),
	}
}

// NewRouter assembles the gin engine: otelgin tracing, CORS, and every
// route group.
func NewRouter(s *Server) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("llamacppchat-server"))
	router.Use(corsMiddleware())

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/ws/chat", s.handleChatWS)
	router.GET("/ws/status", s.handleStatusWS)

	api := router.Group("/api")
	{
		api.GET("/config", s.handleGetConfig)
		api.PUT("/config", s.handlePutConfig)

		api.GET("/conversations", s.handleListConversations)
		api.GET("/conversations/:id", s.handleGetConversation)

		api.POST("/model/load", s.handleLoadModel)
		api.POST("/model/unload", s.handleUnloadModel)
		api.GET("/model/status", s.handleModelStatus)
		api.POST("/model/reload", s.handleReloadWorker)

		api.GET("/files", s.handleBrowseFiles)
		api.GET("/models/search", s.handleHFSearch)
		api.POST("/upload", s.handleUpload)
		api.POST("/logs", s.handleFrontendLog)
	}

	return router
}

// corsMiddleware allows any origin on every response, answering an
// OPTIONS preflight with 200 and the standard method/header lists.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(200)
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}

// handleReloadWorker kills and respawns the worker process to reclaim
// whatever the previously loaded model had allocated; the caller is
// expected to issue LoadModel again afterward.
func (s *Server) handleReloadWorker(c *gin.Context) {
	if s.Supervisor == nil {
		c.JSON(500, gin.H{"error": "supervisor not configured"})
		return
	}
	proc, err := s.Supervisor.Restart()
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	if s.Bridge != nil {
		s.Bridge.Rebind(proc.Stdin(), proc.Stdout())
		s.Bridge.Start()
	}
	c.JSON(200, gin.H{"restarts": s.Supervisor.RestartCount()})
}

func bridgeTimeoutCtx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), 30*time.Second)
}
