// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package httpapi

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AgustinJimenez/llamacppchat/internal/config"
	"github.com/AgustinJimenez/llamacppchat/internal/convstore"
	"github.com/AgustinJimenez/llamacppchat/internal/ipcproto"
)

func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, config.Load())
}

func (s *Server) handlePutConfig(c *gin.Context) {
	var cfg config.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.validate.Struct(cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := config.Save(cfg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// conversationSummary is what the listing route returns; parsing the
// full message log is deferred to handleGetConversation.
type conversationSummary struct {
	ID string `json:"id"`
}

func (s *Server) handleListConversations(c *gin.Context) {
	entries, err := os.ReadDir(s.ConvDir)
	if err != nil {
		if os.IsNotExist(err) {
			c.JSON(http.StatusOK, []conversationSummary{})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	summaries := make([]conversationSummary, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".txt") {
			continue
		}
		summaries = append(summaries, conversationSummary{ID: strings.TrimSuffix(e.Name(), ".txt")})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID > summaries[j].ID })
	c.JSON(http.StatusOK, summaries)
}

func (s *Server) handleGetConversation(c *gin.Context) {
	id := c.Param("id")
	logger, err := convstore.Open(s.ConvDir, id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "messages": logger.Messages()})
}

type loadModelRequest struct {
	ModelPath string  `json:"model_path" validate:"required"`
	GPULayers *uint32 `json:"gpu_layers,omitempty"`
}

func (s *Server) handleLoadModel(c *gin.Context) {
	var req loadModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := bridgeTimeoutCtx(c)
	defer cancel()
	payload, err := s.Bridge.Call(ctx, ipcproto.Command{
		Type:      ipcproto.CmdLoadModel,
		ModelPath: req.ModelPath,
		GPULayers: req.GPULayers,
	})
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if payload.Type == ipcproto.PayloadError {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": payload.Message})
		return
	}

	cfg := config.Load()
	cfg.ModelPath = req.ModelPath
	cfg.AddModelToHistory(req.ModelPath)
	if err := config.Save(cfg); err != nil && s.Log != nil {
		s.Log.Warn("load model: failed to persist model history", "error", err)
	}

	c.JSON(http.StatusOK, payload)
}

func (s *Server) handleUnloadModel(c *gin.Context) {
	ctx, cancel := bridgeTimeoutCtx(c)
	defer cancel()
	payload, err := s.Bridge.Call(ctx, ipcproto.Command{Type: ipcproto.CmdUnloadModel})
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, payload)
}

func (s *Server) handleModelStatus(c *gin.Context) {
	ctx, cancel := bridgeTimeoutCtx(c)
	defer cancel()
	payload, err := s.Bridge.Call(ctx, ipcproto.Command{Type: ipcproto.CmdGetModelStatus})
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, payload)
}

// fileEntry describes one directory entry for the model-root file
// browser; a thin handler over the filesystem, not a core component.
type fileEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

func (s *Server) handleBrowseFiles(c *gin.Context) {
	dir := c.DefaultQuery("path", ".")
	cleaned := filepath.Clean(dir)
	if strings.Contains(cleaned, "..") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path must not traverse outside the model root"})
		return
	}

	root := s.ModelRoot
	if root == "" {
		root = "."
	}
	resolved := filepath.Join(root, cleaned)

	entries, err := os.ReadDir(resolved)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	out := make([]fileEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		var size int64
		if err == nil {
			size = info.Size()
		}
		out = append(out, fileEntry{Name: e.Name(), IsDir: e.IsDir(), Size: size})
	}
	c.JSON(http.StatusOK, out)
}

// handleHFSearch proxies to the HuggingFace model-search API,
// rate-limited so a chatty frontend can't hammer an external service
// through this server.
func (s *Server) handleHFSearch(c *gin.Context) {
	if !s.hfRateLimit.Allow() {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "search rate limit exceeded, try again shortly"})
		return
	}

	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q is required"})
		return
	}

	limit := c.DefaultQuery("limit", "10")
	if _, err := strconv.Atoi(limit); err != nil {
		limit = "10"
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet,
		"https://huggingface.co/api/models?search="+query+"&limit="+limit+"&filter=gguf", nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Data(resp.StatusCode, "application/json", body)
}

func (s *Server) handleUpload(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer file.Close()

	destDir := c.DefaultPostForm("dest", "assets/uploads")
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	destPath := filepath.Join(destDir, filepath.Base(header.Filename))

	out, err := os.Create(destPath)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer out.Close()

	written, err := io.Copy(out, file)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": destPath, "bytes": written})
}

// frontendLogEntry is a single structured log line the browser client
// reports, surfaced through the server's own logger so frontend errors
// land in the same place as backend ones.
type frontendLogEntry struct {
	Level   string         `json:"level"`
	Message string         `json:"message" validate:"required"`
	Fields  map[string]any `json:"fields,omitempty"`
}

func (s *Server) handleFrontendLog(c *gin.Context) {
	var entry frontendLogEntry
	if err := c.ShouldBindJSON(&entry); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if s.Log != nil {
		args := make([]any, 0, len(entry.Fields)*2+2)
		args = append(args, "source", "frontend")
		for k, v := range entry.Fields {
			args = append(args, k, v)
		}
		switch strings.ToLower(entry.Level) {
		case "error":
			s.Log.Error(entry.Message, args...)
		case "warn", "warning":
			s.Log.Warn(entry.Message, args...)
		default:
			s.Log.Info(entry.Message, args...)
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
