// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianLedger/services/ledger"
	"github.com/AleutianAI/AleutianLedger/services/ledger/confidence"
)

// AnalyzeRequest is the body of POST /v1/analyze and the first websocket message.
type AnalyzeRequest struct {
	Document     any    `json:"document" binding:"required"`
	CacheContext string `json:"cacheContext"`
	SubjectID    string `json:"subjectId"`
	Complexity   string `json:"complexity" binding:"omitempty,oneof=simple standard complex"`
	SkipCache    bool   `json:"skipCache"`
}

func (r AnalyzeRequest) pipelineRequest() ledger.Request {
	return ledger.Request{
		Input:        r.Document,
		CacheContext: r.CacheContext,
		SubjectID:    r.SubjectID,
		Complexity:   confidence.ParseComplexity(r.Complexity),
		SkipCache:    r.SkipCache,
	}
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Websocket message types.
const (
	MessageProgress = "progress"
	MessageResult   = "result"
	MessageError    = "error"
)

// StreamMessage is one websocket frame sent by /v1/analyze/ws.
type StreamMessage struct {
	Type     string           `json:"type"`
	Percent  int              `json:"percent,omitempty"`
	Message  string           `json:"message,omitempty"`
	Response *ledger.Response `json:"response,omitempty"`
	Error    string           `json:"error,omitempty"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) analyze(c *gin.Context) {
	if s.cfg.MaxBodyBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes)
	}
	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	resp := s.analyzer.Run(c.Request.Context(), req.pipelineRequest())
	c.JSON(http.StatusOK, resp)
}

// analyzeWS reads one AnalyzeRequest, streams progress frames, then sends
// the result frame and closes.
func (s *Server) analyzeWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()
	if s.cfg.MaxBodyBytes > 0 {
		ws.SetReadLimit(s.cfg.MaxBodyBytes)
	}

	var mu sync.Mutex
	send := func(m StreamMessage) error {
		mu.Lock()
		defer mu.Unlock()
		return ws.WriteJSON(m)
	}

	var req AnalyzeRequest
	if err := ws.ReadJSON(&req); err != nil {
		_ = send(StreamMessage{Type: MessageError, Error: "invalid request: " + err.Error()})
		return
	}
	if req.Document == nil {
		_ = send(StreamMessage{Type: MessageError, Error: "document is required"})
		return
	}

	preq := req.pipelineRequest()
	preq.Progress = func(pct int, msg string) {
		if err := send(StreamMessage{Type: MessageProgress, Percent: pct, Message: msg}); err != nil {
			s.logger.Debug("progress frame dropped", slog.String("error", err.Error()))
		}
	}
	resp := s.analyzer.Run(c.Request.Context(), preq)
	if err := send(StreamMessage{Type: MessageResult, Response: resp}); err != nil {
		s.logger.Warn("result frame not delivered", slog.String("run_id", resp.RunID), slog.String("error", err.Error()))
		return
	}
	mu.Lock()
	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
	mu.Unlock()
}

func (s *Server) cacheStats(c *gin.Context) {
	st := s.cache.Stats()
	c.JSON(http.StatusOK, gin.H{"stats": st, "hitRate": st.HitRate()})
}

func (s *Server) cachePrune(c *gin.Context) {
	n := s.cache.Prune(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"pruned": n})
}

func (s *Server) cacheClear(c *gin.Context) {
	s.cache.Clear()
	c.Status(http.StatusNoContent)
}
