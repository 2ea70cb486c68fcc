// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes the analysis pipeline over HTTP.
//
// Routes:
//
//	GET    /health            liveness
//	GET    /metrics           Prometheus exposition
//	POST   /v1/analyze        run one analysis, JSON in and out
//	GET    /v1/analyze/ws     run one analysis, streaming progress
//	GET    /v1/cache/stats    cache counters
//	POST   /v1/cache/prune    drop expired entries
//	DELETE /v1/cache          drop every entry
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianLedger/services/ledger"
	"github.com/AleutianAI/AleutianLedger/services/ledger/cache"
	"github.com/AleutianAI/AleutianLedger/services/ledger/config"
)

// ServiceName names the otelgin spans.
const ServiceName = "aleutian-ledger"

// Analyzer runs one pipeline request.
type Analyzer interface {
	Run(ctx context.Context, req ledger.Request) *ledger.Response
}

// CacheAdmin is the cache surface the admin routes need.
type CacheAdmin interface {
	Stats() cache.Stats
	Prune(ctx context.Context) int
	Clear()
}

// Server is the HTTP front of the pipeline.
//
// Thread Safety: Safe for concurrent use after New.
type Server struct {
	cfg      config.ServerConfig
	analyzer Analyzer
	cache    CacheAdmin
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	upgrader websocket.Upgrader
	engine   *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer sets the registry served on /metrics. Defaults to prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

// WithLogger sets the logger. nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New builds the server and its routes.
func New(cfg config.ServerConfig, analyzer Analyzer, c CacheAdmin, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		analyzer: analyzer,
		cache:    c,
		gatherer: prometheus.DefaultGatherer,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.engine = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(ServiceName))
	r.Use(s.requestLog())

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1")
	{
		v1.POST("/analyze", s.analyze)
		v1.GET("/analyze/ws", s.analyzeWS)

		c := v1.Group("/cache")
		{
			c.GET("/stats", s.cacheStats)
			c.POST("/prune", s.cachePrune)
			c.DELETE("", s.cacheClear)
		}
	}
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
//
// Description:
//
//	Binds cfg.Addr and serves. On ctx cancellation in-flight requests get
//	cfg.ShutdownTimeout to finish.
//
// Outputs:
//
//	error - Listen failure, or a shutdown error. nil after a clean shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	s.logger.Info("http server shutting down", slog.Duration("timeout", timeout))
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.FullPath() == "/health" || c.FullPath() == "/metrics" {
			return
		}
		s.logger.Info("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}

// checkOrigin allows requests without an Origin, same-host origins, and
// AllowedOrigins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}
