// Copyright 2026 The tokenrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package api exposes the routing core over a small HTTP surface. The
// heavy lifting lives in the router and cache packages; handlers here only
// translate requests and map the failure taxonomy onto status codes.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/tokenrouter/internal/buildinfo"
	"github.com/traylinx/tokenrouter/internal/cache"
	"github.com/traylinx/tokenrouter/internal/config"
	"github.com/traylinx/tokenrouter/internal/freetier"
	"github.com/traylinx/tokenrouter/internal/local"
	"github.com/traylinx/tokenrouter/internal/router"
)

// Server wires the HTTP surface over the routing core.
type Server struct {
	engine          *gin.Engine
	router          *router.Router
	cache           *cache.SemanticCache
	rotator         *freetier.Rotator
	defaultStrategy string
}

// NewServer builds the HTTP server. cache and rotator may be nil when those
// paths are disabled; their endpoints then report accordingly.
func NewServer(rt *router.Router, sc *cache.SemanticCache, rotator *freetier.Rotator, routing config.RoutingConfig) *Server {
	s := &Server{
		engine:          gin.New(),
		router:          rt,
		cache:           sc,
		rotator:         rotator,
		defaultStrategy: routing.DefaultStrategy,
	}
	s.engine.Use(gin.Recovery(), requestIDMiddleware())
	s.registerRoutes()
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)

	v1 := s.engine.Group("/v1")
	v1.POST("/chat", s.handleChat)
	v1.GET("/cache/stats", s.handleCacheStats)
	v1.POST("/cache/clear", s.handleCacheClear)
	v1.GET("/providers", s.handleProviders)
	v1.POST("/providers/:name/chat", s.handleProviderChat)
}

// requestIDMiddleware assigns a short request id used in logs and echoed in
// the X-Request-ID response header.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		c.Set("request_id", reqID)
		c.Header("X-Request-ID", reqID)
		c.Next()
	}
}

func requestLogger(c *gin.Context) *log.Entry {
	reqID, _ := c.Get("request_id")
	id, _ := reqID.(string)
	return log.WithField("request_id", id)
}

type chatRequest struct {
	Prompt   string `json:"prompt"`
	Strategy string `json:"strategy"`
}

func (s *Server) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	if req.Strategy == "" {
		req.Strategy = s.defaultStrategy
	}

	resp, err := s.router.Chat(c.Request.Context(), req.Prompt, req.Strategy)
	if err != nil {
		status, msg := mapError(err)
		requestLogger(c).Warnf("chat request failed: %v", err)
		c.JSON(status, gin.H{"error": msg})
		return
	}

	requestLogger(c).Infof("chat served from %s (tokens saved: %d)", resp.Source, resp.TokensSaved)
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleProviderChat(c *gin.Context) {
	if s.rotator == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "free-tier providers are disabled"})
		return
	}

	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt cannot be empty"})
		return
	}

	text, err := s.rotator.ChatWith(c.Request.Context(), c.Param("name"), req.Prompt)
	if err != nil {
		status, msg := mapError(err)
		requestLogger(c).Warnf("provider chat failed: %v", err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, router.Response{Response: text, Source: router.SourceFreeAPI})
}

func (s *Server) handleCacheStats(c *gin.Context) {
	if s.cache == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	stats := s.cache.Stats()
	size, err := s.cache.Size()
	if err != nil {
		requestLogger(c).Warnf("cache size unavailable: %v", err)
	}
	c.JSON(http.StatusOK, gin.H{"enabled": true, "stats": stats, "entries": size})
}

func (s *Server) handleCacheClear(c *gin.Context) {
	if s.cache == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	if err := s.cache.Clear(); err != nil {
		requestLogger(c).Errorf("cache clear failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

func (s *Server) handleProviders(c *gin.Context) {
	c.JSON(http.StatusOK, s.router.ProviderStatus(c.Request.Context()))
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": buildinfo.Version,
		"commit":  buildinfo.Commit,
	})
}

// mapError translates the routing failure taxonomy onto HTTP status codes so
// callers can distinguish retryable conditions from caller mistakes.
func mapError(err error) (int, string) {
	var aggregate *router.AllProvidersFailedError
	switch {
	case errors.Is(err, router.ErrInvalidArgument):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, router.ErrCacheMiss):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, freetier.ErrQuotaExceeded):
		return http.StatusTooManyRequests, err.Error()
	case errors.Is(err, freetier.ErrUnknownProvider):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, freetier.ErrMissingCredential):
		return http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, local.ErrUnavailable), errors.Is(err, local.ErrModelNotFound):
		return http.StatusServiceUnavailable, err.Error()
	case errors.As(err, &aggregate):
		return http.StatusBadGateway, err.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
}
