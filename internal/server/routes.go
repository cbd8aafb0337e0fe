package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/flightctl/internal/auth"
	"github.com/danmuck/flightctl/internal/bridge"
	"github.com/danmuck/flightctl/internal/flight"
	"github.com/danmuck/flightctl/internal/moduleloader"
	"github.com/danmuck/flightctl/internal/protocol/session"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	// ContentType labels framed flight streams.
	ContentType = "text/x-component"
	// ActionHeader names the server action a POST /actions body is for.
	ActionHeader = "X-Flight-Action"
)

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"name":    s.cfg.Name,
			"version": Version,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":    true,
			"uptime":   time.Since(s.started).String(),
			"name":     s.cfg.Name,
			"version":  Version,
			"sessions": len(s.Sessions()),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/", auth.Middleware(s.validator()))
	api.GET("/flight", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"models": s.modelNames()})
	})
	api.GET("/flight/:name", s.handleFlight)
	api.GET("/modules", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"modules": s.registry.List()})
	})
	api.POST("/actions", s.handleAction)
	api.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": s.Sessions()})
	})
	api.GET("/bridge", s.handleBridge)
}

func (s *Server) handleFlight(c *gin.Context) {
	name := c.Param("name")
	fn, ok := s.model(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrModelNotFound.Error()})
		return
	}
	ctx := c.Request.Context()
	model, err := fn(ctx, c.Request.URL.Query())
	if err != nil {
		log.Error().Str("model", name).Err(err).Msg("server: model failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Type", ContentType)
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	req := flight.NewRequest(model, s.flightOptions())
	if err := req.Pipe(ctx, c.Writer); err != nil {
		log.Warn().Str("model", name).Err(err).Msg("server: flight stream ended early")
	}
}

func (s *Server) handleAction(c *gin.Context) {
	id := strings.TrimSpace(c.GetHeader(ActionHeader))
	if id == "" {
		id = strings.TrimSpace(c.Query("id"))
	}
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing action id"})
		return
	}
	limits := s.cfg.Limits()
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, int64(limits.MaxPayloadBytes)))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
	defer cancel()
	result, err := flight.ServeAction(ctx, s.loader, s.cfg.ModuleRoot, id, body)
	if err != nil {
		status := actionStatus(err)
		log.Warn().Str("action", id).Int("status", status).Err(err).Msg("server: action failed")
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	out, err := flight.Prerender(ctx, result, s.flightOptions())
	if err != nil {
		log.Error().Str("action", id).Err(err).Msg("server: encode action result")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	log.Info().Str("action", id).Int("bytes", len(out)).Msg("server: action executed")
	c.Data(http.StatusOK, ContentType, out)
}

func actionStatus(err error) int {
	switch {
	case errors.Is(err, moduleloader.ErrPathViolation):
		return http.StatusForbidden
	case errors.Is(err, moduleloader.ErrModuleNotFound),
		errors.Is(err, moduleloader.ErrExportNotFound),
		errors.Is(err, moduleloader.ErrNotAction):
		return http.StatusNotFound
	case errors.Is(err, flight.ErrMalformedRow):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleBridge(c *gin.Context) {
	_, err := bridge.Accept(c.Writer, c.Request, bridge.AcceptOptions{
		Config: s.cfg.Session(),
		Attach: s.attach,
	})
	if err != nil {
		// The upgrader has already answered the client.
		log.Warn().Str("remote", c.ClientIP()).Err(err).Msg("server: bridge accept failed")
	}
}

func (s *Server) flightOptions() flight.Options {
	production := session.NormalizeSecurityMode(s.cfg.Bridge.SecurityMode) == session.SecurityModeProduction
	return flight.Options{
		Limits: s.cfg.Limits(),
		OnError: func(err error) string {
			if !production {
				return err.Error()
			}
			digest := uuid.NewString()
			log.Error().Str("digest", digest).Err(err).Msg("server: flight row failed")
			return digest
		},
	}
}
