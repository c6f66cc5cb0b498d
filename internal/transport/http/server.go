// Package httpapi exposes the engine's status and command surface over
// HTTP: signal intake, position listing, explicit closes and health.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"traderelay/internal/engine"
	"traderelay/internal/logger"
	"traderelay/internal/signal"
	"traderelay/internal/store"
)

// Server wraps the gin router.
type Server struct {
	addr   string
	router *gin.Engine
	eng    *engine.Engine
}

func NewServer(addr string, eng *engine.Engine) *Server {
	if addr == "" {
		addr = ":8087"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{addr: addr, router: router, eng: eng}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	api := router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.POST("/signals", s.handleSubmit)
		api.GET("/positions", s.handleListPositions)
		api.GET("/positions/:id", s.handleGetPosition)
		api.GET("/positions/:id/operations", s.handleListOperations)
		api.POST("/positions/:id/close", s.handleClose)
	}
	return s
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, s.eng.GetHealth(c.Request.Context()))
}

func (s *Server) handleSubmit(c *gin.Context) {
	var sig signal.Signal
	if err := c.ShouldBindJSON(&sig); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := s.eng.Submit(c.Request.Context(), sig)
	if err != nil {
		c.JSON(submitStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"position_id": id})
}

// submitStatus maps engine rejections onto HTTP codes: caller mistakes are
// 4xx, engine unavailability is 503.
func submitStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrDuplicateSignal), errors.Is(err, engine.ErrTooManyPositions):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) handleListPositions(c *gin.Context) {
	positions, err := s.eng.ListPositions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) handleGetPosition(c *gin.Context) {
	pos, err := s.eng.GetPosition(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "position not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, pos)
}

func (s *Server) handleListOperations(c *gin.Context) {
	ops, err := s.eng.ListOperations(c.Request.Context(), c.Param("id"), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"operations": ops})
}

func (s *Server) handleClose(c *gin.Context) {
	err := s.eng.ClosePosition(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		} else if errors.Is(err, engine.ErrPositionBusy) || errors.Is(err, engine.ErrPositionParked) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "closed"})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s",
			method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }
