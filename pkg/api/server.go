// Package api serves the read-only dashboard: a self-contained HTML
// page and the JSON projections it polls. The server opens nothing but
// a read-only store handle and never blocks the pipeline's writer.
package api

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mintline/mintline/pkg/database"
	"github.com/mintline/mintline/pkg/store"
	"github.com/mintline/mintline/pkg/version"
)

//go:embed index.html
var indexHTML []byte

// activityLimit is how many audit events /api/activity returns.
const activityLimit = 20

// Server is the dashboard HTTP server.
type Server struct {
	engine        *gin.Engine
	store         *store.Store
	http          *http.Server
	lifetimeLimit float64
}

// envelope is the wire format every endpoint returns.
type envelope struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func respondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, envelope{OK: true, Data: data})
}

func respondError(c *gin.Context, status int, err error) {
	c.JSON(status, envelope{OK: false, Error: err.Error()})
}

// NewServer creates the dashboard server over a read-only store. The
// lifetime limit is display-only; enforcement lives in the governor.
func NewServer(st *store.Store, lifetimeLimit float64) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{engine: engine, store: st, lifetimeLimit: lifetimeLimit}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/", s.handleIndex)
	s.engine.GET("/healthz", s.handleHealth)

	api := s.engine.Group("/api")
	api.GET("/stats", s.handleStats)
	api.GET("/activity", s.handleActivity)
	api.GET("/posts", s.handlePosts)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves until the context is cancelled.
func (s *Server) Start(ctx context.Context, port int) error {
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Dashboard listening", "port", port)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func (s *Server) handleIndex(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML)
}

func (s *Server) handleHealth(c *gin.Context) {
	health, err := database.Health(s.store.DB())
	if err != nil {
		respondError(c, http.StatusServiceUnavailable, err)
		return
	}
	respondOK(c, gin.H{"version": version.Full(), "database": health})
}
