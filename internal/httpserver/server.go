package httpserver

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ceymail/ceymail-mc/internal/model"
)

// InstallReader reports install pipeline progress.
type InstallReader interface {
	State() []model.InstallProgress
}

// Server provides a read-only HTTP status API over the aggregated
// daemon state. Mutations stay on the Unix socket.
type Server struct {
	addr      string
	state     model.StateReader
	install   InstallReader
	server    *http.Server
	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server. The default bind address is
// loopback only.
func NewServer(addr string, state model.StateReader, install InstallReader) *Server {
	if addr == "" {
		addr = "127.0.0.1:8080"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:    addr,
		state:   state,
		install: install,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Server) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", s.handleHealth)
	r.GET("/api/state", s.handleState)
	r.GET("/api/stats", s.handleStats)
	r.GET("/api/queue", s.handleQueue)
	r.GET("/api/logs/recent", s.handleRecentLogs)
	r.GET("/api/services", s.handleServices)
	r.GET("/api/install/state", s.handleInstallState)
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)
	r := s.router()

	s.server = &http.Server{
		Handler:           r,
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.listener = listener
	s.startTime = time.Now()

	go s.server.Serve(listener)
	return nil
}

// Addr returns the address the server is bound to, which differs from
// the configured one when port 0 was requested.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	snap := s.state.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"uptime":       time.Since(s.startTime).String(),
		"last_updated": snap.LastUpdated,
	})
}

func (s *Server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, s.state.Snapshot())
}

func (s *Server) handleStats(c *gin.Context) {
	snap := s.state.Snapshot()
	if snap.LatestStats == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no system sample collected yet"})
		return
	}
	c.JSON(http.StatusOK, snap.LatestStats)
}

func (s *Server) handleQueue(c *gin.Context) {
	snap := s.state.Snapshot()
	if snap.LatestQueue == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no queue sample collected yet"})
		return
	}
	c.JSON(http.StatusOK, snap.LatestQueue)
}

func (s *Server) handleRecentLogs(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}

	entries := s.state.RecentLogs(limit, model.LogLevel(c.Query("level")), c.Query("source"))
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleServices(c *gin.Context) {
	c.JSON(http.StatusOK, s.state.Snapshot().Services)
}

func (s *Server) handleInstallState(c *gin.Context) {
	c.JSON(http.StatusOK, s.install.State())
}
