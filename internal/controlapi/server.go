// Package controlapi implements the Local Control API (spec.md
// SPEC_FULL.md §3.1): a loopback-only gin HTTP server exposing the command
// handlers the host desktop shell would otherwise call in-process. Grounded
// on the teacher's internal/api.Server (middleware stack ordering, route
// grouping, JWT bearer auth) generalized from the teacher's multi-user REST
// surface down to the small fixed set of receiver/reconcile/config commands
// this agent needs, since the loopback trust boundary means there is no
// per-user session model here.
package controlapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"saturn-copier/internal/audit"
	"saturn-copier/internal/configmodel"
	"saturn-copier/internal/reconcile"
	"saturn-copier/internal/runtime"
	"saturn-copier/internal/safety"
	"saturn-copier/internal/wshub"
)

// ConfigReloader re-reads the YAML policy document from disk.
type ConfigReloader interface {
	Reload() (configmodel.CopierConfig, error)
}

// Server wires the control API's handlers around the agent's runtime
// state, safety ledger, reconciliation loop, and audit store.
type Server struct {
	Router *gin.Engine

	Runtime   *runtime.Runtime
	Ledger    *safety.Ledger
	Reconcile *reconcile.Loop
	Reload    ConfigReloader
	Audit     *audit.Store
	Hub       *wshub.Hub

	JWTSecret string
}

// New builds a Server with the standard middleware stack and routes bound.
// The Live Status Hub is attached separately through WithHub.
func New(rt *runtime.Runtime, ledger *safety.Ledger, loop *reconcile.Loop, reload ConfigReloader, store *audit.Store, jwtSecret string) *Server {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(TimeoutMiddleware(10 * time.Second))

	s := &Server{
		Router:    r,
		Runtime:   rt,
		Ledger:    ledger,
		Reconcile: loop,
		Reload:    reload,
		Audit:     store,
		JWTSecret: jwtSecret,
	}
	s.routes()
	return s
}

// WithHub attaches the Live Status Hub's websocket handler at /ws. Separate
// from New so main can decide the event bus wiring after constructing both.
func (s *Server) WithHub(hub *wshub.Hub) *Server {
	s.Hub = hub
	s.Router.GET("/ws", hub.Handler)
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	protected := s.Router.Group("")
	protected.Use(AuthMiddleware(s.JWTSecret))
	{
		protected.GET("/status", s.getStatus)
		protected.POST("/receivers/:id/pause", s.pauseReceiver)
		protected.POST("/receivers/:id/unpause", s.unpauseReceiver)
		protected.POST("/reconcile/run", s.runReconcile)
		protected.POST("/config/reload", s.reloadConfig)
		protected.GET("/executions/history", s.executionHistory)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Runtime.Snapshot())
}

func (s *Server) pauseReceiver(c *gin.Context) {
	id := c.Param("id")
	if err := s.Ledger.ForcePause(id, "manual operator pause via control API"); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"receiver_id": id, "paused": true})
}

func (s *Server) unpauseReceiver(c *gin.Context) {
	id := c.Param("id")
	if err := s.Ledger.Unpause(id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"receiver_id": id, "paused": false})
}

func (s *Server) runReconcile(c *gin.Context) {
	if s.Reconcile == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation loop is not enabled"})
		return
	}
	s.Reconcile.RunOnce()
	s.Runtime.TouchSync()
	c.JSON(http.StatusOK, gin.H{"ran": true})
}

func (s *Server) reloadConfig(c *gin.Context) {
	if s.Reload == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "config reload is not wired"})
		return
	}
	oldHash := s.Runtime.Config().ConfigHash
	cfg, err := s.Reload.Reload()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.Runtime.SetConfig(cfg)
	if s.Audit != nil {
		s.Audit.RecordConfigChange(oldHash, cfg.ConfigHash)
	}
	c.JSON(http.StatusOK, gin.H{"config_hash": cfg.ConfigHash})
}

func (s *Server) executionHistory(c *gin.Context) {
	receiverID := c.Query("receiver_id")
	if s.Audit == nil {
		c.JSON(http.StatusOK, gin.H{"executions": s.Runtime.Snapshot().RecentExecutions})
		return
	}
	history, err := s.Audit.ExecutionHistory(receiverID, 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": history})
}

// Start runs the HTTP server until ctx is cancelled. addr is loopback-only
// (127.0.0.1:<port>); callers must never pass a non-loopback bind address.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
