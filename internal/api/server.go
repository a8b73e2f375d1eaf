// Package api exposes the engine over HTTP: session control, the resumable
// event stream (SSE and WebSocket), execution and analysis requests and the
// interactive shell.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/agent/adapter"
	"github.com/kandev/conductor/internal/agent/approval"
	"github.com/kandev/conductor/internal/agent/process"
	"github.com/kandev/conductor/internal/common/config"
	"github.com/kandev/conductor/internal/common/logger"
	"github.com/kandev/conductor/internal/eventlog"
	"github.com/kandev/conductor/internal/events/bus"
	"github.com/kandev/conductor/internal/models"
	"github.com/kandev/conductor/internal/orchestrator/executor"
)

// SessionService is the session controller surface the API drives.
type SessionService interface {
	Get(ctx context.Context, id string) (*models.Session, error)
	Start(ctx context.Context, id string) (*models.Job, error)
	SendMessage(ctx context.Context, id, text string, image *bus.Image) (*models.Job, error)
	Cancel(ctx context.Context, id string) error
	ResolveApproval(ctx context.Context, id, approvalID string, d adapter.Decision) error
	Approvals(id string) []approval.Pending
}

// ExecutionService is the executor surface the API drives.
type ExecutionService interface {
	Submit(ctx context.Context, req executor.Request) (*models.Execution, error)
	Get(ctx context.Context, id string) (*models.Execution, error)
	Cancel(ctx context.Context, id string) error
	SubmitAnalysis(ctx context.Context, p models.AnalysisPayload) (*models.Job, error)
}

// Pinger reports whether the store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators a Server needs. Tmux may be nil, which
// disables the shell routes.
type Deps struct {
	Sessions   SessionService
	Executions ExecutionService
	Bus        bus.Bus
	Logs       *eventlog.Dir
	Store      Pinger
	Tmux       *process.Tmux
}

// Options tune the stream and shell endpoints.
type Options struct {
	ChannelPrefix  string
	AllowedRoots   []string
	Shell          string
	PollInterval   time.Duration
	StatusInterval time.Duration
	KeepAlive      time.Duration
}

// OptionsFromConfig reads the API settings from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ChannelPrefix:  cfg.Bus.ChannelPrefix,
		AllowedRoots:   cfg.Process.AllowedRoots,
		Shell:          cfg.Process.Shell,
		PollInterval:   cfg.Events.PollInterval(),
		StatusInterval: cfg.Heartbeat.Interval(),
		KeepAlive:      15 * time.Second,
	}
}

// Server routes HTTP requests to the engine.
type Server struct {
	deps     Deps
	opts     Options
	logger   *logger.Logger
	router   *gin.Engine
	upgrader websocket.Upgrader
}

func NewServer(deps Deps, opts Options, log *logger.Logger) *Server {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = 30 * time.Second
	}
	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		deps:   deps,
		opts:   opts,
		logger: log.WithFields(zap.String("component", "api")),
		router: gin.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.router.Use(Recovery(s.logger), RequestLogger(s.logger))
	s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.GET("/healthz", s.health)

	v1 := s.router.Group("/api/v1")

	sessions := v1.Group("/sessions")
	{
		sessions.GET("/:id", s.getSession)
		sessions.GET("/:id/stream", s.streamSSE)
		sessions.GET("/:id/ws", s.streamWS)
		sessions.POST("/:id/start", s.startSession)
		sessions.POST("/:id/messages", s.sendMessage)
		sessions.POST("/:id/cancel", s.cancelSession)
		sessions.GET("/:id/approvals", s.listApprovals)
		sessions.POST("/:id/approvals/:approvalId", s.resolveApproval)
		sessions.GET("/:id/shell", s.shellWS)
		sessions.GET("/:id/shell/capture", s.shellCapture)
	}

	executions := v1.Group("/executions")
	{
		executions.POST("", s.submitExecution)
		executions.GET("/:id", s.getExecution)
		executions.POST("/:id/cancel", s.cancelExecution)
	}

	v1.POST("/analysis", s.submitAnalysis)
}

// health reports 200 while the store answers.
// GET /healthz
func (s *Server) health(c *gin.Context) {
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
