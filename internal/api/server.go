// Package api exposes the HTTP surface: login, session control, number
// lookup, send submission, job inspection and the session event stream.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/wagate/internal/auth"
	"github.com/dharsanguruparan/wagate/internal/model"
	"github.com/dharsanguruparan/wagate/internal/queue"
	"github.com/dharsanguruparan/wagate/internal/session"
)

// MaxBodyBytes caps request bodies; inline media arrives base64 encoded.
const MaxBodyBytes = 100 << 20

// SessionService is the session manager as seen by the handlers.
type SessionService interface {
	Snapshot() session.Snapshot
	Ready() bool
	Logout(ctx context.Context) error
	Reset(ctx context.Context) error
}

// NumberLookup resolves whether a phone number has an account.
type NumberLookup interface {
	LookupNumber(ctx context.Context, digits string) (model.NumberInfo, error)
}

// JobQueue accepts send jobs.
type JobQueue interface {
	EnqueueSend(ctx context.Context, payload queue.SendPayload) (*asynq.TaskInfo, error)
}

// JobInspector reads and retries jobs.
type JobInspector interface {
	Job(id string) (*queue.Job, error)
	Failed(limit int) ([]queue.Job, error)
	Retry(id string) error
}

// Deps groups the collaborators a Server needs.
type Deps struct {
	Gate      *auth.Gate
	Session   SessionService
	Numbers   NumberLookup
	Jobs      JobQueue
	Inspector JobInspector
	Hub       *Hub
}

// Server exposes HTTP endpoints for session control and message submission.
type Server struct {
	addr   string
	deps   Deps
	logger *slog.Logger
	engine *gin.Engine
	server *http.Server
}

// New constructs a Server with all routes registered.
func New(addr string, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		addr:   addr,
		deps:   deps,
		logger: logger.With("component", "api"),
	}
	s.engine = s.routes()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.logger.Info("api listening", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), corsMiddleware(), s.loggingMiddleware(), bodyLimit(MaxBodyBytes))

	r.GET("/healthz", s.handleHealth)
	r.POST("/login", s.handleLogin)

	authed := r.Group("/", s.deps.Gate.Middleware(s.logger))
	{
		authed.GET("/session", s.handleSession)
		authed.GET("/session/events", s.handleSessionEvents)
		authed.POST("/logout", s.handleLogout)
		authed.POST("/reset", s.handleReset)
		authed.POST("/is_on_whatsapp", s.handleIsOnWhatsApp)
		authed.POST("/send", s.handleSend)
		authed.GET("/jobs/failed", s.handleFailedJobs)
		authed.GET("/jobs/:id", s.handleJob)
		authed.POST("/jobs/:id/retry", s.handleRetryJob)
	}
	return r
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}

func bodyLimit(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"status": "ERROR", "message": message})
}
