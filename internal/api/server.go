// Package api is the HTTP surface of the migration service.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/mail-migrator/internal/auth"
	"github.com/Martian-dev/mail-migrator/internal/mail"
	"github.com/Martian-dev/mail-migrator/internal/migration"
	"github.com/Martian-dev/mail-migrator/internal/progress"
)

// Migrations is the job registry the API drives; *migration.Manager
// implements it
type Migrations interface {
	StartMigration(ctx context.Context, req migration.Request) (string, error)
	Pause(id string) error
	Resume(id string) error
	Cancel(id string) error
	Subscribe(ctx context.Context, id string) (<-chan progress.Event, error)
	Get(ctx context.Context, id string) (migration.Snapshot, error)
	List() []migration.Snapshot
	Report(id string) (migration.Report, error)
}

// Verifier authenticates API callers; *auth.JWTVerifier implements it
type Verifier interface {
	UserFromRequest(r *http.Request) (*auth.User, error)
}

// Listener yields progress published by other instances;
// *progress.RedisForwarder implements it
type Listener interface {
	Listen(ctx context.Context, jobID string) (<-chan progress.Event, error)
}

// Option configures a Server
type Option func(*Server)

// WithRemote streams jobs this instance does not run from l
func WithRemote(l Listener) Option {
	return func(s *Server) {
		s.remote = l
	}
}

// Server holds the API dependencies
type Server struct {
	migrations Migrations
	verifier   Verifier
	remote     Listener
	// Keepalive is the SSE comment interval (default: 15s)
	Keepalive time.Duration
	// Defaults fills the options a start request leaves out
	Defaults migration.Options
}

// NewServer creates the API. A nil verifier leaves the API unauthenticated.
func NewServer(migrations Migrations, verifier Verifier, opts ...Option) *Server {
	s := &Server{
		migrations: migrations,
		verifier:   verifier,
		Keepalive:  15 * time.Second,
		Defaults:   migration.DefaultOptions(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the gin engine
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), accessLog())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authorized := r.Group("/migrations")
	authorized.Use(s.authMiddleware())

	authorized.POST("", s.startMigration)
	authorized.GET("", s.listMigrations)
	authorized.GET("/:id", s.getMigration)
	authorized.POST("/:id/pause", s.control(Migrations.Pause))
	authorized.POST("/:id/resume", s.control(Migrations.Resume))
	authorized.POST("/:id/cancel", s.control(Migrations.Cancel))
	authorized.GET("/:id/events", s.streamEvents)
	authorized.GET("/:id/ws", s.streamWebSocket)
	authorized.GET("/:id/report", s.getReport)

	return r
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	}
}

const userKey = "user"

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.verifier == nil {
			c.Next()
			return
		}

		// browsers cannot set headers on WebSocket or EventSource requests
		if c.GetHeader("Authorization") == "" {
			if token := c.Query("token"); token != "" {
				c.Request.Header.Set("Authorization", "Bearer "+token)
			}
		}

		user, err := s.verifier.UserFromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(userKey, user)
		c.Next()
	}
}

func currentUser(c *gin.Context) *auth.User {
	if v, ok := c.Get(userKey); ok {
		if u, ok := v.(*auth.User); ok {
			return u
		}
	}
	return nil
}

type endpointBody struct {
	Provider    string `json:"provider" binding:"required"`
	Account     string `json:"account"`
	AccessToken string `json:"access_token"`
}

type startRequest struct {
	Source      endpointBody      `json:"source" binding:"required"`
	Destination endpointBody      `json:"destination" binding:"required"`
	Scope       migration.Scope   `json:"scope"`
	Options     migration.Options `json:"options"`
}

func (s *Server) startMigration(c *gin.Context) {
	req := startRequest{Options: s.Defaults}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	source, err := endpoint(req.Source, currentUser(c))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	dest, err := endpoint(req.Destination, currentUser(c))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := s.migrations.StartMigration(c.Request.Context(), migration.Request{
		Source:      source,
		Destination: dest,
		Scope:       req.Scope,
		Options:     req.Options,
	})
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"job_id": id, "status": progress.StatusPending})
}

var errNoCredential = errors.New("access_token required without an authenticated user")

func endpoint(b endpointBody, user *auth.User) (migration.Endpoint, error) {
	provider, ok := mail.ParseProvider(b.Provider)
	if !ok {
		return migration.Endpoint{}, errors.New("unsupported provider " + b.Provider)
	}
	ep := migration.Endpoint{Provider: provider, Account: b.Account, AccessToken: b.AccessToken}
	if ep.AccessToken == "" {
		if user == nil {
			return migration.Endpoint{}, errNoCredential
		}
		ep.UserJWT = user.Token
	}
	return ep, nil
}

func (s *Server) listMigrations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"migrations": s.migrations.List()})
}

func (s *Server) getMigration(c *gin.Context) {
	snap, err := s.migrations.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) control(op func(Migrations, string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := op(s.migrations, id); err != nil {
			c.JSON(statusOf(err), gin.H{"error": err.Error()})
			return
		}
		snap, err := s.migrations.Get(c.Request.Context(), id)
		if err != nil {
			c.JSON(statusOf(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"job_id": id, "status": snap.Status})
	}
}

func (s *Server) getReport(c *gin.Context) {
	report, err := s.migrations.Report(c.Param("id"))
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, migration.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, migration.ErrInvalidRequest), errors.Is(err, auth.ErrNoAccount):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, migration.ErrInvalidTransition), errors.Is(err, migration.ErrNotTerminal):
		return http.StatusConflict
	}
	var pe *mail.ProviderError
	if errors.As(err, &pe) {
		if pe.Class == mail.ClassAuthExpired {
			return http.StatusUnauthorized
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
