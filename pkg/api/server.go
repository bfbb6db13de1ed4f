// Package api exposes the HTTP surface: REST handlers, the NDJSON/SSE event
// stream, the WebSocket endpoint, and the middleware chain (owner
// authentication, per-owner rate limiting, security headers).
package api

import (
	"context"
	"net/http"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hiveplane/hiveplane/pkg/approval"
	"github.com/hiveplane/hiveplane/pkg/config"
	"github.com/hiveplane/hiveplane/pkg/database"
	"github.com/hiveplane/hiveplane/pkg/outbox"
	"github.com/hiveplane/hiveplane/pkg/services"
	"github.com/hiveplane/hiveplane/pkg/stream"
	"github.com/hiveplane/hiveplane/pkg/workspace"
)

// Server wires the service layer to HTTP routes.
type Server struct {
	cfg       *config.Config
	db        *database.Client
	broker    *stream.Broker
	spaces    *workspace.Manager
	approvals *approval.Manager
	outbox    *outbox.Repository

	projects *services.ProjectService
	sessions *services.SessionService
	messages *services.MessageService
	plans    *services.PlanService

	echo *echo.Echo
	http *http.Server
}

// Deps carries everything the server needs.
type Deps struct {
	Config    *config.Config
	DB        *database.Client
	Broker    *stream.Broker
	Spaces    *workspace.Manager
	Approvals *approval.Manager
	Outbox    *outbox.Repository
	Projects  *services.ProjectService
	Sessions  *services.SessionService
	Messages  *services.MessageService
	Plans     *services.PlanService
}

// NewServer builds the server and registers all routes.
func NewServer(deps Deps) *Server {
	s := &Server{
		cfg:       deps.Config,
		db:        deps.DB,
		broker:    deps.Broker,
		spaces:    deps.Spaces,
		approvals: deps.Approvals,
		outbox:    deps.Outbox,
		projects:  deps.Projects,
		sessions:  deps.Sessions,
		messages:  deps.Messages,
		plans:     deps.Plans,
		echo:      echo.New(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	e := s.echo
	e.Use(securityHeaders())

	// Unauthenticated surface.
	e.GET("/health", s.healthHandler)
	e.GET("/metrics", func(c echo.Context) error {
		promhttp.Handler().ServeHTTP(c.Response(), c.Request())
		return nil
	})

	api := e.Group("/api/v1")
	api.Use(s.ownerAuth())
	api.Use(s.rateLimit())

	api.POST("/projects", s.createProjectHandler)
	api.GET("/projects", s.listProjectsHandler)
	api.GET("/projects/:id", s.getProjectHandler)
	api.DELETE("/projects/:id", s.deleteProjectHandler)

	api.GET("/projects/:id/agents", s.listAgentsHandler)
	api.POST("/projects/:id/agents", s.createAgentHandler)
	api.DELETE("/projects/:id/agents/:agent_id", s.deleteAgentHandler)

	api.POST("/sessions", s.createSessionHandler)
	api.GET("/sessions", s.listSessionsHandler)
	api.GET("/sessions/:id", s.getSessionHandler)
	api.DELETE("/sessions/:id", s.deleteSessionHandler)
	api.GET("/sessions/:id/messages", s.listMessagesHandler)

	api.POST("/chat/:id/message", s.sendMessageHandler)
	api.GET("/chat/:id/events", s.eventsHandler)
	api.GET("/chat/:id/ws", s.wsHandler)

	api.GET("/approvals", s.listApprovalsHandler)
	api.POST("/approvals/tool-requests", s.requestToolApprovalHandler)
	api.GET("/approvals/:id", s.getApprovalHandler)
	api.POST("/approvals/:id/confirm", s.confirmApprovalHandler)
	api.POST("/approvals/:id/reject", s.rejectApprovalHandler)

	api.POST("/plans", s.createPlanHandler)
	api.GET("/plans/:id", s.getPlanHandler)
	api.POST("/plans/:id/execute", s.executePlanHandler)
	api.GET("/sessions/:id/plans", s.listPlansHandler)

	api.GET("/system/stats", s.statsHandler)
	api.POST("/admin/outbox/:event_id/reprocess", s.reprocessEventHandler)
	api.POST("/admin/outbox/reprocess-failed", s.reprocessAllFailedHandler)
}

// Start runs the HTTP server; it blocks until Shutdown or failure.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.echo}
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler exposes the route tree (used by tests).
func (s *Server) Handler() http.Handler { return s.echo }
