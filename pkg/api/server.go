// Package api exposes the HTTP surface: chat and workflow endpoints
// (streaming and non-streaming), conversation and ledger reads, and health
// probes. Every /api/v1 route sits behind the auth/tenant/quota gate.
package api

import (
	"context"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/arion-ai/arion/pkg/auth"
	"github.com/arion-ai/arion/pkg/config"
	"github.com/arion-ai/arion/pkg/database"
	"github.com/arion-ai/arion/pkg/engine"
	"github.com/arion-ai/arion/pkg/ledger"
	"github.com/arion-ai/arion/pkg/models"
	"github.com/arion-ai/arion/pkg/observability"
	"github.com/arion-ai/arion/pkg/services"
	"github.com/arion-ai/arion/pkg/usage"
	"github.com/arion-ai/arion/pkg/workflow"
)

// Server is the HTTP API server. Construct with NewServer, then Start.
type Server struct {
	cfg  *config.Config
	echo *echo.Echo
	http *http.Server
	gate *gate

	db            *database.Client
	engine        *engine.Engine
	workflows     *workflow.Engine
	pool          *workflow.WorkerPool
	conversations *services.ConversationService
	runs          *services.WorkflowService
	reader        *ledger.Reader
	broker        *ledger.Broker
	metrics       *observability.Metrics
}

// Dependencies carries everything the server needs. All fields are required
// unless noted.
type Dependencies struct {
	Config        *config.Config
	DB            *database.Client
	Verifier      *auth.Verifier
	Limiter       auth.Limiter // nil disables rate limiting
	Tenants       *services.TenantService
	UsageGate     *usage.Gate // nil disables usage guardrails
	Engine        *engine.Engine
	Workflows     *workflow.Engine
	Pool          *workflow.WorkerPool
	Conversations *services.ConversationService
	Runs          *services.WorkflowService
	Reader        *ledger.Reader
	Broker        *ledger.Broker
	Metrics       *observability.Metrics // nil disables instrument updates
}

// NewServer builds the server and registers all routes.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		cfg:           deps.Config,
		echo:          echo.New(),
		db:            deps.DB,
		engine:        deps.Engine,
		workflows:     deps.Workflows,
		pool:          deps.Pool,
		conversations: deps.Conversations,
		runs:          deps.Runs,
		reader:        deps.Reader,
		broker:        deps.Broker,
		metrics:       deps.Metrics,
		gate: &gate{
			verifier:  deps.Verifier,
			limiter:   deps.Limiter,
			tenants:   deps.Tenants,
			usageGate: deps.UsageGate,
			authCfg:   deps.Config.Auth,
			rateCfg:   deps.Config.RateLimit,
			metrics:   deps.Metrics,
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo
	srv := s.cfg.Server
	e.Use(requestID(), tracing(), securityHeaders(), cors(srv.AllowedOrigins), bodyLimit(srv.BodyLimit))

	// Unauthenticated probes.
	e.GET("/healthz", s.healthzHandler)
	e.GET("/readyz", s.readyzHandler)

	v1 := e.Group("/api/v1")
	v1.Use(s.gate.authenticate)

	viewer := s.gate.require(models.RoleViewer, auth.ScopeRequirement{})
	member := s.gate.require(models.RoleMember, auth.ScopeRequirement{Any: []string{"chat:invoke", "chat:*"}})
	runner := s.gate.require(models.RoleMember, auth.ScopeRequirement{Any: []string{"workflows:run", "workflows:*"}})
	admin := s.gate.require(models.RoleAdmin, auth.ScopeRequirement{})

	timeout := requestTimeout(srv.RequestTimeout)

	v1.GET("/version", s.versionHandler, viewer)

	// Chat. The streaming variant owns its connection lifetime, so the
	// request timeout only wraps the non-streaming one.
	v1.POST("/chat", s.chatHandler, timeout, member, s.gate.usageGuard("messages"))
	v1.POST("/chat/stream", s.chatStreamHandler, member, s.gate.usageGuard("messages"))

	// Conversations.
	v1.GET("/conversations", s.listConversationsHandler, timeout, viewer)
	v1.GET("/conversations/search", s.searchConversationsHandler, timeout, viewer)
	v1.GET("/conversations/:id", s.getConversationHandler, timeout, viewer)
	v1.DELETE("/conversations/:id", s.truncateConversationHandler, timeout, admin)
	v1.GET("/conversations/:id/events", s.listConversationEventsHandler, timeout, viewer)
	v1.GET("/conversations/:id/ledger/events", s.ledgerEventsHandler, timeout, viewer)
	v1.GET("/conversations/:id/ledger/stream", s.ledgerStreamHandler, viewer)

	// Workflows.
	v1.GET("/workflows", s.workflowCatalogHandler, timeout, viewer)
	v1.POST("/workflows/:key/run", s.runWorkflowHandler, timeout, runner, s.gate.usageGuard("workflow_runs"))
	v1.POST("/workflows/:key/run-stream", s.runWorkflowStreamHandler, runner, s.gate.usageGuard("workflow_runs"))
	v1.GET("/workflows/runs/:run_id", s.getRunHandler, timeout, viewer)
	v1.POST("/workflows/runs/:run_id/cancel", s.cancelRunHandler, timeout, admin)
	v1.GET("/workflows/runs/:run_id/replay/events", s.runReplayEventsHandler, timeout, viewer)
	v1.GET("/workflows/runs/:run_id/replay/stream", s.runReplayStreamHandler, viewer)
}

// Start listens on addr. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.echo,
	}
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
