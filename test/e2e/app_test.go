// Package e2e exercises the assembled platform end to end: real PostgreSQL,
// the scripted provider runtime, and the full HTTP surface behind the
// auth/tenant gate.
package e2e

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"

	"github.com/arion-ai/arion/pkg/api"
	"github.com/arion-ai/arion/pkg/auth"
	"github.com/arion-ai/arion/pkg/config"
	"github.com/arion-ai/arion/pkg/database"
	"github.com/arion-ai/arion/pkg/engine"
	"github.com/arion-ai/arion/pkg/guardrails"
	"github.com/arion-ai/arion/pkg/ledger"
	"github.com/arion-ai/arion/pkg/models"
	"github.com/arion-ai/arion/pkg/provider"
	"github.com/arion-ai/arion/pkg/services"
	"github.com/arion-ai/arion/pkg/sessions"
	"github.com/arion-ai/arion/pkg/storage"
	"github.com/arion-ai/arion/pkg/usage"
	"github.com/arion-ai/arion/pkg/workflow"
	testdb "github.com/arion-ai/arion/test/database"
)

const (
	testIssuer   = "https://auth.arion.test"
	testAudience = "arion-api"
)

// TestApp is one fully wired replica: database, object store, scripted
// provider, engines, worker pool, and the HTTP server. Requests go through
// the real router via Handler().
type TestApp struct {
	cfg       *config.Config
	db        *database.Client
	store     *storage.MemoryStore
	scripted  *provider.ScriptedRuntime
	tenants   *services.TenantService
	runs      *services.WorkflowService
	engine    *engine.Engine
	workflows *workflow.Engine
	pool      *workflow.WorkerPool
	broker    *ledger.Broker
	server    *api.Server

	tenantID string
}

type appSettings struct {
	shared   *testdb.SharedTestDB
	podID    string
	tenantID string
	mutate   func(*config.Config)
}

type appOption func(*appSettings)

// withSharedDB places the replica on a shared schema so several replicas
// see the same data and NOTIFY traffic. It also wires the dedicated LISTEN
// connection, which single-replica apps skip (the broker then polls).
func withSharedDB(s *testdb.SharedTestDB) appOption {
	return func(a *appSettings) { a.shared = s }
}

func withPodID(id string) appOption {
	return func(a *appSettings) { a.podID = id }
}

// withTenant joins an existing tenant instead of creating one. Used by
// second replicas sharing a schema.
func withTenant(tenantID string) appOption {
	return func(a *appSettings) { a.tenantID = tenantID }
}

func withConfig(mutate func(*config.Config)) appOption {
	return func(a *appSettings) { a.mutate = mutate }
}

// appConfig is the full platform configuration every test app starts from:
// a scripted provider, a handful of agents, one two-step workflow, and two
// small guardrail presets.
func appConfig() *config.Config {
	return &config.Config{
		Defaults: &config.Defaults{
			Provider: "scripted",
			Agent:    "triage",
		},
		Server: config.DefaultServerConfig(),
		Auth: &config.AuthConfig{
			Issuer:   testIssuer,
			Audience: testAudience,
			Keys: config.KeySetConfig{
				Active: &config.SigningKeyConfig{KID: "key-1", Secret: "test-secret"},
			},
			ClockSkew: 30 * time.Second,
		},
		RateLimit: &config.RateLimitConfig{},
		Ledger:    config.DefaultLedgerConfig(),
		Stream: &config.StreamConfig{
			HeartbeatInterval: time.Second,
			ReplayBatchSize:   50,
		},
		Session: config.DefaultSessionConfig(),
		WorkerPool: &config.WorkerPoolConfig{
			WorkerCount:             2,
			RunTimeout:              30 * time.Second,
			GracefulShutdownTimeout: 5 * time.Second,
			OrphanScanInterval:      time.Minute,
			OrphanThreshold:         time.Minute,
		},
		Retention: config.DefaultRetentionConfig(),
		AgentRegistry: config.NewAgentRegistry(map[string]*config.AgentConfig{
			"triage": {
				DisplayName:    "Triage",
				MemoryStrategy: config.MemoryStrategyWindow,
				MemoryWindow:   20,
			},
			"analysis": {
				DisplayName:    "Analysis",
				MemoryStrategy: config.MemoryStrategyWindow,
				MemoryWindow:   20,
			},
			"code": {
				DisplayName:    "Code",
				MemoryStrategy: config.MemoryStrategyWindow,
				MemoryWindow:   20,
			},
			"vault": {
				DisplayName:     "Vault",
				GuardrailPreset: "redact-secrets",
			},
			"screener": {
				DisplayName:     "Screener",
				GuardrailPreset: "block-forbidden",
			},
		}),
		WorkflowRegistry: config.NewWorkflowRegistry(map[string]*config.WorkflowConfig{
			"analysis-code": {
				DisplayName: "Analysis then code",
				Default:     true,
				Stages: []config.WorkflowStageConfig{
					{
						Name: "main",
						Steps: []config.WorkflowStepConfig{
							{Name: "analysis", AgentKey: "analysis"},
							{Name: "code", AgentKey: "code"},
						},
					},
				},
			},
		}),
		ProviderRegistry: config.NewProviderRegistry(map[string]*config.ProviderConfig{
			"scripted": {Type: config.ProviderTypeScripted, ConversationIDPrefix: "conv_"},
		}),
		GuardrailRegistry: config.NewGuardrailRegistry(map[string]*config.GuardrailSpecConfig{
			"secret_redact": {
				Stage:  config.StageOutput,
				Engine: config.EngineRegex,
				Check:  "regex_redact",
				DefaultConfig: map[string]any{
					"patterns":    []any{`secret-\d+`},
					"replacement": "[REDACTED]",
				},
			},
			"forbidden_terms": {
				Stage:  config.StageInput,
				Engine: config.EngineRegex,
				Check:  "regex_block",
				DefaultConfig: map[string]any{
					"patterns":         []any{`launch codes`},
					"case_insensitive": true,
				},
			},
		}),
		PresetRegistry: config.NewPresetRegistry(map[string]*config.GuardrailPresetConfig{
			"redact-secrets": {
				Bundles: []config.GuardrailBundleConfig{
					{Guardrails: []config.GuardrailAttachment{{Spec: "secret_redact"}}},
				},
			},
			"block-forbidden": {
				Bundles: []config.GuardrailBundleConfig{
					{Guardrails: []config.GuardrailAttachment{{Spec: "forbidden_terms"}}},
				},
			},
		}),
	}
}

func newTestApp(t *testing.T, opts ...appOption) *TestApp {
	t.Helper()
	set := appSettings{podID: "pod-test"}
	for _, opt := range opts {
		opt(&set)
	}

	var client *database.Client
	var connString string
	if set.shared != nil {
		client = set.shared.NewClient(t)
		connString = set.shared.ConnString()
	} else {
		client = testdb.NewTestClient(t)
	}

	cfg := appConfig()
	if set.mutate != nil {
		set.mutate(cfg)
	}

	ctx := context.Background()
	tenants := services.NewTenantService(client)
	tenantID := set.tenantID
	if tenantID == "" {
		tenant, err := tenants.CreateTenant(ctx, "acme", "Acme Corp")
		require.NoError(t, err)
		tenantID = tenant.ID
	}

	conversations := services.NewConversationService(client)
	workflowSvc := services.NewWorkflowService(client)
	store := storage.NewMemoryStore("")

	providers, err := provider.BuildRegistry(cfg)
	require.NoError(t, err)
	rt, err := providers.Get("scripted")
	require.NoError(t, err)
	scripted := rt.(*provider.ScriptedRuntime)

	appender := ledger.NewAppender(client, store, cfg.Ledger)
	reader := ledger.NewReader(client, store)
	broker := ledger.NewBroker(reader, cfg.Stream)
	if connString != "" {
		listener := ledger.NewNotifyListener(connString, broker)
		require.NoError(t, listener.Start(ctx))
		broker.SetListener(listener)
		t.Cleanup(func() { listener.Stop(context.Background()) })
	}

	sessionState := sessions.NewSQLStateStore(client)
	recorder := usage.NewRecorder(client)
	agentEngine := engine.New(
		cfg,
		providers,
		guardrails.NewRegistry(cfg),
		sessions.NewManager(sessionState, *cfg.Session),
		sessionState,
		conversations,
		recorder,
		appender,
		engine.NewIngestor(store, client, recorder, nil),
	)

	workflowEngine, err := workflow.NewEngine(
		cfg, agentEngine, workflowSvc, conversations, appender, workflow.NewFuncs(), set.podID)
	require.NoError(t, err)
	pool := workflow.NewWorkerPool(workflowEngine, cfg.WorkerPool)
	pool.Start(ctx)
	t.Cleanup(pool.Stop)

	server := api.NewServer(api.Dependencies{
		Config:        cfg,
		DB:            client,
		Verifier:      auth.NewVerifier(*cfg.Auth),
		Tenants:       tenants,
		Engine:        agentEngine,
		Workflows:     workflowEngine,
		Pool:          pool,
		Conversations: conversations,
		Runs:          workflowSvc,
		Reader:        reader,
		Broker:        broker,
	})

	return &TestApp{
		cfg:       cfg,
		db:        client,
		store:     store,
		scripted:  scripted,
		tenants:   tenants,
		runs:      workflowSvc,
		engine:    agentEngine,
		workflows: workflowEngine,
		pool:      pool,
		broker:    broker,
		server:    server,
		tenantID:  tenantID,
	}
}

// seedUser provisions a verified member of the app tenant and returns a
// signed access token carrying the given scopes.
func (a *TestApp) seedUser(t *testing.T, email string, role models.Role, scopes ...string) (userID, token string) {
	t.Helper()
	user, err := a.tenants.CreateUser(context.Background(), email, models.UserActive, true)
	require.NoError(t, err)
	_, err = a.tenants.AddMembership(context.Background(), a.tenantID, user.ID, role)
	require.NoError(t, err)
	return user.ID, a.signToken(t, "user:"+user.ID, scopes)
}

func (a *TestApp) signToken(t *testing.T, subject string, scopes []string) string {
	t.Helper()
	now := time.Now()
	claims := &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{testAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		TokenUse: auth.TokenUseAccess,
		Scopes:   scopes,
	}
	raw, err := auth.NewVerifier(*a.cfg.Auth).KeySet().Sign(claims)
	require.NoError(t, err)
	return raw
}

type requestSpec struct {
	method string
	path   string
	body   string
	token  string
}

// do drives one request through the real router with the app tenant header.
func (a *TestApp) do(t *testing.T, spec requestSpec) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(spec.method, spec.path, strings.NewReader(spec.body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-Id", a.tenantID)
	if spec.token != "" {
		req.Header.Set("Authorization", "Bearer "+spec.token)
	}
	rec := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rec, req)
	return rec
}

// waitForRun polls the run until it reaches the wanted terminal status.
func (a *TestApp) waitForRun(t *testing.T, runID string, want models.WorkflowRunStatus) *models.WorkflowRun {
	t.Helper()
	var run *models.WorkflowRun
	require.Eventually(t, func() bool {
		var err error
		run, err = a.runs.GetRun(context.Background(), a.tenantID, runID)
		return err == nil && run.Status == want
	}, 15*time.Second, 50*time.Millisecond, "run %s never reached %s", runID, want)
	return run
}

// decodeSSEFrames parses `data:` lines of an SSE body into frames.
func decodeSSEFrames(t *testing.T, body string) []*models.Frame {
	t.Helper()
	var frames []*models.Frame
	for _, line := range strings.Split(body, "\n") {
		const prefix = "data: "
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		var frame models.Frame
		require.NoError(t, json.Unmarshal([]byte(line[len(prefix):]), &frame))
		frames = append(frames, &frame)
	}
	return frames
}

// frameKinds projects the kind sequence for order assertions.
func frameKinds(frames []*models.Frame) []models.FrameKind {
	kinds := make([]models.FrameKind, len(frames))
	for i, f := range frames {
		kinds[i] = f.Kind
	}
	return kinds
}
