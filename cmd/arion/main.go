// Arion orchestration server: exposes the HTTP API, runs the workflow
// worker pool, and owns the streaming and retention infrastructure.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/arion-ai/arion/pkg/api"
	"github.com/arion-ai/arion/pkg/auth"
	"github.com/arion-ai/arion/pkg/cleanup"
	"github.com/arion-ai/arion/pkg/config"
	"github.com/arion-ai/arion/pkg/database"
	"github.com/arion-ai/arion/pkg/engine"
	"github.com/arion-ai/arion/pkg/ledger"
	"github.com/arion-ai/arion/pkg/observability"
	"github.com/arion-ai/arion/pkg/provider"
	"github.com/arion-ai/arion/pkg/services"
	"github.com/arion-ai/arion/pkg/sessions"
	"github.com/arion-ai/arion/pkg/storage"
	"github.com/arion-ai/arion/pkg/usage"
	"github.com/arion-ai/arion/pkg/version"
	"github.com/arion-ai/arion/pkg/workflow"

	"github.com/arion-ai/arion/pkg/guardrails"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	podID := resolvePodID()
	slog.Info("Starting arion",
		"version", version.Full(),
		"pod_id", podID,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(2)
	}

	// 2. Observability first so everything downstream records into it
	obs, err := observability.Setup(ctx, cfg.Observability, version.Full())
	if err != nil {
		slog.Error("Failed to initialize observability", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := obs.Shutdown(context.Background()); err != nil {
			slog.Warn("Telemetry shutdown error", "error", err)
		}
	}()

	// 3. Database (migrations run inside NewClient)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(2)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 4. Object store
	store, err := storage.New(ctx, *cfg.ObjectStore)
	if err != nil {
		slog.Error("Failed to initialize object store", "error", err)
		os.Exit(1)
	}

	// 5. Domain services
	tenantService := services.NewTenantService(dbClient)
	conversationService := services.NewConversationService(dbClient)
	workflowService := services.NewWorkflowService(dbClient)
	slog.Info("Services initialized")

	// 6. Provider runtimes and guardrails
	providers, err := provider.BuildRegistry(cfg)
	if err != nil {
		slog.Error("Failed to build provider registry", "error", err)
		os.Exit(2)
	}
	guardrailRegistry := guardrails.NewRegistry(cfg)

	// 7. Ledger: appender, reader, broker, notify listener
	appender := ledger.NewAppender(dbClient, store, cfg.Ledger)
	reader := ledger.NewReader(dbClient, store)
	broker := ledger.NewBroker(reader, cfg.Stream)

	notifyListener := ledger.NewNotifyListener(dbConfig.DSN(), broker)
	if err := notifyListener.Start(ctx); err != nil {
		slog.Error("Failed to start notify listener", "error", err)
		os.Exit(1)
	}
	defer notifyListener.Stop(ctx)
	broker.SetListener(notifyListener)
	slog.Info("Streaming infrastructure initialized")

	// 8. Sessions, usage, attachment ingestion, agent engine
	stateStore := sessions.NewSQLStateStore(dbClient)
	sessionManager := sessions.NewManager(stateStore, *cfg.Session)
	recorder := usage.NewRecorder(dbClient)
	ingestor := engine.NewIngestor(store, dbClient, recorder, nil)

	agentEngine := engine.New(cfg, providers, guardrailRegistry, sessionManager,
		stateStore, conversationService, recorder, appender, ingestor)

	// 9. Workflow engine and worker pool
	workflowEngine, err := workflow.NewEngine(cfg, agentEngine, workflowService,
		conversationService, appender, workflow.NewFuncs(), podID)
	if err != nil {
		slog.Error("Failed to build workflow engine", "error", err)
		os.Exit(2)
	}

	// Startup orphan pass reclaims runs this pod owned in a previous life.
	workflowEngine.FailOrphans(ctx, true)

	pool := workflow.NewWorkerPool(workflowEngine, cfg.WorkerPool)
	pool.Start(ctx)

	// 10. Auth, rate limiting, usage gate
	verifier := auth.NewVerifier(*cfg.Auth)
	limiter, redisClient := auth.NewLimiter(*cfg.Redis)
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				slog.Warn("Error closing redis client", "error", err)
			}
		}()
	}
	usageGate := usage.NewGate(dbClient, cfg.UsageLimits)

	// 11. Retention sweeps
	retention := cleanup.NewService(cfg.Retention, dbClient, store)
	retention.Start(ctx)
	defer retention.Stop()

	// 12. HTTP server
	httpServer := api.NewServer(api.Dependencies{
		Config:        cfg,
		DB:            dbClient,
		Verifier:      verifier,
		Limiter:       limiter,
		Tenants:       tenantService,
		UsageGate:     usageGate,
		Engine:        agentEngine,
		Workflows:     workflowEngine,
		Pool:          pool,
		Conversations: conversationService,
		Runs:          workflowService,
		Reader:        reader,
		Broker:        broker,
		Metrics:       obs.Metrics,
	})

	errCh := make(chan error, 1)
	go func() {
		addr := cfg.Server.Addr()
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Arion started successfully",
		"pod_id", podID,
		"agents", cfg.AgentRegistry.Len(),
		"workflows", cfg.WorkflowRegistry.Len())

	// 13. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 14. Graceful shutdown: stop accepting requests, then drain the pool.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-time.After(cfg.WorkerPool.GracefulShutdownTimeout + 5*time.Second):
		slog.Warn("Shutdown timeout exceeded, incomplete runs will be orphan-recovered")
	}

	slog.Info("Shutdown complete")
}
