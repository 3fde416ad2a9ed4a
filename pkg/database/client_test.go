package database

import (
	"context"
	stdsql "database/sql"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newTestClient creates a migrated test client with CI/local detection.
// In CI (CI_DATABASE_URL set): connects to the external PostgreSQL service.
// Locally: spins up a postgres testcontainer.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	ctx := context.Background()

	var connStr string
	if ciDatabaseURL := os.Getenv("CI_DATABASE_URL"); ciDatabaseURL != "" {
		t.Log("Using external PostgreSQL from CI_DATABASE_URL")
		connStr = ciDatabaseURL
	} else {
		t.Log("Using testcontainers for PostgreSQL")
		pgContainer, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)

		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		connStr, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	db, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	require.NoError(t, db.PingContext(ctx))
	require.NoError(t, runMigrations(db, Config{Database: "test"}))

	client := NewClientFromDB(db)
	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}

func TestClient_Health(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	health, err := client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Greater(t, health.MaxOpenConns, 0)
	assert.GreaterOrEqual(t, health.ResponseTime, int64(0))
	assert.Less(t, health.ResponseTime, int64(1000), "local ping should be fast")
}

func TestMigrations_SchemaShape(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	// Every table the stores depend on must exist after migration.
	tables := []string{
		"tenants", "users", "tenant_memberships",
		"conversations", "conversation_segments", "conversation_messages",
		"conversation_session_state", "conversation_events",
		"ledger_events", "assets",
		"workflow_runs", "workflow_step_results",
		"usage_counters", "run_usage",
	}
	for _, table := range tables {
		var exists bool
		err := client.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`, table)
		require.NoError(t, err)
		assert.True(t, exists, "table %s should exist", table)
	}
}

func TestMigrations_Idempotent(t *testing.T) {
	client := newTestClient(t)

	// Re-running against an already-migrated database is a no-op
	// (golang-migrate returns ErrNoChange internally).
	err := runMigrations(client.DB.DB, Config{Database: "test"})
	require.NoError(t, err)
}

func TestMigrations_TrigramSearch(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	_, err := client.ExecContext(ctx,
		`INSERT INTO tenants (id, slug, name) VALUES ('t-1', 'acme', 'Acme Corp')`)
	require.NoError(t, err)

	_, err = client.ExecContext(ctx,
		`INSERT INTO conversations (id, tenant_id, conversation_key, agent_entrypoint, active_agent)
		 VALUES ('c-1', 't-1', 'support-ticket-4821', 'triage', 'triage'),
		        ('c-2', 't-1', 'billing-question', 'analysis', 'analysis')`)
	require.NoError(t, err)

	// Substring search rides the pg_trgm GIN index.
	var keys []string
	err = client.SelectContext(ctx, &keys,
		`SELECT conversation_key FROM conversations WHERE conversation_key ILIKE '%' || $1 || '%'`,
		"ticket")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "support-ticket-4821", keys[0])
}

func TestMigrations_LedgerEventDensity(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	_, err := client.ExecContext(ctx,
		`INSERT INTO tenants (id, slug, name) VALUES ('t-1', 'acme', 'Acme Corp')`)
	require.NoError(t, err)
	_, err = client.ExecContext(ctx,
		`INSERT INTO conversations (id, tenant_id, conversation_key, agent_entrypoint, active_agent)
		 VALUES ('c-1', 't-1', 'k', 'triage', 'triage')`)
	require.NoError(t, err)

	_, err = client.ExecContext(ctx,
		`INSERT INTO ledger_events (conversation_id, tenant_id, event_id, stream_id, kind, payload_inline)
		 VALUES ('c-1', 't-1', 1, 's-1', 'message.delta', '{"text":"hi"}')`)
	require.NoError(t, err)

	// Duplicate (conversation_id, event_id) must be rejected.
	_, err = client.ExecContext(ctx,
		`INSERT INTO ledger_events (conversation_id, tenant_id, event_id, stream_id, kind, payload_inline)
		 VALUES ('c-1', 't-1', 1, 's-2', 'message.delta', '{"text":"again"}')`)
	require.Error(t, err)

	// A row with neither inline payload nor object ref violates the check.
	_, err = client.ExecContext(ctx,
		`INSERT INTO ledger_events (conversation_id, tenant_id, event_id, stream_id, kind)
		 VALUES ('c-1', 't-1', 2, 's-1', 'message.delta')`)
	require.Error(t, err)
}

func TestLoadConfigFromEnv(t *testing.T) {
	envKeys := []string{
		"DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME", "DB_SSLMODE",
		"DB_MAX_OPEN_CONNS", "DB_MAX_IDLE_CONNS",
	}
	clearEnv := func(t *testing.T) {
		t.Helper()
		for _, key := range envKeys {
			os.Unsetenv(key)
		}
	}

	tests := []struct {
		name        string
		envVars     map[string]string
		wantErr     bool
		errContains string
	}{
		{
			name:    "defaults with password",
			envVars: map[string]string{"DB_PASSWORD": "test"},
		},
		{
			name: "custom values",
			envVars: map[string]string{
				"DB_HOST":           "db.example.com",
				"DB_PORT":           "5433",
				"DB_USER":           "admin",
				"DB_PASSWORD":       "secret",
				"DB_NAME":           "production",
				"DB_SSLMODE":        "require",
				"DB_MAX_OPEN_CONNS": "50",
				"DB_MAX_IDLE_CONNS": "20",
			},
		},
		{
			name:        "invalid DB_PORT",
			envVars:     map[string]string{"DB_PORT": "invalid", "DB_PASSWORD": "test"},
			wantErr:     true,
			errContains: "invalid DB_PORT",
		},
		{
			name:        "invalid DB_MAX_OPEN_CONNS",
			envVars:     map[string]string{"DB_MAX_OPEN_CONNS": "not_a_number", "DB_PASSWORD": "test"},
			wantErr:     true,
			errContains: "invalid DB_MAX_OPEN_CONNS",
		},
		{
			name:        "missing password",
			envVars:     map[string]string{},
			wantErr:     true,
			errContains: "DB_PASSWORD is required",
		},
		{
			name:        "idle exceeds open",
			envVars:     map[string]string{"DB_PASSWORD": "test", "DB_MAX_OPEN_CONNS": "5", "DB_MAX_IDLE_CONNS": "10"},
			wantErr:     true,
			errContains: "exceed max open",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for key, val := range tt.envVars {
				t.Setenv(key, val)
			}
			t.Cleanup(func() { clearEnv(t) })

			cfg, err := LoadConfigFromEnv()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)

			if tt.name == "defaults with password" {
				assert.Equal(t, "localhost", cfg.Host)
				assert.Equal(t, 5432, cfg.Port)
				assert.Equal(t, "arion", cfg.User)
				assert.Equal(t, "arion", cfg.Database)
				assert.Equal(t, 25, cfg.MaxOpenConns)
				assert.Equal(t, 10, cfg.MaxIdleConns)
			}
			if tt.name == "custom values" {
				assert.Equal(t, "db.example.com", cfg.Host)
				assert.Equal(t, 5433, cfg.Port)
				assert.Equal(t, 50, cfg.MaxOpenConns)
			}
		})
	}
}

func TestConfig_DSN(t *testing.T) {
	cfg := Config{
		Host: "localhost", Port: 5432, User: "arion", Password: "pw",
		Database: "arion", SSLMode: "disable",
	}
	assert.Equal(t,
		"host=localhost port=5432 user=arion password=pw dbname=arion sslmode=disable",
		cfg.DSN())
}
