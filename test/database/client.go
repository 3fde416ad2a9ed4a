// Package database provides database client helpers for integration tests.
package database

import (
	"testing"

	"github.com/arion-ai/arion/pkg/database"
	"github.com/arion-ai/arion/test/util"
)

// NewTestClient creates a migrated test database client.
// In CI (when CI_DATABASE_URL is set): connects to the external PostgreSQL
// service container. In local dev: uses a shared testcontainer with one
// schema per test. Cleanup (schema drop and connection close) is handled by
// SetupTestDatabase.
func NewTestClient(t *testing.T) *database.Client {
	db := util.SetupTestDatabase(t)
	return database.NewClientFromDB(db)
}
