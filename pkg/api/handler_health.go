package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/arion-ai/arion/pkg/version"
)

// healthzHandler handles GET /healthz. Liveness only; no dependencies.
func (s *Server) healthzHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
	})
}

// readyzHandler handles GET /readyz. Readiness requires a reachable database.
func (s *Server) readyzHandler(c *echo.Context) error {
	ctx, cancel := contextWithTimeout(c, 5*time.Second)
	defer cancel()

	health, err := s.db.Health(ctx)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status":   "unavailable",
			"database": health,
		})
	}
	body := map[string]any{
		"status":   "ready",
		"database": health,
	}
	if s.pool != nil {
		body["active_runs"] = s.pool.Active()
	}
	return c.JSON(http.StatusOK, body)
}

// versionHandler handles GET /api/v1/version.
func (s *Server) versionHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"name":    version.AppName,
		"version": version.Full(),
		"commit":  version.GitCommit,
	})
}
