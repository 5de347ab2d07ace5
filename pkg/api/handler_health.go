package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/quarry-ai/quarry/pkg/database"
)

// healthHandler handles GET /healthz.
func (s *Server) healthHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := database.Health(ctx, s.db.DB.DB)
	body := map[string]any{
		"status":   "healthy",
		"database": dbHealth,
		"workers":  s.pool.Health(),
	}
	if busErr := s.bus.Ping(ctx); busErr != nil && err == nil {
		err = busErr
	}
	if err != nil {
		body["status"] = "unhealthy"
		body["error"] = err.Error()
		return c.JSON(http.StatusServiceUnavailable, body)
	}
	return c.JSON(http.StatusOK, body)
}
