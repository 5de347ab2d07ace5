package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// listNotificationsHandler handles GET /projects/:project/notifications.
func (s *Server) listNotificationsHandler(c *echo.Context) error {
	projectID := c.Param("project")
	if projectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project id is required")
	}
	unreadOnly := c.QueryParam("unread_only") == "true"

	notifications, err := s.notifications.List(c.Request().Context(), projectID, unreadOnly)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"notifications": notifications})
}

// markNotificationReadHandler handles POST /projects/:project/notifications/:id/read.
func (s *Server) markNotificationReadHandler(c *echo.Context) error {
	projectID := c.Param("project")
	notificationID := c.Param("id")
	if projectID == "" || notificationID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project and notification ids are required")
	}

	if err := s.notifications.MarkRead(c.Request().Context(), projectID, notificationID); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
