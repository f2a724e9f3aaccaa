package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"
)

// listConversationsHandler handles GET /api/v1/conversations.
func (s *Server) listConversationsHandler(c *echo.Context) error {
	user, err := s.currentUser(c)
	if err != nil {
		return err
	}

	limit := 50
	offset := 0
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	conversations, total, err := s.store.ListConversations(c.Request().Context(), user.ID, limit, offset)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"conversations": conversations,
		"total":         total,
	})
}

// createConversationHandler handles POST /api/v1/conversations.
func (s *Server) createConversationHandler(c *echo.Context) error {
	user, err := s.currentUser(c)
	if err != nil {
		return err
	}
	conv, err := s.store.CreateConversation(c.Request().Context(), user.ID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, conv)
}

// getConversationHandler handles GET /api/v1/conversations/:id.
func (s *Server) getConversationHandler(c *echo.Context) error {
	user, err := s.currentUser(c)
	if err != nil {
		return err
	}
	conversationID := c.Param("id")
	if conversationID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "conversation id is required")
	}

	conv, err := s.store.GetConversation(c.Request().Context(), conversationID, user.ID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, conv)
}

// deleteConversationHandler handles DELETE /api/v1/conversations/:id.
func (s *Server) deleteConversationHandler(c *echo.Context) error {
	user, err := s.currentUser(c)
	if err != nil {
		return err
	}
	conversationID := c.Param("id")
	if conversationID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "conversation id is required")
	}

	if err := s.store.DeleteConversation(c.Request().Context(), conversationID, user.ID); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
