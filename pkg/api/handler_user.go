package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// getUserHandler handles GET /api/v1/user.
func (s *Server) getUserHandler(c *echo.Context) error {
	user, err := s.currentUser(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, user)
}
