package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/decideplease/councild/pkg/models"
)

// extractPrincipal extracts the authenticated principal from proxy
// headers. Priority: X-Forwarded-User (oauth2-proxy) >
// X-Forwarded-Email (oauth2-proxy) > X-Remote-User (kube-rbac-proxy).
func extractPrincipal(c *echo.Context) (id, email string) {
	h := c.Request().Header
	email = h.Get("X-Forwarded-Email")
	if user := h.Get("X-Forwarded-User"); user != "" {
		return user, email
	}
	if email != "" {
		return email, email
	}
	if user := h.Get("X-Remote-User"); user != "" {
		return user, ""
	}
	return "", ""
}

// currentUser resolves the request's principal to a user record,
// creating it with the starter balance on first contact.
func (s *Server) currentUser(c *echo.Context) (*models.User, error) {
	id, email := extractPrincipal(c)
	if id == "" {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	user, err := s.store.GetOrCreateUser(c.Request().Context(), id, email)
	if err != nil {
		return nil, mapServiceError(err)
	}
	return user, nil
}
