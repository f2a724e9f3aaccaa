// Package api exposes the HTTP control surface: conversation CRUD,
// deliberation submission with SSE streaming, status polling, cancel,
// and retry.
package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/decideplease/councild/pkg/database"
	"github.com/decideplease/councild/pkg/dispatch"
	"github.com/decideplease/councild/pkg/store"
)

// Server wires the HTTP routes to the store and dispatcher.
type Server struct {
	e          *echo.Echo
	httpServer *http.Server
	db         *database.Client
	store      *store.Store
	dispatcher *dispatch.Dispatcher
}

// NewServer creates the API server and registers all routes.
func NewServer(db *database.Client, st *store.Store, dispatcher *dispatch.Dispatcher) *Server {
	s := &Server{
		e:          echo.New(),
		db:         db,
		store:      st,
		dispatcher: dispatcher,
	}
	s.e.Use(securityHeaders())
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.e.GET("/health", s.healthHandler)

	api := s.e.Group("/api/v1")
	api.GET("/user", s.getUserHandler)

	api.GET("/conversations", s.listConversationsHandler)
	api.POST("/conversations", s.createConversationHandler)
	api.GET("/conversations/:id", s.getConversationHandler)
	api.DELETE("/conversations/:id", s.deleteConversationHandler)

	api.POST("/conversations/:id/message/stream", s.streamMessageHandler)
	api.POST("/conversations/:id/rerun", s.rerunHandler)
	api.GET("/conversations/:id/status", s.statusHandler)
	api.POST("/conversations/:id/cancel", s.cancelHandler)
	api.POST("/conversations/:id/messages/:messageId/retry", s.retryHandler)
	api.DELETE("/conversations/:id/messages/:messageId", s.deleteMessageHandler)
}

// Start serves HTTP on addr, blocking until shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := database.Health(ctx, s.db.DB()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "healthy"})
}
