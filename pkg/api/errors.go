package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/decideplease/councild/pkg/dispatch"
	"github.com/decideplease/councild/pkg/store"
)

// mapServiceError maps store and dispatcher errors to HTTP error
// responses.
func mapServiceError(err error) *echo.HTTPError {
	var validErr *dispatch.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	var creditsErr *store.InsufficientCreditsError
	if errors.As(err, &creditsErr) {
		return echo.NewHTTPError(http.StatusPaymentRequired, creditsErr.Error())
	}
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, store.ErrNotQuestion) {
		return echo.NewHTTPError(http.StatusBadRequest, "target message is not a user question")
	}
	if errors.Is(err, dispatch.ErrDeliberationActive) {
		return echo.NewHTTPError(http.StatusConflict, "a deliberation is already running for this conversation")
	}
	if errors.Is(err, dispatch.ErrShuttingDown) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "service is shutting down")
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
