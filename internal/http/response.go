package http

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/estimatord/internal/security"
	"github.com/fyrsmithlabs/estimatord/internal/vectorstore"
)

// Envelope is the body of every /api/v1 response.
type Envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

const internalErrorMessage = "internal server error"

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var he *echo.HTTPError
	switch {
	case errors.Is(err, security.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, security.ErrClientIDRequired),
		errors.Is(err, security.ErrInvalidClientID),
		errors.Is(err, vectorstore.ErrInvalidRequest),
		errors.Is(err, vectorstore.ErrDimensionMismatch):
		return http.StatusBadRequest
	case errors.Is(err, security.ErrInsufficientPermissions),
		errors.Is(err, security.ErrNotTenantMember),
		errors.Is(err, security.ErrCrossTenantAccess),
		errors.Is(err, security.ErrCrossOrganizationAccess):
		return http.StatusForbidden
	case errors.Is(err, security.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, vectorstore.ErrStaleWrite):
		return http.StatusConflict
	case errors.As(err, &he):
		return he.Code
	default:
		return http.StatusInternalServerError
	}
}

// errorMessage hides the detail of server-side failures.
func errorMessage(err error, status int) string {
	if status >= http.StatusInternalServerError {
		return internalErrorMessage
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return fmt.Sprint(he.Message)
	}
	return err.Error()
}

// handleError is the echo error handler. It renders errors that escaped a
// handler, including gate rejections raised before the handler ran.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", c.Request().Method),
			zap.String("path", c.Request().URL.Path),
			zap.Error(err),
		)
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	if werr := c.JSON(status, Envelope{Success: false, Error: errorMessage(err, status)}); werr != nil {
		s.logger.Warn("writing error response", zap.Error(werr))
	}
}

// fail writes the error response inside a gated handler and returns err so
// the gate records the outcome. The error handler skips the committed
// response when err reaches it.
func (s *Server) fail(c echo.Context, err error) error {
	s.handleError(err, c)
	return err
}

// ok sanitizes data and writes a success envelope.
func (s *Server) ok(c echo.Context, status int, data any, sc *security.Context) error {
	clean, err := s.access.SanitizeData(data, sc)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(status, Envelope{Success: true, Data: clean})
}
