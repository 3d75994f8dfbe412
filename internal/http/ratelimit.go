package http

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/estimatord/internal/security"
)

// Rate-limited actions.
const (
	ActionIngest = "ingest"
	ActionSearch = "search"
	ActionDelete = "delete"
	ActionStats  = "stats"
)

// RateLimits are the per-action request budgets within Window.
type RateLimits struct {
	Window time.Duration
	Ingest int
	Search int
	Delete int
	Stats  int
}

func (r RateLimits) limitFor(action string) int {
	switch action {
	case ActionIngest:
		return r.Ingest
	case ActionSearch:
		return r.Search
	case ActionDelete:
		return r.Delete
	default:
		return r.Stats
	}
}

// rateLimit must run behind the gate middleware; it counts the request for
// (user, client, action) and answers 429 once the budget is spent.
func (s *Server) rateLimit(action string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			sc, ok := security.ContextFromEcho(c)
			if !ok {
				return s.fail(c, security.ErrUnauthorized)
			}

			d, err := s.limiter.Check(c.Request().Context(), sc, action, s.limits.limitFor(action), s.limits.Window)
			if err != nil {
				return s.fail(c, fmt.Errorf("checking rate limit: %w", err))
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining()))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if !d.Allowed {
				retry := int(math.Ceil(time.Until(d.ResetAt).Seconds()))
				if retry < 1 {
					retry = 1
				}
				h.Set("Retry-After", strconv.Itoa(retry))
				return s.fail(c, d.Err())
			}
			return next(c)
		}
	}
}
