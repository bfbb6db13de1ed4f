package api

import (
	"net/http"
	"sync"

	echo "github.com/labstack/echo/v5"
	"golang.org/x/time/rate"
)

// ownerHeader carries the authenticated user ID. Upstream auth (gateway,
// OIDC proxy) is expected to have validated it.
const ownerHeader = "X-User-ID"

const ownerContextKey = "owner_id"

// securityHeaders sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}

// ownerAuth extracts the owner from the request, lazily provisions the user
// row, and stores the ID in the request context. Requests without a valid
// owner are rejected.
func (s *Server) ownerAuth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get(ownerHeader)
			if id == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, ownerHeader+" header is required")
			}
			if err := s.projects.EnsureUser(c.Request().Context(), id); err != nil {
				return mapServiceError(err)
			}
			c.Set(ownerContextKey, id)
			return next(c)
		}
	}
}

// ownerID returns the authenticated owner stored by ownerAuth.
func ownerID(c echo.Context) string {
	id, _ := c.Get(ownerContextKey).(string)
	return id
}

// rateLimit enforces a per-owner token bucket across all API routes.
func (s *Server) rateLimit() echo.MiddlewareFunc {
	cfg := s.cfg.RateLimit
	limiters := struct {
		sync.Mutex
		m map[string]*rate.Limiter
	}{m: make(map[string]*rate.Limiter)}

	perSecond := rate.Limit(float64(cfg.PerMinute) / 60.0)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			owner := ownerID(c)

			limiters.Lock()
			lim, ok := limiters.m[owner]
			if !ok {
				lim = rate.NewLimiter(perSecond, cfg.Burst)
				limiters.m[owner] = lim
			}
			limiters.Unlock()

			if !lim.Allow() {
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
