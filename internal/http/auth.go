package http

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/manualrag/internal/tenant"
)

// tenantKey stores the authenticated tenant in the echo context.
const tenantKey = "manualrag.tenant"

// authMiddleware resolves the bearer token to a tenant. Requests without a
// known token are rejected with 401 before reaching a handler.
func (s *Server) authMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			token, ok := bearerToken(req.Header.Get(echo.HeaderAuthorization))
			if !ok {
				s.metrics.recordAuthRejection(req.Context(), "missing")
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			id, ok := s.lookupTenant(token)
			if !ok {
				s.metrics.recordAuthRejection(req.Context(), "invalid")
				s.logger.Warn(req.Context(), "rejected unknown bearer token",
					zap.String("remote_ip", c.RealIP()))
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid bearer token")
			}
			c.Set(tenantKey, id)
			c.SetRequest(req.WithContext(tenant.WithTenant(req.Context(), id)))
			return next(c)
		}
	}
}

// lookupTenant compares token against every configured token so the
// comparison time does not depend on which one matches.
func (s *Server) lookupTenant(token string) (tenant.ID, bool) {
	var found string
	for candidate, id := range s.config.Tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			found = id
		}
	}
	if found == "" {
		return "", false
	}
	id, err := tenant.Parse(found)
	if err != nil {
		return "", false
	}
	return id, true
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// callerTenant returns the tenant set by authMiddleware.
func callerTenant(c echo.Context) tenant.ID {
	id, _ := c.Get(tenantKey).(tenant.ID)
	return id
}

// isAdmin reports whether id may change process-wide settings.
func (s *Server) isAdmin(id tenant.ID) bool {
	if id == "" {
		return false
	}
	for _, admin := range s.config.AdminTenants {
		if tenant.ID(admin) == id {
			return true
		}
	}
	return false
}
