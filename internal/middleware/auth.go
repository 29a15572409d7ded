package middleware

import (
	"context"
	"crypto/subtle"

	"relay-api/internal/ctx"
	"relay-api/internal/shared"

	"github.com/labstack/echo/v4"
)

const SessionCookie = "session_id"

type PrincipalResolver interface {
	FromSession(ctx context.Context, token string) (*shared.Principal, error)
}

type PrincipalMiddleware struct {
	principals PrincipalResolver
}

func NewPrincipalMiddleware(principals PrincipalResolver) *PrincipalMiddleware {
	return &PrincipalMiddleware{principals: principals}
}

// sessionToken prefers the session cookie and falls back to a bearer token
func sessionToken(c echo.Context) string {
	if cookie, err := c.Cookie(SessionCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	token, err := shared.ExtractBearer(c)
	if err != nil {
		return ""
	}
	return token
}

// ExtractPrincipal attaches the principal when the request carries a live
// session and otherwise lets the request through anonymously
func (p *PrincipalMiddleware) ExtractPrincipal(next echo.HandlerFunc) echo.HandlerFunc {
	return func(cc echo.Context) error {
		c := cc.(*ctx.Context)
		c.Principal = nil

		token := sessionToken(c)
		if token == "" {
			return next(c)
		}
		principal, err := p.principals.FromSession(c.Request().Context(), token)
		if err != nil {
			if err != shared.ErrUnauthorized {
				c.LogValues.AddError(err)
			}
			return next(c)
		}
		c.Principal = principal
		c.Log = c.Log.With("principal_id", principal.ID)
		c.LogValues.PrincipalID = principal.ID
		c.LogValues.ExternalID = principal.ExternalID
		return next(c)
	}
}

func (p *PrincipalMiddleware) RequirePrincipal(next echo.HandlerFunc) echo.HandlerFunc {
	return func(cc echo.Context) error {
		c := cc.(*ctx.Context)
		if c.Principal == nil {
			return c.JSON(401, shared.ErrorBody{Error: shared.ErrUnauthorized.Message()})
		}
		return next(c)
	}
}

// RequireMetricsKey guards the prometheus endpoint with a static bearer key
func RequireMetricsKey(key string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, err := shared.ExtractBearer(c)
			if err != nil {
				return c.String(401, "Missing or invalid API key")
			}
			if key == "" || subtle.ConstantTimeCompare([]byte(token), []byte(key)) != 1 {
				return c.String(401, "Unauthorized API key")
			}
			return next(c)
		}
	}
}
