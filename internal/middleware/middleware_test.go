package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"relay-api/internal/ctx"
	"relay-api/internal/shared"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticSessions map[string]shared.Principal

func (s staticSessions) FromSession(_ context.Context, token string) (*shared.Principal, error) {
	p, ok := s[token]
	if !ok {
		return nil, shared.ErrUnauthorized
	}
	return &p, nil
}

func newServer() *echo.Echo {
	log := zap.NewNop().Sugar()
	e := echo.New()
	base := e.Group("")
	base.Use(NewRecoverMiddleware(log))
	base.Use(NewTrackMiddleware(log))

	pmw := NewPrincipalMiddleware(staticSessions{"good": {ID: 3, ExternalID: "ext-3"}})
	base.GET("/whoami", func(cc echo.Context) error {
		c := cc.(*ctx.Context)
		if c.Principal == nil {
			return c.String(200, "anonymous")
		}
		return c.String(200, c.Principal.ExternalID)
	}, pmw.ExtractPrincipal)
	base.GET("/private", func(cc echo.Context) error {
		return cc.String(200, "ok")
	}, pmw.ExtractPrincipal, pmw.RequirePrincipal)
	base.GET("/panic", func(echo.Context) error {
		panic("boom")
	})
	e.GET("/metrics", func(c echo.Context) error { return c.String(200, "# metrics") }, RequireMetricsKey("secret"))
	return e
}

func do(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestTrackSetsRequestID(t *testing.T) {
	e := newServer()
	rec := do(e, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("X-Request-Id"), "req_"))
	assert.Equal(t, "anonymous", rec.Body.String())
}

func TestPrincipalFromCookieOrBearer(t *testing.T) {
	e := newServer()

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "good"})
	assert.Equal(t, "ext-3", do(e, req).Body.String())

	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer good")
	assert.Equal(t, "ext-3", do(e, req).Body.String())

	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer stale")
	assert.Equal(t, "anonymous", do(e, req).Body.String())
}

func TestRequirePrincipal(t *testing.T) {
	e := newServer()
	rec := do(e, httptest.NewRequest(http.MethodGet, "/private", nil))
	assert.Equal(t, 401, rec.Code)
	assert.Contains(t, rec.Body.String(), "unauthorized")

	req := httptest.NewRequest(http.MethodGet, "/private", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "good"})
	assert.Equal(t, 200, do(e, req).Code)
}

func TestRecoverReturnsJSON(t *testing.T) {
	e := newServer()
	rec := do(e, httptest.NewRequest(http.MethodGet, "/panic", nil))
	require.Equal(t, 500, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
}

func TestMetricsKey(t *testing.T) {
	e := newServer()
	assert.Equal(t, 401, do(e, httptest.NewRequest(http.MethodGet, "/metrics", nil)).Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	assert.Equal(t, 401, do(e, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer secret")
	assert.Equal(t, 200, do(e, req).Code)
}
