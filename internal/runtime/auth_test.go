package runtime

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestEchoAuthMiddlewareAcceptsBearerAndCookie(t *testing.T) {
	secret := []byte("secret")
	token, err := SignJWT("trainer-1", secret, time.Hour, ScopeAdmin)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}

	e := echo.New()
	handler := EchoAuthMiddleware(secret)(func(c echo.Context) error {
		if got, _ := c.Get("trainer_id").(string); got != "trainer-1" {
			t.Fatalf("expected trainer id on context, got %q", got)
		}
		if !HasScope(c, ScopeAdmin) {
			t.Fatalf("admin scope must survive the round trip")
		}
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	if err := handler(e.NewContext(req, rec)); err != nil {
		t.Fatalf("bearer auth: %v", err)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "auth", Value: token})
	rec = httptest.NewRecorder()
	if err := handler(e.NewContext(req, rec)); err != nil {
		t.Fatalf("cookie auth: %v", err)
	}
}

func TestEchoAuthMiddlewareRejectsBadToken(t *testing.T) {
	e := echo.New()
	handler := EchoAuthMiddleware([]byte("secret"))(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	if err := handler(e.NewContext(req, rec)); err == nil {
		t.Fatalf("missing token must be rejected")
	}

	other, err := SignJWT("trainer-1", []byte("other-secret"), time.Hour)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+other)
	if err := handler(e.NewContext(req, rec)); err == nil {
		t.Fatalf("token signed with another secret must be rejected")
	}
}

func TestRequireScopes(t *testing.T) {
	e := echo.New()
	next := func(c echo.Context) error { return c.NoContent(http.StatusOK) }

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.Set("scopes", []string{"read"})
	if err := RequireScopes(ScopeAdmin)(next)(c); err == nil {
		t.Fatalf("missing scope must be forbidden")
	}

	c = e.NewContext(req, httptest.NewRecorder())
	c.Set("scopes", []string{"read", ScopeAdmin})
	if err := RequireScopes(ScopeAdmin)(next)(c); err != nil {
		t.Fatalf("RequireScopes: %v", err)
	}
}
