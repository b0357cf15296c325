package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddlewareMintsAnonIdentity(t *testing.T) {
	var seen string
	handler := Middleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = PlayerIDFromContext(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if !isValidAnonID(seen) {
		t.Fatalf("minted identity %q is not a valid anon id", seen)
	}

	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == AnonCookieName {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("identity cookie was not set")
	}
	if cookie.Value != seen {
		t.Errorf("cookie value %q != context identity %q", cookie.Value, seen)
	}
	if !cookie.HttpOnly {
		t.Error("identity cookie must be HttpOnly")
	}
	if cookie.Secure {
		t.Error("dev mode should not mark the cookie Secure")
	}
}

func TestMiddlewareKeepsExistingIdentity(t *testing.T) {
	existing := "anon_0123456789abcdef0123456789abcdef"
	var seen string
	handler := Middleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = PlayerIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: existing})
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if seen != existing {
		t.Errorf("identity = %q, want the existing cookie value", seen)
	}
}

func TestMiddlewareReplacesForgedIdentity(t *testing.T) {
	var seen string
	handler := Middleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = PlayerIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: "admin'; DROP TABLE--"})
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !isValidAnonID(seen) {
		t.Errorf("forged cookie should be replaced with a fresh anon id, got %q", seen)
	}
}

func TestIsValidAnonID(t *testing.T) {
	valid := "anon_" + "0123456789abcdef0123456789abcdef"
	if !isValidAnonID(valid) {
		t.Errorf("isValidAnonID(%q) = false", valid)
	}
	for _, id := range []string{"", "anon_short", "user_0123456789abcdef0123456789abcdef", "anon_0123456789ABCDEF0123456789ABCDEF"} {
		if isValidAnonID(id) {
			t.Errorf("isValidAnonID(%q) = true", id)
		}
	}
}

func TestIPFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.9:4567"
	if got := IPFromRequest(r); got != "203.0.113.9" {
		t.Errorf("IPFromRequest = %q", got)
	}

	r.RemoteAddr = "203.0.113.9"
	if got := IPFromRequest(r); got != "203.0.113.9" {
		t.Errorf("IPFromRequest without port = %q", got)
	}
}
