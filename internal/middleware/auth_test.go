package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func captureSession(t *testing.T, c *SessionCookies, cookie *http.Cookie) (string, bool) {
	t.Helper()
	var sid string
	var ok bool
	h := c.WithSession(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sid, ok = SessionIDFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/index", nil)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	h.ServeHTTP(httptest.NewRecorder(), req)
	return sid, ok
}

func issuedCookie(t *testing.T, c *SessionCookies, sid string) *http.Cookie {
	t.Helper()
	rec := httptest.NewRecorder()
	if err := c.Issue(rec, sid); err != nil {
		t.Fatalf("issue: %v", err)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != CookieName || !cookies[0].HttpOnly {
		t.Fatalf("unexpected cookies: %+v", cookies)
	}
	return cookies[0]
}

func TestSessionCookieRoundTrip(t *testing.T) {
	c, err := NewSessionCookies("secret", time.Hour, false)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	sid, ok := captureSession(t, c, issuedCookie(t, c, "S1"))
	if !ok || sid != "S1" {
		t.Fatalf("expected S1, got %q %v", sid, ok)
	}
	if _, ok := captureSession(t, c, nil); ok {
		t.Fatalf("expected no session without cookie")
	}
}

func TestSessionCookieRejectsForeignKeyAndExpiry(t *testing.T) {
	a, _ := NewSessionCookies("secret-a", time.Hour, false)
	b, _ := NewSessionCookies("secret-b", time.Hour, false)
	if _, ok := captureSession(t, b, issuedCookie(t, a, "S1")); ok {
		t.Fatalf("cookie signed with another secret must be rejected")
	}

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return base }
	ck := issuedCookie(t, a, "S1")
	a.now = func() time.Time { return base.Add(2 * time.Hour) }
	if _, ok := captureSession(t, a, ck); ok {
		t.Fatalf("expired cookie must be rejected")
	}
}

func TestNewSessionCookiesRequiresSecret(t *testing.T) {
	if _, err := NewSessionCookies("", time.Hour, false); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}

func TestClearExpiresCookie(t *testing.T) {
	c, _ := NewSessionCookies("secret", time.Hour, true)
	rec := httptest.NewRecorder()
	c.Clear(rec)
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].MaxAge >= 0 || !cookies[0].Secure {
		t.Fatalf("unexpected clear cookie: %+v", cookies)
	}
}
