package middleware

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

type sessionCtxKey int

const sessionKey sessionCtxKey = 7

// CookieName carries the signed participant session id.
const CookieName = "persuasion_session"

type Claims struct {
	SID string `json:"sid"`
	jwt.RegisteredClaims
}

// SessionCookies signs and verifies participant session cookies.
type SessionCookies struct {
	key    []byte
	ttl    time.Duration
	secure bool
	now    func() time.Time
}

// NewSessionCookies derives the HMAC signing key from secret with HKDF.
func NewSessionCookies(secret string, ttl time.Duration, secure bool) (*SessionCookies, error) {
	if secret == "" {
		return nil, errors.New("session secret required")
	}
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(secret), []byte("persuasion"), []byte("session-cookie"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return &SessionCookies{key: key, ttl: ttl, secure: secure, now: time.Now}, nil
}

func (c *SessionCookies) sign(sid string) (string, error) {
	now := c.now()
	claims := Claims{SID: sid, RegisteredClaims: jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(now), ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl))}}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.key)
}

func (c *SessionCookies) parse(tok string) (*Claims, error) {
	t, err := jwt.ParseWithClaims(tok, &Claims{}, func(token *jwt.Token) (interface{}, error) { return c.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now))
	if err != nil {
		return nil, err
	}
	if cl, ok := t.Claims.(*Claims); ok && t.Valid && cl.SID != "" {
		return cl, nil
	}
	return nil, errors.New("invalid token")
}

// Issue sets the session cookie for sid.
func (c *SessionCookies) Issue(w http.ResponseWriter, sid string) error {
	tok, err := c.sign(sid)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    tok,
		Path:     "/",
		MaxAge:   int(c.ttl.Seconds()),
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Clear expires the session cookie.
func (c *SessionCookies) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// WithSession attaches the session id to the request context when the cookie
// is present and valid.
func (c *SessionCookies) WithSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ck, err := r.Cookie(CookieName); err == nil && ck.Value != "" {
			if cl, err := c.parse(ck.Value); err == nil {
				ctx := context.WithValue(r.Context(), sessionKey, cl.SID)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func SessionIDFromContext(ctx context.Context) (string, bool) {
	if sid, ok := ctx.Value(sessionKey).(string); ok && sid != "" {
		return sid, true
	}
	return "", false
}
