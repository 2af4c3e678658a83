// Package identity resolves the authenticated user behind a request.
// Authentication itself is an external concern; this package only
// verifies bearer tokens minted by it.
package identity

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/parley/messenger/internal/errs"
)

// Resolver verifies HS256 bearer tokens and extracts the user id.
type Resolver struct {
	secret []byte
}

// NewResolver creates a resolver for the given signing secret.
func NewResolver(secret string) *Resolver {
	return &Resolver{secret: []byte(secret)}
}

// FromRequest resolves the user id from the request's Authorization
// header. Missing or invalid credentials yield an Unauthorized error.
func (r *Resolver) FromRequest(req *http.Request) (string, error) {
	header := req.Header.Get("Authorization")
	if header == "" {
		// Browsers cannot set headers on EventSource requests, so the
		// push endpoints also accept the token as a query parameter.
		if token := req.URL.Query().Get("token"); token != "" {
			return r.Resolve(token)
		}
		return "", errs.New(errs.Unauthorized, "missing credentials")
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", errs.New(errs.Unauthorized, "malformed authorization header")
	}
	return r.Resolve(token)
}

// Resolve verifies a raw token string and returns the user id it names.
func (r *Resolver) Resolve(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errs.Newf(errs.Unauthorized, "unexpected signing method %v", t.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", errs.Wrap(errs.Unauthorized, "invalid token", err)
	}

	subject, err := parsed.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", errs.New(errs.Unauthorized, "token has no subject")
	}
	return subject, nil
}

// Mint creates a signed token for userID. Used by the demo client and
// tests; production tokens come from the auth service.
func (r *Resolver) Mint(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(r.secret)
	if err != nil {
		return "", errs.Wrap(errs.Internal, "sign token", err)
	}
	return signed, nil
}
