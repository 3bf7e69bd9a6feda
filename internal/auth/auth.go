package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/danielloader/registryproxy/internal/proxyerr"
)

// Mint signs claims as an HS256 bearer token using secret. It is what an
// out-of-scope CLI helper would call to produce fixture tokens for an
// operator, and what tests use directly.
func Mint(claims Claims, secret string) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify checks tokenString's HS256 signature against secret and decodes its
// claims. A token that omits "exp" is accepted and never expires on its own;
// one with an expired "exp" is rejected by the library's default validator.
// Any failure is returned as a proxyerr.Unauthorized.
func Verify(tokenString, secret string) (Claims, error) {
	var claims Claims
	tok, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Method.Alg())
		}
		return []byte(secret), nil
	})
	if err != nil {
		return Claims{}, proxyerr.Unauthorizedf("Invalid token: %v", err)
	}
	if !tok.Valid {
		return Claims{}, proxyerr.Unauthorizedf("Invalid token")
	}
	return claims, nil
}

// CheckRepositoryAccess reports a Forbidden error if claims' access
// predicate does not grant access to repository, nil otherwise.
func CheckRepositoryAccess(claims Claims, repository string) error {
	if !claims.Access.CanAccess(repository) {
		return proxyerr.Forbiddenf("Access denied to repository: %s", repository)
	}
	return nil
}

type contextKey int

const claimsContextKey contextKey = iota

// bearerPrefix is matched literally and case-sensitively, per the scheme's
// single-space "Bearer " prefix — not "bearer " or "Bearer  ".
const bearerPrefix = "Bearer "

// Middleware extracts and verifies the Authorization header on every
// request it wraps, attaching the verified Claims to the request context on
// success. On failure it writes the standard error envelope itself and does
// not call the wrapped handler.
func Middleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, bearerPrefix) {
				proxyerr.Unauthorizedf("Invalid token: missing bearer token").WriteJSON(w)
				return
			}
			tokenString := strings.TrimPrefix(header, bearerPrefix)

			claims, err := Verify(tokenString, secret)
			if err != nil {
				proxyerr.WriteErrorJSON(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// FromContext returns the Claims attached by Middleware. It panics if called
// on a request that did not pass through Middleware — a handler reaching
// into the context without the middleware in front of it is a wiring bug.
func FromContext(ctx context.Context) Claims {
	claims, ok := ctx.Value(claimsContextKey).(Claims)
	if !ok {
		panic("auth: Claims missing from context; Middleware not installed")
	}
	return claims
}
