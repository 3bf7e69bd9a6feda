// Package auth implements the proxy's bearer-token scheme: HS256-signed
// claims carrying either wildcard or prefix-scoped repository access, the
// HTTP middleware that verifies them, and the per-handler access check.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessType discriminates the two shapes an access predicate can take.
type AccessType string

const (
	// AccessAll grants access to every repository.
	AccessAll AccessType = "all"
	// AccessRepositories grants access to repositories matching one of a
	// list of prefix patterns.
	AccessRepositories AccessType = "repositories"
)

// Access is the tagged-variant access predicate carried in a token's
// "access" claim.
type Access struct {
	Type  AccessType `json:"type"`
	Repos []string   `json:"repos,omitempty"`
}

// CanAccess reports whether this predicate grants access to repository.
// Under AccessAll it is always true. Under AccessRepositories, it is true
// iff some pattern p satisfies repository == p or
// repository.startswith(p + "/") — the trailing-slash check is required so
// that a pattern "team/app" does not also grant "team/app-private".
func (a Access) CanAccess(repository string) bool {
	if a.Type == AccessAll {
		return true
	}
	for _, p := range a.Repos {
		if repository == p || hasPrefixThenSlash(repository, p) {
			return true
		}
	}
	return false
}

func hasPrefixThenSlash(repository, prefix string) bool {
	if len(repository) <= len(prefix) {
		return false
	}
	return repository[:len(prefix)] == prefix && repository[len(prefix)] == '/'
}

// Claims is the full set of claims carried in a proxy-issued bearer token.
// Expiry is optional: a token that omits it never expires. It implements
// jwt.Claims directly so it can be used with golang-jwt's ParseWithClaims
// and NewWithClaims without an intermediate wire type.
type Claims struct {
	Subject string `json:"sub"`
	Expiry  *int64 `json:"exp,omitempty"`
	Access  Access `json:"access"`
}

func (c Claims) GetExpirationTime() (*jwt.NumericDate, error) {
	if c.Expiry == nil {
		return nil, nil
	}
	return jwt.NewNumericDate(time.Unix(*c.Expiry, 0)), nil
}
func (c Claims) GetIssuedAt() (*jwt.NumericDate, error)  { return nil, nil }
func (c Claims) GetNotBefore() (*jwt.NumericDate, error) { return nil, nil }
func (c Claims) GetIssuer() (string, error)              { return "", nil }
func (c Claims) GetSubject() (string, error)              { return c.Subject, nil }
func (c Claims) GetAudience() (jwt.ClaimStrings, error)   { return nil, nil }
