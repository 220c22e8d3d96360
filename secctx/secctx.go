// Package secctx gives cube authors a concrete, ready-to-use
// cube.SecurityContext: a decoded JWT claim set. The core never imports
// this package itself (cube.SecurityContext is an opaque interface the
// embedding application supplies per spec §6) — it exists so an embedder
// has a realistic starting point instead of hand-rolling tenant-claim
// parsing, the way the reporting framework's AuthMiddleware
// (internal/middleware/auth.go) decodes a bearer token before handlers run.
package secctx

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cliftonc/drizzle-cube-sub010/cube"
)

// Claims is the JWT claim set a JWTSecurityContext is built from. OrgID
// becomes TenantID(); the remaining claims are available to cubes that
// need more than tenant scoping (e.g. a role-based security predicate).
type Claims struct {
	jwt.RegisteredClaims
	OrgID string `json:"org_id"`
	Role  string `json:"role"`
}

// JWTSecurityContext implements cube.SecurityContext by reading a decoded
// JWT's org_id claim.
type JWTSecurityContext struct {
	claims Claims
}

var _ cube.SecurityContext = JWTSecurityContext{}

func (c JWTSecurityContext) TenantID() string { return c.claims.OrgID }
func (c JWTSecurityContext) Role() string     { return c.claims.Role }
func (c JWTSecurityContext) Subject() string  { return c.claims.Subject }

// ParseJWT validates tokenString against secret and returns the resulting
// JWTSecurityContext, following the same jwt.Parse-with-keyfunc shape as
// the reporting framework's validateJWT.
func ParseJWT(tokenString string, secret []byte) (JWTSecurityContext, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("secctx: unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return JWTSecurityContext{}, fmt.Errorf("secctx: parse jwt: %w", err)
	}
	if !token.Valid {
		return JWTSecurityContext{}, fmt.Errorf("secctx: invalid token")
	}
	return JWTSecurityContext{claims: claims}, nil
}

// StaticSecurityContext is a fixed-tenant cube.SecurityContext for demos,
// tests, and embedding applications that already resolve tenancy upstream
// and just need to satisfy the interface.
type StaticSecurityContext string

func (s StaticSecurityContext) TenantID() string { return string(s) }
