// Copyright 2026 Sattyam Jain
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth resolves bearer credentials to tenants. Two credential
// shapes are accepted: static tokens configured at startup (compared in
// constant time) and HS256 JWTs carrying a tenant_id claim.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
)

type identityKey struct{}

// Identity is the resolved caller. Every store query downstream is
// scoped to TenantID.
type Identity struct {
	TenantID string
	Subject  string
	Method   string // "static" or "jwt"
}

// ContextWithIdentity attaches the caller identity to ctx.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext extracts the caller identity, if any.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok
}

// StaticToken maps one pre-shared token to a tenant.
type StaticToken struct {
	Token    string
	TenantID string
}

// Authenticator verifies bearer credentials.
type Authenticator struct {
	static    []StaticToken
	jwtSecret []byte
}

// New builds an authenticator. jwtSecret may be empty, in which case
// only static tokens are accepted.
func New(static []StaticToken, jwtSecret []byte) *Authenticator {
	return &Authenticator{static: static, jwtSecret: jwtSecret}
}

// Authenticate resolves the request's bearer credential to an identity.
func (a *Authenticator) Authenticate(r *http.Request) (*Identity, error) {
	token, err := extractBearer(r)
	if err != nil {
		return nil, err
	}
	return a.Verify(token)
}

// Verify resolves a raw bearer token. Static tokens are checked first;
// anything that is not a static token is treated as a JWT.
func (a *Authenticator) Verify(token string) (*Identity, error) {
	// Scan every static token with a constant-time compare so a
	// near-miss costs the same as a full miss.
	var matched *StaticToken
	for i := range a.static {
		if subtle.ConstantTimeCompare([]byte(token), []byte(a.static[i].Token)) == 1 {
			matched = &a.static[i]
		}
	}
	if matched != nil {
		return &Identity{TenantID: matched.TenantID, Subject: "static", Method: "static"}, nil
	}
	if len(a.jwtSecret) == 0 {
		return nil, &errors.UnauthorizedError{Reason: "unknown token"}
	}
	return a.verifyJWT(token)
}

// claims is the JWT payload the control plane accepts.
type claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

func (a *Authenticator) verifyJWT(token string) (*Identity, error) {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		return a.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, &errors.UnauthorizedError{Reason: "invalid token"}
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || c.TenantID == "" {
		return nil, &errors.UnauthorizedError{Reason: "token carries no tenant"}
	}
	return &Identity{TenantID: c.TenantID, Subject: c.Subject, Method: "jwt"}, nil
}

// IssueJWT mints an HS256 service token for tenantID, valid for ttl.
// Used by fdctl token issuance and by tests.
func (a *Authenticator) IssueJWT(tenantID, subject string, ttl time.Duration) (string, error) {
	if len(a.jwtSecret) == 0 {
		return "", &errors.ConfigError{Key: "FD_JWT_SECRET", Reason: "no signing secret configured"}
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := token.SignedString(a.jwtSecret)
	if err != nil {
		return "", &errors.FatalError{Op: "sign token", Cause: err}
	}
	return signed, nil
}

// extractBearer pulls the token out of the Authorization header. The
// scheme is case-insensitive per RFC 6750.
func extractBearer(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", &errors.UnauthorizedError{Reason: "missing Authorization header"}
	}
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", &errors.UnauthorizedError{Reason: "expected Bearer scheme"}
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", &errors.UnauthorizedError{Reason: "empty bearer token"}
	}
	return token, nil
}
