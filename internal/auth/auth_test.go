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

package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
)

var secret = []byte("test-signing-secret")

func newTestAuthenticator() *Authenticator {
	return New([]StaticToken{
		{Token: "tok-acme", TenantID: "acme"},
		{Token: "tok-globex", TenantID: "globex"},
	}, secret)
}

func TestStaticTokenResolvesTenant(t *testing.T) {
	a := newTestAuthenticator()
	id, err := a.Verify("tok-globex")
	if err != nil {
		t.Fatal(err)
	}
	if id.TenantID != "globex" || id.Method != "static" {
		t.Errorf("identity = %+v", id)
	}
}

func TestUnknownTokenRejected(t *testing.T) {
	a := newTestAuthenticator()
	if _, err := a.Verify("tok-acme-x"); !errors.IsUnauthorized(err) {
		t.Errorf("Verify = %v, want UnauthorizedError", err)
	}
}

func TestJWTRoundTrip(t *testing.T) {
	a := newTestAuthenticator()
	token, err := a.IssueJWT("acme", "ci-bot", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	id, err := a.Verify(token)
	if err != nil {
		t.Fatal(err)
	}
	if id.TenantID != "acme" || id.Subject != "ci-bot" || id.Method != "jwt" {
		t.Errorf("identity = %+v", id)
	}
}

func TestExpiredJWTRejected(t *testing.T) {
	a := newTestAuthenticator()
	token, err := a.IssueJWT("acme", "ci-bot", -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Verify(token); !errors.IsUnauthorized(err) {
		t.Errorf("expired token = %v, want UnauthorizedError", err)
	}
}

func TestJWTWrongSecretRejected(t *testing.T) {
	other := New(nil, []byte("a-different-secret"))
	token, err := other.IssueJWT("acme", "svc", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	a := newTestAuthenticator()
	if _, err := a.Verify(token); !errors.IsUnauthorized(err) {
		t.Errorf("cross-secret token = %v, want UnauthorizedError", err)
	}
}

func TestJWTWithoutTenantRejected(t *testing.T) {
	raw := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "svc",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	token, err := raw.SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}
	a := newTestAuthenticator()
	if _, err := a.Verify(token); !errors.IsUnauthorized(err) {
		t.Errorf("tenantless token = %v, want UnauthorizedError", err)
	}
}

func TestAlgorithmConfusionRejected(t *testing.T) {
	// alg=none must never validate, even with a well-formed payload.
	raw := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"tenant_id": "acme",
		"exp":       time.Now().Add(time.Hour).Unix(),
	})
	token, err := raw.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	a := newTestAuthenticator()
	if _, err := a.Verify(token); !errors.IsUnauthorized(err) {
		t.Errorf("alg=none token = %v, want UnauthorizedError", err)
	}
}

func TestAuthenticateHeaderParsing(t *testing.T) {
	a := newTestAuthenticator()
	tests := []struct {
		name   string
		header string
		tenant string
		ok     bool
	}{
		{"standard", "Bearer tok-acme", "acme", true},
		{"lowercase scheme", "bearer tok-acme", "acme", true},
		{"missing header", "", "", false},
		{"wrong scheme", "Basic dXNlcg==", "", false},
		{"empty token", "Bearer   ", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/v1/workflows", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			id, err := a.Authenticate(r)
			if tt.ok {
				if err != nil || id.TenantID != tt.tenant {
					t.Errorf("Authenticate = %+v, %v", id, err)
				}
				return
			}
			if !errors.IsUnauthorized(err) {
				t.Errorf("Authenticate = %v, want UnauthorizedError", err)
			}
		})
	}
}
