// SPDX-License-Identifier: AGPL-3.0
// Copyright 2026 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth provides bearer JWT authentication for the HTTP surface.
// Tokens verify against a provider JWKS endpoint (auto-refreshed to
// survive key rotation) or an HS256 shared secret for simple deployments.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Claims are the verified identity attached to a request.
type Claims struct {
	Subject string
	Email   string
	Role    string
	Custom  map[string]interface{}
}

// Validator verifies bearer tokens.
type Validator struct {
	jwksURL  string
	cache    *jwk.Cache
	secret   []byte
	issuer   string
	audience string
}

// NewJWKSValidator verifies against a provider's JWKS endpoint. The key
// set is cached and refreshed every 15 minutes.
func NewJWKSValidator(jwksURL, issuer, audience string) (*Validator, error) {
	ctx := context.Background()

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", jwksURL, err)
	}

	return &Validator{
		jwksURL:  jwksURL,
		cache:    cache,
		issuer:   issuer,
		audience: audience,
	}, nil
}

// NewSecretValidator verifies HS256 tokens signed with a shared secret.
func NewSecretValidator(secret, issuer, audience string) (*Validator, error) {
	if secret == "" {
		return nil, fmt.Errorf("shared secret cannot be empty")
	}
	return &Validator{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
	}, nil
}

// ValidateToken checks signature, expiry, issuer and audience.
func (v *Validator) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	opts := []jwt.ParseOption{jwt.WithValidate(true)}

	if v.cache != nil {
		keyset, err := v.cache.Get(ctx, v.jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get JWKS: %w", err)
		}
		opts = append(opts, jwt.WithKeySet(keyset))
	} else {
		opts = append(opts, jwt.WithKey(jwa.HS256, v.secret))
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.Parse([]byte(tokenString), opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims := &Claims{
		Subject: token.Subject(),
		Custom:  make(map[string]interface{}),
	}
	if email, ok := token.Get("email"); ok {
		if s, ok := email.(string); ok {
			claims.Email = s
		}
	}
	if role, ok := token.Get("role"); ok {
		if s, ok := role.(string); ok {
			claims.Role = s
		}
	}
	for iter := token.Iterate(ctx); iter.Next(ctx); {
		pair := iter.Pair()
		key, _ := pair.Key.(string)
		switch key {
		case "sub", "email", "role", "iss", "aud", "exp", "iat", "nbf":
		default:
			claims.Custom[key] = pair.Value
		}
	}

	return claims, nil
}
