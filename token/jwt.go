// Copyright 2025 Morgridge Institute for Research
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

package token

import (
	"context"
	"crypto/rsa"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// jwtClaims mirrors the SciToken claim shape the teacher parses in
// security/scitoken_auth.go: subject, audience, a space-joined scope
// string carrying the requested claims, and the registered timing
// fields.
type jwtClaims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// JWTProvider mints a signed JWT bearer token per request. It signs
// with HS256 against SigningKey if set, otherwise with RS256 against
// SigningRSAKey.
type JWTProvider struct {
	// Issuer is placed in the "iss" claim of every minted token.
	Issuer string
	// SigningKey selects HS256 signing when non-nil.
	SigningKey []byte
	// SigningRSAKey selects RS256 signing when SigningKey is nil.
	SigningRSAKey *rsa.PrivateKey
	// KeyID is placed in the JWT header's "kid" field when non-empty.
	KeyID string
}

// GetToken implements Provider.
func (p *JWTProvider) GetToken(ctx context.Context, audience string, claims []string, duration time.Duration) (Info, error) {
	if p.SigningKey == nil && p.SigningRSAKey == nil {
		return Info{}, errors.New("amqpcbs/token: JWTProvider has no signing key configured")
	}

	now := time.Now().UTC()
	expiry := now.Add(duration)
	registered := jwtClaims{
		Scope: strings.Join(claims, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.Issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}

	var method jwt.SigningMethod = jwt.SigningMethodRS256
	var key any = p.SigningRSAKey
	if p.SigningKey != nil {
		method = jwt.SigningMethodHS256
		key = p.SigningKey
	}

	tok := jwt.NewWithClaims(method, registered)
	if p.KeyID != "" {
		tok.Header["kid"] = p.KeyID
	}

	signed, err := tok.SignedString(key)
	if err != nil {
		return Info{}, errors.Wrap(err, "amqpcbs/token: signing JWT")
	}

	return Info{
		Token:  signed,
		Type:   "jwt",
		Expiry: expiry,
	}, nil
}
