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
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestJWTProviderSignsAndExpires(t *testing.T) {
	p := &JWTProvider{Issuer: "amqpcbs-test", SigningKey: []byte("super-secret-key")}

	info, err := p.GetToken(context.Background(), "http://h/q", []string{"Send", "Listen"}, 2*time.Minute)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if info.Type != "jwt" {
		t.Errorf("Type = %q, want jwt", info.Type)
	}

	parsed, err := jwt.ParseWithClaims(info.Token, &jwtClaims{}, func(tok *jwt.Token) (any, error) {
		return []byte("super-secret-key"), nil
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	claims := parsed.Claims.(*jwtClaims)
	if claims.Scope != "Send Listen" {
		t.Errorf("scope = %q, want %q", claims.Scope, "Send Listen")
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != "http://h/q" {
		t.Errorf("audience = %v", claims.Audience)
	}
}

func TestJWTProviderMissingKey(t *testing.T) {
	p := &JWTProvider{}
	_, err := p.GetToken(context.Background(), "aud", nil, time.Minute)
	if err == nil {
		t.Fatal("expected error with no signing key configured")
	}
}

func TestSASProviderShape(t *testing.T) {
	p := &SASProvider{KeyName: "RootManageSharedAccessKey", SharedAccessKey: []byte("dGVzdGtleQ==")}
	info, err := p.GetToken(context.Background(), "http://h/q", []string{"Send"}, time.Hour)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if !strings.HasPrefix(info.Token, "SharedAccessSignature ") {
		t.Errorf("token = %q, missing prefix", info.Token)
	}
	for _, want := range []string{"sr=", "sig=", "se=", "skn=RootManageSharedAccessKey"} {
		if !strings.Contains(info.Token, want) {
			t.Errorf("token %q missing %q", info.Token, want)
		}
	}
}

func TestSASProviderDeterministicForSameInputs(t *testing.T) {
	p := &SASProvider{KeyName: "k", SharedAccessKey: []byte("key-material")}
	a, err := p.derive()
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.derive()
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Error("derive() is not deterministic for identical input key")
	}
}

func TestCachingProviderAvoidsRedundantCalls(t *testing.T) {
	calls := 0
	inner := ProviderFunc(func(ctx context.Context, audience string, claims []string, duration time.Duration) (Info, error) {
		calls++
		return Info{Token: "tok", Type: "jwt", Expiry: time.Now().UTC().Add(duration)}, nil
	})

	cached, err := NewCachingProvider(inner, 8, 0)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		if _, err := cached.GetToken(context.Background(), "aud", []string{"Send"}, time.Hour); err != nil {
			t.Fatal(err)
		}
	}
	if calls != 1 {
		t.Errorf("inner provider called %d times, want 1", calls)
	}

	if _, err := cached.GetToken(context.Background(), "other-aud", []string{"Send"}, time.Hour); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("inner provider called %d times after new audience, want 2", calls)
	}
}

func TestCachingProviderRefetchesAfterExpirySkew(t *testing.T) {
	calls := 0
	inner := ProviderFunc(func(ctx context.Context, audience string, claims []string, duration time.Duration) (Info, error) {
		calls++
		return Info{Token: "tok", Type: "jwt", Expiry: time.Now().UTC().Add(10 * time.Millisecond)}, nil
	})

	cached, err := NewCachingProvider(inner, 8, time.Hour) // skew larger than the token's lifetime
	if err != nil {
		t.Fatal(err)
	}

	if _, err := cached.GetToken(context.Background(), "aud", nil, time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, err := cached.GetToken(context.Background(), "aud", nil, time.Hour); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("expected a refetch once skew eats into the cached token's validity, got %d calls", calls)
	}
}
