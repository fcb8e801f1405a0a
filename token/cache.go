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
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachingProvider wraps a Provider with an LRU cache keyed on audience
// plus claims, skipping the wrapped provider's round-trip whenever a
// still-valid token is already cached (spec_full §3.3). It does not
// change Authenticate's contract: callers who want caching install
// one of these as their Provider, nothing in package cbs assumes it.
type CachingProvider struct {
	Inner Provider
	// Skew is subtracted from a cached token's Expiry to decide whether
	// it is still usable; it defaults to zero (use until actual expiry)
	// if unset.
	Skew time.Duration

	mu    sync.Mutex
	cache *lru.Cache[string, Info]
}

// NewCachingProvider wraps inner with an LRU cache of the given size.
func NewCachingProvider(inner Provider, size int, skew time.Duration) (*CachingProvider, error) {
	c, err := lru.New[string, Info](size)
	if err != nil {
		return nil, err
	}
	return &CachingProvider{Inner: inner, Skew: skew, cache: c}, nil
}

// GetToken implements Provider.
func (p *CachingProvider) GetToken(ctx context.Context, audience string, claims []string, duration time.Duration) (Info, error) {
	key := cacheKey(audience, claims)

	p.mu.Lock()
	if info, ok := p.cache.Get(key); ok {
		if time.Now().UTC().Before(info.Expiry.Add(-p.Skew)) {
			p.mu.Unlock()
			return info, nil
		}
		p.cache.Remove(key)
	}
	p.mu.Unlock()

	info, err := p.Inner.GetToken(ctx, audience, claims, duration)
	if err != nil {
		return Info{}, err
	}

	p.mu.Lock()
	p.cache.Add(key, info)
	p.mu.Unlock()

	return info, nil
}

func cacheKey(audience string, claims []string) string {
	return audience + "\x00" + strings.Join(claims, "\x00")
}
