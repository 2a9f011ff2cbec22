// Copyright 2026 The MemoGarden Authors
// SPDX-License-Identifier: Apache-2.0

package refresh

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/memogarden/hacm/lib/clock"
	"github.com/memogarden/hacm/lib/secret"
)

// ErrNoToken: no live access token is cached for the ID.
var ErrNoToken = errors.New("no cached access token")

// TokenCache holds short-lived access tokens obtained as a side
// effect of refresh. Tokens live in mmap-backed secret buffers for
// the process lifetime and are never handed to the store — persisting
// an access token would outlive its validity and widen the blast
// radius of a file compromise.
type TokenCache struct {
	mu     sync.Mutex
	clock  clock.Clock
	tokens map[string]*cachedToken
	closed bool
}

type cachedToken struct {
	value  *secret.Buffer
	expiry time.Time
}

// NewTokenCache creates an empty cache. Pass clock.Real() outside
// tests.
func NewTokenCache(clk clock.Clock) *TokenCache {
	if clk == nil {
		clk = clock.Real()
	}
	return &TokenCache{
		clock:  clk,
		tokens: make(map[string]*cachedToken),
	}
}

// Put caches an access token for id until expiry. The token bytes are
// moved into protected memory and the source slice is zeroed. Any
// previously cached token for the same id is wiped first.
func (t *TokenCache) Put(id string, token []byte, expiry time.Time) error {
	if len(token) == 0 {
		return fmt.Errorf("empty access token for %q", id)
	}

	buffer, err := secret.FromBytes(token)
	if err != nil {
		return fmt.Errorf("protecting access token for %q: %w", id, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		buffer.Close()
		return fmt.Errorf("token cache is closed")
	}
	if existing, ok := t.tokens[id]; ok {
		existing.value.Close()
	}
	t.tokens[id] = &cachedToken{value: buffer, expiry: expiry}
	return nil
}

// Use invokes fn with the live token for id. The token bytes are
// borrowed — fn must not retain them. Expired tokens are wiped on
// access and reported as ErrNoToken.
func (t *TokenCache) Use(id string, fn func(token []byte) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("token cache is closed")
	}
	cached, ok := t.tokens[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoToken, id)
	}
	if !cached.expiry.After(t.clock.Now()) {
		cached.value.Close()
		delete(t.tokens, id)
		return fmt.Errorf("%w: %q (expired)", ErrNoToken, id)
	}
	return fn(cached.value.Bytes())
}

// Drop wipes the cached token for id, if any.
func (t *TokenCache) Drop(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cached, ok := t.tokens[id]; ok {
		cached.value.Close()
		delete(t.tokens, id)
	}
}

// Close wipes every cached token. Part of process shutdown.
// Idempotent.
func (t *TokenCache) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	for id, cached := range t.tokens {
		cached.value.Close()
		delete(t.tokens, id)
	}
}
