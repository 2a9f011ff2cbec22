// Copyright 2026 The MemoGarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package refresh coordinates credential refresh on top of the store.
// It owns none of the actual token exchange — the caller supplies a
// RefreshFunc that talks to the OAuth or service-account endpoint —
// and guarantees that no matter how many callers notice an expiring
// credential at once, the exchange runs exactly once per credential
// ID and every caller shares that one result.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/memogarden/hacm/lib/clock"
	"github.com/memogarden/hacm/lib/store"
)

// RefreshFunc performs the actual token exchange for one credential.
// It receives the currently stored credential and returns its
// replacement. The context carries the coordinator's per-flight
// timeout; implementations must honor cancellation.
type RefreshFunc func(ctx context.Context, current store.Credential) (store.Credential, error)

var (
	// ErrNotFound: the credential ID is not in the store.
	ErrNotFound = errors.New("credential not found")

	// ErrRefreshTimeout: the refresh exceeded the configured timeout.
	// The store is untouched and the ID is idle again; there is no
	// automatic retry.
	ErrRefreshTimeout = errors.New("refresh timed out")

	// ErrRefreshFailed wraps an error returned by the RefreshFunc.
	// Scoped to the one credential ID; the store is untouched.
	ErrRefreshFailed = errors.New("refresh failed")
)

// Options configures a Coordinator.
type Options struct {
	// Lookahead is how far before expiry NeedsRefresh starts
	// reporting true. Defaults to 5 minutes.
	Lookahead time.Duration

	// Timeout bounds each RefreshFunc invocation. Defaults to 30
	// seconds.
	Timeout time.Duration

	// Clock drives expiry checks. Defaults to clock.Real(). Flight
	// timeouts run on the real clock regardless (context deadlines
	// cannot be driven by a fake clock).
	Clock clock.Clock

	// Logger receives refresh_started / refresh_completed /
	// refresh_failed events. Defaults to slog.Default().
	Logger *slog.Logger
}

// Coordinator serializes refreshes per credential ID. Different IDs
// refresh independently; within one ID at most one RefreshFunc is in
// flight, and concurrent callers block until it resolves.
type Coordinator struct {
	store     *store.Store
	lookahead time.Duration
	timeout   time.Duration
	clock     clock.Clock
	logger    *slog.Logger

	mu       sync.Mutex
	inflight map[string]*flight
}

// flight is the in-flight marker for one credential ID. Waiters block
// on done; the leader fills credential/err before closing it.
type flight struct {
	done       chan struct{}
	credential store.Credential
	err        error
}

// New creates a Coordinator over the given store.
func New(credentialStore *store.Store, options Options) *Coordinator {
	if options.Lookahead <= 0 {
		options.Lookahead = 5 * time.Minute
	}
	if options.Timeout <= 0 {
		options.Timeout = 30 * time.Second
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &Coordinator{
		store:     credentialStore,
		lookahead: options.Lookahead,
		timeout:   options.Timeout,
		clock:     options.Clock,
		logger:    options.Logger,
		inflight:  make(map[string]*flight),
	}
}

// NeedsRefresh reports whether the credential's expiry falls inside
// the lookahead window. Non-expiring credentials never need refresh.
func (c *Coordinator) NeedsRefresh(id string) (bool, error) {
	credential, ok, err := c.store.Get(id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return credential.ExpiresWithin(c.clock.Now(), c.lookahead), nil
}

// Refresh runs fn for the credential — unless a refresh for the same
// ID is already in flight, in which case the caller blocks until that
// flight resolves and receives its result without triggering a second
// exchange. On success the refreshed credential is persisted through
// the store before anyone observes it. On failure or timeout the
// store is untouched and every waiter receives the same error.
//
// The caller's context cancels only that caller's wait, not the
// flight itself.
func (c *Coordinator) Refresh(ctx context.Context, id string, fn RefreshFunc) (store.Credential, error) {
	c.mu.Lock()
	if existing, ok := c.inflight[id]; ok {
		c.mu.Unlock()
		select {
		case <-existing.done:
			return existing.credential, existing.err
		case <-ctx.Done():
			return store.Credential{}, ctx.Err()
		}
	}

	leader := &flight{done: make(chan struct{})}
	c.inflight[id] = leader
	c.mu.Unlock()

	credential, err := c.lead(ctx, id, fn)

	leader.credential = credential
	leader.err = err

	c.mu.Lock()
	delete(c.inflight, id)
	c.mu.Unlock()
	close(leader.done)

	return credential, err
}

// lead runs the one RefreshFunc invocation for a flight.
func (c *Coordinator) lead(ctx context.Context, id string, fn RefreshFunc) (store.Credential, error) {
	current, ok, err := c.store.Get(id)
	if err != nil {
		return store.Credential{}, err
	}
	if !ok {
		return store.Credential{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	c.logger.Info("refresh_started", "id", id)

	flightCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type outcome struct {
		credential store.Credential
		err        error
	}
	outcomeCh := make(chan outcome, 1)
	go func() {
		credential, err := fn(flightCtx, current)
		outcomeCh <- outcome{credential, err}
	}()

	var refreshed store.Credential
	select {
	case result := <-outcomeCh:
		if result.err != nil {
			failure := fmt.Errorf("%w: %w", ErrRefreshFailed, result.err)
			if errors.Is(result.err, context.DeadlineExceeded) && flightCtx.Err() != nil {
				failure = fmt.Errorf("%w after %s", ErrRefreshTimeout, c.timeout)
			}
			c.logger.Warn("refresh_failed", "id", id, "kind", failureKind(failure))
			return store.Credential{}, failure
		}
		refreshed = result.credential

	case <-flightCtx.Done():
		// The exchange is still running but its context is cancelled;
		// a well-behaved fn returns soon. The flight resolves now so
		// waiters are not held hostage.
		if errors.Is(flightCtx.Err(), context.DeadlineExceeded) {
			failure := fmt.Errorf("%w after %s", ErrRefreshTimeout, c.timeout)
			c.logger.Warn("refresh_failed", "id", id, "kind", "refresh_timeout")
			return store.Credential{}, failure
		}
		return store.Credential{}, ctx.Err()
	}

	if err := c.store.Put(id, refreshed); err != nil {
		c.logger.Warn("refresh_failed", "id", id, "kind", store.FailureKind(err))
		return store.Credential{}, err
	}

	// Return the stored form: Put stamped CreatedAt/UpdatedAt.
	stored, _, err := c.store.Get(id)
	if err != nil {
		return store.Credential{}, err
	}
	c.logger.Info("refresh_completed", "id", id)
	return stored, nil
}

func failureKind(err error) string {
	if errors.Is(err, ErrRefreshTimeout) {
		return "refresh_timeout"
	}
	return "refresh_failed"
}
