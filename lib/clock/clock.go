// Copyright 2026 The MemoGarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction. Production
// code takes a Clock instead of calling the time package directly;
// tests inject Fake() and advance time deterministically. Expiry
// lookahead windows and refresh timeouts are the consumers here —
// neither is testable against the wall clock.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock abstracts the time operations the credential manager uses.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once duration d has
	// elapsed. Equivalent to time.After. If d <= 0 the channel
	// receives immediately.
	After(d time.Duration) <-chan time.Time
}

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Fake returns a FakeClock pinned to the given time. Time stands still
// until Advance is called. Safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// FakeClock is a deterministic Clock for tests. After-waiters fire in
// deadline order when Advance moves the clock past their deadline.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	channel  chan time.Time
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After registers a waiter that fires when the clock advances past
// its deadline. If d <= 0 the channel receives immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}
	c.waiters = append(c.waiters, &fakeWaiter{
		deadline: c.current.Add(d),
		channel:  channel,
	})
	return channel
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline has been reached, in deadline order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = c.current.Add(d)

	sort.SliceStable(c.waiters, func(i, j int) bool {
		return c.waiters[i].deadline.Before(c.waiters[j].deadline)
	})

	remaining := c.waiters[:0]
	for _, waiter := range c.waiters {
		if waiter.deadline.After(c.current) {
			remaining = append(remaining, waiter)
			continue
		}
		waiter.channel <- waiter.deadline
	}
	c.waiters = remaining
}
