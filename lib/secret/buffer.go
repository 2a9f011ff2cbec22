// Copyright 2026 The MemoGarden Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Buffer is a fixed-size container for secret bytes, backed by mmap
// memory outside the Go heap. The region is locked against swap and
// excluded from core dumps. Close zeroes the contents and releases
// the mapping; afterwards any read panics.
//
// A Buffer must not be copied after creation.
type Buffer struct {
	mu     sync.Mutex
	region []byte
	size   int
	closed bool
}

// New allocates a zero-initialized Buffer of the given size. The
// caller owns the Buffer and must Close it when the secret is no
// longer needed.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: buffer size must be positive, got %d", size)
	}

	region, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap failed: %w", err)
	}

	if err := unix.Mlock(region); err != nil {
		unix.Munmap(region)
		return nil, fmt.Errorf("secret: mlock failed: %w", err)
	}

	// MADV_DONTDUMP keeps the region out of core dumps. Kernels that
	// do not support it would leave the secret dumpable, so treat the
	// failure as fatal rather than degrading silently.
	if err := unix.Madvise(region, unix.MADV_DONTDUMP); err != nil {
		unix.Munlock(region)
		unix.Munmap(region)
		return nil, fmt.Errorf("secret: madvise(MADV_DONTDUMP) failed: %w", err)
	}

	return &Buffer{region: region, size: size}, nil
}

// FromBytes moves existing secret bytes into a protected Buffer. The
// source slice is zeroed in place, so after a successful return the
// Buffer holds the only copy.
func FromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("secret: cannot create buffer from empty source")
	}

	buffer, err := New(len(source))
	if err != nil {
		return nil, err
	}

	copy(buffer.region, source)
	Zero(source)

	return buffer, nil
}

// Bytes returns the secret contents. The slice aliases the mmap region
// directly: do not retain it past the Buffer's lifetime, and do not
// pass it to code that may keep a reference. Panics after Close.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		panic("secret: read from closed buffer")
	}
	return b.region[:b.size]
}

// String returns the contents as a string. Go strings are immutable
// heap allocations, so the copy escapes the protected region and
// cannot be wiped — use only at API boundaries that require a string,
// and prefer Bytes everywhere else. Panics after Close.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		panic("secret: read from closed buffer")
	}
	return string(b.region[:b.size])
}

// Len returns the buffer size in bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Close zeroes the contents, unlocks, and unmaps the region.
// Idempotent. After Close, Bytes and String panic.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	Zero(b.region)

	// munlock/munmap failures leave the region to be reclaimed at
	// process exit; the contents are already zeroed either way.
	var firstError error
	if err := unix.Munlock(b.region); err != nil {
		firstError = fmt.Errorf("secret: munlock failed: %w", err)
	}
	if err := unix.Munmap(b.region); err != nil && firstError == nil {
		firstError = fmt.Errorf("secret: munmap failed: %w", err)
	}

	b.region = nil
	return firstError
}
