// Copyright 2026 The MemoGarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds sensitive material — derived encryption keys,
// decrypted credential payloads, operator passphrases — in memory that
// the rest of the process cannot accidentally leak.
//
// A Buffer is backed by an anonymous mmap region outside the Go heap:
// mlock'd so it never reaches swap, marked MADV_DONTDUMP so it never
// reaches a core dump, and zeroed before the mapping is released. The
// garbage collector never sees the region, so the secret is never
// copied or relocated behind the caller's back.
//
// Close a Buffer on every exit path, including error paths and
// signal-triggered shutdown. After Close the contents are gone; reads
// panic rather than returning stale or zeroed data.
package secret
