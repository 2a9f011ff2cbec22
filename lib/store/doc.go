// Copyright 2026 The MemoGarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package store owns the encrypted credential file and its in-memory
// mirror. One Store holds the complete decrypted credential set for
// the process lifetime: Load decrypts the single on-disk blob, Get
// and List read from memory without touching disk, and every Put or
// Delete synchronously re-encrypts and atomically replaces the whole
// file before returning. There is no dirty state — a mutating call
// either produces a new durable snapshot or fails leaving the prior
// snapshot authoritative, in memory and on disk.
//
// The plaintext serialization is JSON with credential IDs as object
// keys, sorted alphabetically. Sort order is a serialization artifact
// for reproducible ciphertext-adjacent bytes and hash auditing;
// CreatedAt/UpdatedAt are the only temporal signal.
//
// Credential values never appear in logs. Credential implements
// slog.LogValuer and emits metadata only, so even a careless
// logger.Info("…", "credential", cred) cannot leak the secret.
package store
