// Copyright 2026 The MemoGarden Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"errors"

	"github.com/memogarden/hacm/lib/atomicfile"
	"github.com/memogarden/hacm/lib/cryptobox"
)

// Startup failures are unrecoverable by design: the process must
// refuse to start rather than fall back to an empty credential set
// and silently discard existing secrets.
var (
	// ErrMissingFile: no credential file exists at the configured
	// path. Run init (or restore from escrow) first.
	ErrMissingFile = errors.New("credential file does not exist")

	// ErrCorruptedFile: the file is structurally broken — zero bytes,
	// damaged framing, or ciphertext that decrypts to a payload that
	// is not a well-formed credential set.
	ErrCorruptedFile = errors.New("credential file is corrupted")

	// ErrNotLoaded: a read or mutation was attempted before Load.
	ErrNotLoaded = errors.New("credential store is not loaded")

	// ErrClosed: the store has been shut down and its key material
	// zeroized.
	ErrClosed = errors.New("credential store is closed")

	// ErrDecryption and ErrKeyDerivation surface from the crypto
	// boundary unchanged; re-exported so callers match them without
	// importing cryptobox.
	ErrDecryption    = cryptobox.ErrDecryption
	ErrKeyDerivation = cryptobox.ErrKeyDerivation

	// ErrIO surfaces from persistence unchanged.
	ErrIO = atomicfile.ErrIO
)

// FailureKind maps an error to its stable taxonomy name for event
// payloads. Unknown errors report as io_failure — the residual
// category for environmental trouble.
func FailureKind(err error) string {
	switch {
	case errors.Is(err, ErrMissingFile):
		return "missing_file"
	case errors.Is(err, cryptobox.ErrDecryption):
		return "decryption_failure"
	case errors.Is(err, cryptobox.ErrKeyDerivation):
		return "key_derivation_failure"
	case errors.Is(err, ErrCorruptedFile):
		return "corrupted_file"
	default:
		return "io_failure"
	}
}
