// Copyright 2026 The MemoGarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package cryptobox is the crypto boundary of the credential manager:
// key derivation from machine identity (plus an optional operator
// passphrase) and authenticated encryption of the credential file.
//
// The on-disk blob is a versioned binary format:
//
//	[version: 1 byte (0x01)]
//	[header length: 2 bytes, big endian]
//	[header: CBOR, Core Deterministic Encoding]
//	[nonce: 24 bytes, random per encryption]
//	[ciphertext + Poly1305 tag]
//
// The header carries the KDF name, the random file salt, and the
// Argon2 parameters when a passphrase is in use. The version byte,
// length, and header bytes are bound into the AEAD as associated
// data, so tampering with KDF parameters breaks authentication the
// same way tampering with the ciphertext does.
//
// Any independent implementation that follows this layout and the
// derivation rules in DeriveKey produces byte-identical ciphertext
// for a given key and nonce, and can decrypt blobs produced here.
// The vectors_test.go golden file pins this format.
//
// Authentication failure is reported as ErrDecryption regardless of
// cause. Wrong key, bit rot, and deliberate tampering are
// indistinguishable from the outside; anything else would hand an
// attacker a key-guessing oracle.
package cryptobox
