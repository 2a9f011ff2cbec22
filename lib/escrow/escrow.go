// Copyright 2026 The MemoGarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package escrow seals credential-set backups to operator keys. The
// store's file is bound to one machine's identity; if that machine
// dies, so do the secrets. An escrow export is the recovery path: the
// canonical plaintext serialization, zstd-compressed and
// age-encrypted to one or more operator x25519 recipients, safe to
// park on offline media.
//
// Private identities and decrypted payloads travel in secret.Buffer
// values (mmap-backed, zeroed on close). Ciphertext is base64 so it
// survives copy-paste and line-oriented tooling.
package escrow

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"

	"github.com/memogarden/hacm/lib/secret"
)

// zstdEncoder and zstdDecoder are package-level to avoid repeated
// initialization; both are safe for concurrent use via EncodeAll /
// DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("escrow: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("escrow: zstd decoder initialization failed: " + err.Error())
	}
}

// Keypair is an age x25519 keypair for operator escrow. The private
// identity lives in protected memory; the public recipient string is
// safe to publish and embed in configuration.
type Keypair struct {
	// Identity is the AGE-SECRET-KEY-1… string. Never log it, never
	// pass it on a command line.
	Identity *secret.Buffer

	// Recipient is the corresponding age1… public key.
	Recipient string
}

// Close releases the private identity. Idempotent.
func (k *Keypair) Close() error {
	if k.Identity != nil {
		return k.Identity.Close()
	}
	return nil
}

// GenerateKeypair creates a fresh escrow keypair. The caller must
// Close it.
func GenerateKeypair() (*Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age keypair: %w", err)
	}

	// Move the identity string into protected memory immediately.
	// The heap string age produced is unreachable after this and
	// will be collected; the buffer is the durable copy.
	identityBuffer, err := secret.FromBytes([]byte(identity.String()))
	if err != nil {
		return nil, fmt.Errorf("protecting age identity: %w", err)
	}

	return &Keypair{
		Identity:  identityBuffer,
		Recipient: identity.Recipient().String(),
	}, nil
}

// ParseRecipient validates an age public key string. Use it to check
// operator-supplied recipients before sealing anything to them.
func ParseRecipient(recipient string) error {
	if _, err := age.ParseX25519Recipient(recipient); err != nil {
		return fmt.Errorf("invalid age recipient: %w", err)
	}
	return nil
}

// Seal compresses and encrypts a credential-set serialization to the
// given recipients. At least one recipient is required — typically
// the operator's escrow key, optionally plus a second for redundancy.
// Returns base64 ciphertext. The plaintext is borrowed; the caller
// zeroes it.
func Seal(plaintext []byte, recipientKeys []string) (string, error) {
	if len(recipientKeys) == 0 {
		return "", fmt.Errorf("at least one recipient is required")
	}

	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return "", fmt.Errorf("parsing recipient %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}

	// Compress before encrypting: the canonical JSON is highly
	// redundant, and compressed-then-sealed is the only order that
	// compresses at all.
	compressed := zstdEncoder.EncodeAll(plaintext, nil)
	defer secret.Zero(compressed)

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipients...)
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(compressed); err != nil {
		return "", fmt.Errorf("writing to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalizing age encryption: %w", err)
	}

	return base64.StdEncoding.EncodeToString(ciphertext.Bytes()), nil
}

// Open decrypts a sealed backup with the operator's private identity
// and decompresses it. The identity is borrowed and NOT closed. The
// returned buffer holds the credential-set plaintext; the caller must
// Close it.
func Open(sealed string, identity *secret.Buffer) (*secret.Buffer, error) {
	parsedIdentity, err := age.ParseX25519Identity(identity.String())
	if err != nil {
		return nil, fmt.Errorf("parsing age identity: %w", err)
	}

	rawCiphertext, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 ciphertext: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(rawCiphertext), parsedIdentity)
	if err != nil {
		return nil, fmt.Errorf("decrypting escrow backup: %w", err)
	}
	compressed, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted backup: %w", err)
	}

	plaintext, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		secret.Zero(compressed)
		return nil, fmt.Errorf("decompressing backup: %w", err)
	}
	secret.Zero(compressed)

	buffer, err := secret.FromBytes(plaintext)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("protecting decrypted backup: %w", err)
	}
	return buffer, nil
}
