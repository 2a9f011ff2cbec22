// Copyright 2026 The MemoGarden Authors
// SPDX-License-Identifier: Apache-2.0

package cryptobox

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/memogarden/hacm/lib/codec"
	"github.com/memogarden/hacm/lib/secret"
)

// FormatVersion is the version byte at the start of every blob.
const FormatVersion byte = 0x01

// ErrDecryption reports AEAD authentication failure. Wrong key,
// corrupted ciphertext, and tampering are deliberately reported the
// same way.
var ErrDecryption = errors.New("decryption failed: invalid MAC")

// ErrMalformedBlob reports structural damage to the blob framing —
// truncated file, unknown version byte, undecodable header. Detecting
// it requires no key material, so it is safe to report distinctly
// from ErrDecryption.
var ErrMalformedBlob = errors.New("malformed encrypted blob")

// KDFName identifies the key derivation function recorded in a blob
// header.
type KDFName string

const (
	// KDFHKDFSHA256 derives from machine identity alone.
	KDFHKDFSHA256 KDFName = "hkdf-sha256"
	// KDFArgon2id derives from an operator passphrase stretched with
	// Argon2id, mixed with machine identity.
	KDFArgon2id KDFName = "argon2id"
)

// Header is the cleartext preamble of a blob: everything a reader
// needs to re-derive the key, and nothing secret. It is CBOR-encoded
// with deterministic encoding and bound into the AEAD as associated
// data.
type Header struct {
	KDF             KDFName `cbor:"kdf"`
	Salt            []byte  `cbor:"salt"`
	Argon2Time      uint32  `cbor:"argon2_time,omitempty"`
	Argon2MemoryKiB uint32  `cbor:"argon2_memory_kib,omitempty"`
	Argon2Threads   uint8   `cbor:"argon2_threads,omitempty"`
}

// NewHeader creates a header for a new store with a fresh random
// salt. Pass withPassphrase=true when an operator passphrase will be
// part of key derivation; the header then records the Argon2id
// parameters used for all future derivations against this file.
func NewHeader(withPassphrase bool) (Header, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return Header{}, fmt.Errorf("generating file salt: %w", err)
	}

	header := Header{KDF: KDFHKDFSHA256, Salt: salt}
	if withPassphrase {
		header.KDF = KDFArgon2id
		header.Argon2Time = DefaultArgon2Time
		header.Argon2MemoryKiB = DefaultArgon2MemoryKiB
		header.Argon2Threads = DefaultArgon2Threads
	}
	return header, nil
}

// Seal encrypts plaintext under key with a fresh random nonce and
// returns the complete blob. The key is borrowed and NOT closed; it
// must be exactly KeySize bytes.
func Seal(key *secret.Buffer, plaintext []byte, header Header) ([]byte, error) {
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return sealWithNonce(key, nonce, plaintext, header)
}

// sealWithNonce is the deterministic core of Seal, split out so the
// golden-vector tests can pin the exact byte layout. Never reuse a
// nonce for a given key outside of tests.
func sealWithNonce(key *secret.Buffer, nonce [chacha20poly1305.NonceSizeX]byte, plaintext []byte, header Header) ([]byte, error) {
	prefix, err := encodePrefix(header)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	blob := make([]byte, len(prefix)+len(nonce), len(prefix)+len(nonce)+len(plaintext)+aead.Overhead())
	copy(blob, prefix)
	copy(blob[len(prefix):], nonce[:])

	// Seal appends ciphertext+tag. The prefix (version, length,
	// header) is the associated data.
	return aead.Seal(blob, nonce[:], plaintext, prefix), nil
}

// Open authenticates and decrypts a blob. Returns the plaintext and
// the parsed header. Structural damage yields ErrMalformedBlob;
// authentication failure yields ErrDecryption. The key is borrowed
// and NOT closed; the caller should zero the returned plaintext once
// it has been consumed.
func Open(key *secret.Buffer, blob []byte) ([]byte, Header, error) {
	header, prefixLen, err := parseHeader(blob)
	if err != nil {
		return nil, Header{}, err
	}

	body := blob[prefixLen:]
	if len(body) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, Header{}, fmt.Errorf("%w: %d bytes after header, need at least %d (nonce + tag)",
			ErrMalformedBlob, len(body), chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead)
	}
	nonce := body[:chacha20poly1305.NonceSizeX]
	ciphertext := body[chacha20poly1305.NonceSizeX:]

	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, Header{}, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, blob[:prefixLen])
	if err != nil {
		return nil, Header{}, ErrDecryption
	}
	return plaintext, header, nil
}

// ParseHeader reads the cleartext header of a blob without any key
// material. Load uses it to learn the salt and KDF parameters before
// derivation.
func ParseHeader(blob []byte) (Header, error) {
	header, _, err := parseHeader(blob)
	return header, err
}

// encodePrefix renders the version byte, big-endian header length,
// and deterministic CBOR header.
func encodePrefix(header Header) ([]byte, error) {
	headerBytes, err := codec.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("encoding blob header: %w", err)
	}
	if len(headerBytes) > 0xFFFF {
		return nil, fmt.Errorf("blob header is %d bytes, exceeds 16-bit length field", len(headerBytes))
	}

	prefix := make([]byte, 3+len(headerBytes))
	prefix[0] = FormatVersion
	binary.BigEndian.PutUint16(prefix[1:3], uint16(len(headerBytes)))
	copy(prefix[3:], headerBytes)
	return prefix, nil
}

func parseHeader(blob []byte) (Header, int, error) {
	if len(blob) < 3 {
		return Header{}, 0, fmt.Errorf("%w: %d bytes, need at least version and header length", ErrMalformedBlob, len(blob))
	}
	if blob[0] != FormatVersion {
		return Header{}, 0, fmt.Errorf("%w: version %d is not supported (expected %d)", ErrMalformedBlob, blob[0], FormatVersion)
	}

	headerLen := int(binary.BigEndian.Uint16(blob[1:3]))
	prefixLen := 3 + headerLen
	if len(blob) < prefixLen {
		return Header{}, 0, fmt.Errorf("%w: header length %d exceeds blob size %d", ErrMalformedBlob, headerLen, len(blob))
	}

	var header Header
	if err := codec.Unmarshal(blob[3:prefixLen], &header); err != nil {
		return Header{}, 0, fmt.Errorf("%w: decoding header: %v", ErrMalformedBlob, err)
	}
	if header.KDF != KDFHKDFSHA256 && header.KDF != KDFArgon2id {
		return Header{}, 0, fmt.Errorf("%w: unknown KDF %q", ErrMalformedBlob, header.KDF)
	}
	return header, prefixLen, nil
}
