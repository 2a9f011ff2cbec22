// Copyright 2026 The MemoGarden Authors
// SPDX-License-Identifier: Apache-2.0

package cryptobox

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"

	"github.com/memogarden/hacm/lib/secret"
)

// KeySize is the size in bytes of the derived store key.
const KeySize = 32

// SaltSize is the size in bytes of the random file salt generated
// when a store is created.
const SaltSize = 16

// ErrKeyDerivation reports that the store key could not be derived:
// the machine-id file is unreadable or empty, or the blob header
// carries invalid KDF parameters.
var ErrKeyDerivation = errors.New("key derivation failed")

// hkdfInfoPrefix provides domain separation for the store key
// derivation path. Changing it invalidates every existing store.
var hkdfInfoPrefix = []byte("memogarden.hacm.storekey.v1")

// DefaultMachineIDPath is where systemd publishes the machine
// identity used as key material when no passphrase is configured.
const DefaultMachineIDPath = "/etc/machine-id"

// Argon2id parameters used for new stores. Existing stores use the
// parameters recorded in their header, so these can change without
// invalidating old files.
const (
	DefaultArgon2Time      = 1
	DefaultArgon2MemoryKiB = 64 * 1024
	DefaultArgon2Threads   = 4
)

// DeriveKey derives the store key. Deterministic: identical inputs
// always produce the identical key.
//
// Without a passphrase the key is HKDF-SHA256 over the machine-id
// content, salted with the header's file salt and domain-separated
// with the static application salt. With a passphrase the passphrase
// is first stretched with Argon2id (memory-hard, so an offline
// attacker cannot cheaply brute-force a human-chosen secret) and the
// stretched output is concatenated with the machine-id content as the
// HKDF input key material.
//
// The passphrase is borrowed and NOT closed. The returned key buffer
// must be closed by the caller.
func DeriveKey(machineIDPath string, staticSalt []byte, header Header, passphrase *secret.Buffer) (*secret.Buffer, error) {
	if len(header.Salt) == 0 {
		return nil, fmt.Errorf("%w: blob header carries no salt", ErrKeyDerivation)
	}

	machineID, err := readMachineID(machineIDPath)
	if err != nil {
		return nil, err
	}
	defer secret.Zero(machineID)

	inputKeyMaterial := machineID
	if passphrase != nil {
		if header.Argon2Time == 0 || header.Argon2MemoryKiB == 0 || header.Argon2Threads == 0 {
			return nil, fmt.Errorf("%w: passphrase supplied but header carries no Argon2 parameters", ErrKeyDerivation)
		}
		stretched := argon2.IDKey(passphrase.Bytes(), header.Salt,
			header.Argon2Time, header.Argon2MemoryKiB, header.Argon2Threads, KeySize)
		defer secret.Zero(stretched)

		combined := make([]byte, 0, len(stretched)+len(machineID))
		combined = append(combined, stretched...)
		combined = append(combined, machineID...)
		defer secret.Zero(combined)
		inputKeyMaterial = combined
	}

	info := make([]byte, 0, len(hkdfInfoPrefix)+len(staticSalt))
	info = append(info, hkdfInfoPrefix...)
	info = append(info, staticSalt...)

	reader := hkdf.New(sha256.New, inputKeyMaterial, header.Salt, info)
	derived := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		secret.Zero(derived)
		return nil, fmt.Errorf("%w: HKDF expand: %v", ErrKeyDerivation, err)
	}

	// FromBytes moves the key into mmap-backed memory and zeroes the
	// heap copy.
	key, err := secret.FromBytes(derived)
	if err != nil {
		secret.Zero(derived)
		return nil, fmt.Errorf("%w: protecting derived key: %v", ErrKeyDerivation, err)
	}
	return key, nil
}

// readMachineID reads and trims the machine-id file. The caller must
// zero the returned bytes.
func readMachineID(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrKeyDerivation, path, err)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		secret.Zero(raw)
		return nil, fmt.Errorf("%w: %s is empty", ErrKeyDerivation, path)
	}
	machineID := make([]byte, len(trimmed))
	copy(machineID, trimmed)
	secret.Zero(raw)
	return machineID, nil
}
