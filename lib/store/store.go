// Copyright 2026 The MemoGarden Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/memogarden/hacm/lib/atomicfile"
	"github.com/memogarden/hacm/lib/clock"
	"github.com/memogarden/hacm/lib/cryptobox"
	"github.com/memogarden/hacm/lib/secret"
)

// DefaultPath is where the encrypted credential file lives unless
// configured otherwise.
const DefaultPath = "/var/lib/agent/credentials.enc"

// filePerm is the mode of the credential file: owner-only, always.
const filePerm os.FileMode = 0o600

// Options configures a Store.
type Options struct {
	// Path of the encrypted credential file. Defaults to DefaultPath.
	Path string

	// MachineIDPath is the machine identity file used as key
	// material. Defaults to /etc/machine-id.
	MachineIDPath string

	// StaticSalt is the application-level salt mixed into key
	// derivation. Comes from configuration, not from this package.
	StaticSalt []byte

	// Passphrase is the optional operator passphrase. Borrowed only
	// while Load or Init derives the key; the caller closes it
	// afterwards. Nil means machine-identity-only derivation.
	Passphrase *secret.Buffer

	// Clock defaults to clock.Real(). Tests inject clock.Fake.
	Clock clock.Clock

	// Logger receives the structured events. Defaults to
	// slog.Default(). Event payloads never contain credential values.
	Logger *slog.Logger
}

// Store is the single owner of the credential set for the process
// lifetime. All methods are safe for concurrent use; mutations are
// serialized under one lock so every persisted snapshot is complete
// and internally consistent.
type Store struct {
	mu sync.Mutex

	path          string
	machineIDPath string
	staticSalt    []byte
	passphrase    *secret.Buffer
	clock         clock.Clock
	logger        *slog.Logger

	// Populated by Load or Init. key is zeroized by Shutdown.
	key    *secret.Buffer
	header cryptobox.Header
	set    credentialSet

	loaded bool
	closed bool
}

// New constructs an unloaded Store. Call Load (existing file) or Init
// (new file) before anything else.
func New(options Options) *Store {
	if options.Path == "" {
		options.Path = DefaultPath
	}
	if options.MachineIDPath == "" {
		options.MachineIDPath = cryptobox.DefaultMachineIDPath
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &Store{
		path:          options.Path,
		machineIDPath: options.MachineIDPath,
		staticSalt:    options.StaticSalt,
		passphrase:    options.Passphrase,
		clock:         options.Clock,
		logger:        options.Logger,
	}
}

// Path returns the configured credential file path.
func (s *Store) Path() string { return s.path }

// Load decrypts the credential file into memory. It fails fast with a
// distinct error per cause — ErrMissingFile, ErrDecryption,
// ErrKeyDerivation, ErrCorruptedFile — and on any failure the store
// stays unloaded: no retry, no default-empty fallback.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.loaded {
		return fmt.Errorf("store already loaded from %s", s.path)
	}

	err := s.loadLocked()
	if err != nil {
		s.logger.Error("credential_load_failed", "kind", FailureKind(err), "path", s.path, "error", err)
		return err
	}
	s.logger.Info("credential_load_succeeded", "path", s.path, "count", len(s.set))
	return nil
}

func (s *Store) loadLocked() error {
	// A stray temp file means a previous write was interrupted before
	// its rename committed. The committed file is authoritative; the
	// temp file is discarded unread.
	discarded, err := atomicfile.DiscardStale(s.path)
	if err != nil {
		return err
	}
	if discarded {
		s.logger.Warn("stale_temp_discarded", "path", s.path)
	}

	blob, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrMissingFile, s.path)
		}
		return fmt.Errorf("reading %s: %w", s.path, err)
	}
	if len(blob) == 0 {
		s.logger.Error("corruption_detected", "path", s.path, "reason", "zero-byte file")
		return fmt.Errorf("%w: %s is zero bytes", ErrCorruptedFile, s.path)
	}

	header, err := cryptobox.ParseHeader(blob)
	if err != nil {
		// Structural damage is detectable without key material, so
		// reporting it as corruption creates no decryption oracle.
		s.logger.Error("corruption_detected", "path", s.path, "reason", "malformed blob framing")
		return fmt.Errorf("%w: %v", ErrCorruptedFile, err)
	}

	key, err := cryptobox.DeriveKey(s.machineIDPath, s.staticSalt, header, s.passphrase)
	if err != nil {
		return err
	}

	plaintext, _, err := cryptobox.Open(key, blob)
	if err != nil {
		// Wrong key, corruption, and tampering are indistinguishable
		// here by design; no corruption event for MAC failures.
		key.Close()
		return err
	}
	defer secret.Zero(plaintext)

	set, err := unmarshalCanonical(plaintext)
	if err != nil {
		key.Close()
		s.logger.Error("corruption_detected", "path", s.path, "reason", "payload is not a credential set")
		return fmt.Errorf("%w: %v", ErrCorruptedFile, err)
	}

	s.key = key
	s.header = header
	s.set = set
	s.loaded = true
	s.passphrase = nil
	return nil
}

// Init creates a new, empty encrypted credential file. Fails if a
// file already exists at the path — Init never overwrites secrets.
func (s *Store) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.loaded {
		return fmt.Errorf("store already loaded from %s", s.path)
	}
	if _, err := os.Stat(s.path); err == nil {
		return fmt.Errorf("credential file already exists at %s", s.path)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("checking %s: %w", s.path, err)
	}

	header, err := cryptobox.NewHeader(s.passphrase != nil)
	if err != nil {
		return err
	}
	key, err := cryptobox.DeriveKey(s.machineIDPath, s.staticSalt, header, s.passphrase)
	if err != nil {
		return err
	}

	s.key = key
	s.header = header
	s.set = make(credentialSet)
	s.loaded = true

	if err := s.persistLocked(); err != nil {
		s.key.Close()
		s.key = nil
		s.set = nil
		s.loaded = false
		return err
	}
	// Cleared only once the file exists: a retried Init after a
	// transient write failure must still derive with the passphrase.
	s.passphrase = nil
	s.logger.Info("credential_store_initialized", "path", s.path, "kdf", string(header.KDF))
	return nil
}

// Get returns the credential for id. Pure in-memory lookup; never
// touches disk.
func (s *Store) Get(id string) (Credential, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readyLocked(); err != nil {
		return Credential{}, false, err
	}
	credential, ok := s.set[id]
	return credential, ok, nil
}

// Put inserts or overwrites the credential under id, stamps
// UpdatedAt, and persists the full snapshot. It returns only after
// the new snapshot is durable on disk; on failure the previous state
// remains authoritative in memory and on disk.
func (s *Store) Put(id string, credential Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readyLocked(); err != nil {
		return err
	}

	credential.ID = id
	if err := credential.Validate(); err != nil {
		return err
	}

	now := s.clock.Now().UTC()
	previous, existed := s.set[id]
	if existed {
		credential.CreatedAt = previous.CreatedAt
	} else if credential.CreatedAt.IsZero() {
		credential.CreatedAt = now
	}

	// UpdatedAt must increase strictly even when the wall clock
	// stalls or steps backwards.
	credential.UpdatedAt = now
	if existed && !credential.UpdatedAt.After(previous.UpdatedAt) {
		credential.UpdatedAt = previous.UpdatedAt.Add(time.Nanosecond)
	}

	s.set[id] = credential
	if err := s.persistLocked(); err != nil {
		if existed {
			s.set[id] = previous
		} else {
			delete(s.set, id)
		}
		return err
	}

	s.logger.Debug("credential_stored", "credential", credential)
	return nil
}

// Delete removes the credential under id and persists. Deleting an
// absent id is a successful no-op: nothing changes, nothing is
// written.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readyLocked(); err != nil {
		return err
	}

	previous, existed := s.set[id]
	if !existed {
		return nil
	}

	delete(s.set, id)
	if err := s.persistLocked(); err != nil {
		s.set[id] = previous
		return err
	}

	s.logger.Debug("credential_deleted", "id", id)
	return nil
}

// List returns the current credential IDs, sorted.
func (s *Store) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readyLocked(); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(s.set))
	for id := range s.set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Fingerprint returns the hex BLAKE3 hash of the canonical plaintext
// serialization. Two stores with the same logical contents report the
// same fingerprint, enabling audit comparison without exposing any
// secret.
func (s *Store) Fingerprint() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readyLocked(); err != nil {
		return "", err
	}

	plaintext, err := marshalCanonical(s.set)
	if err != nil {
		return "", err
	}
	digest := blake3.Sum256(plaintext)
	secret.Zero(plaintext)
	return hex.EncodeToString(digest[:]), nil
}

// Export hands the canonical plaintext serialization to fn while the
// store lock is held, then zeroes it. The escrow exporter is the one
// consumer; fn must not retain the slice.
func (s *Store) Export(fn func(plaintext []byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readyLocked(); err != nil {
		return err
	}

	plaintext, err := marshalCanonical(s.set)
	if err != nil {
		return err
	}
	defer secret.Zero(plaintext)
	return fn(plaintext)
}

// Import replaces the entire credential set with one recovered from
// an escrow backup and persists it. Refuses to clobber a non-empty
// store unless overwrite is set.
func (s *Store) Import(plaintext []byte, overwrite bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readyLocked(); err != nil {
		return err
	}
	if len(s.set) > 0 && !overwrite {
		return fmt.Errorf("store at %s holds %d credentials; refusing to replace without overwrite", s.path, len(s.set))
	}

	set, err := unmarshalCanonical(plaintext)
	if err != nil {
		return fmt.Errorf("escrow payload: %w", err)
	}

	previous := s.set
	s.set = set
	if err := s.persistLocked(); err != nil {
		s.set = previous
		return err
	}

	s.logger.Info("credential_set_imported", "count", len(set))
	return nil
}

// Shutdown stops all operations and zeroizes the derived key. Any
// in-flight mutation finishes first (it holds the same lock).
// Idempotent. After Shutdown every method returns ErrClosed.
func (s *Store) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.loaded = false

	var err error
	if s.key != nil {
		err = s.key.Close()
		s.key = nil
	}
	// Credential values are Go strings; the GC owns those copies and
	// best-effort wiping ends at dropping the references.
	s.set = nil

	s.logger.Info("credential_store_shutdown", "path", s.path)
	return err
}

func (s *Store) readyLocked() error {
	if s.closed {
		return ErrClosed
	}
	if !s.loaded {
		return ErrNotLoaded
	}
	return nil
}

// persistLocked seals the current set and atomically replaces the
// file. Callers roll back the in-memory mutation if this fails.
func (s *Store) persistLocked() error {
	plaintext, err := marshalCanonical(s.set)
	if err != nil {
		return err
	}
	defer secret.Zero(plaintext)

	blob, err := cryptobox.Seal(s.key, plaintext, s.header)
	if err != nil {
		return fmt.Errorf("encrypting credential set: %w", err)
	}

	return atomicfile.Write(s.path, blob, filePerm)
}
