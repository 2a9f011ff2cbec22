// Copyright 2026 The MemoGarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package atomicfile provides crash-safe whole-file replacement:
// write to a temp file in the same directory, fsync, rename over the
// target. A crash at any point leaves either the old file or the new
// file, never a partial write. The credential store depends on this
// for its "every snapshot on disk is complete" guarantee.
package atomicfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrIO wraps every failure in this package: disk full, permission
// denied, fsync errors. Callers treat it as fatal for the triggering
// operation — the target file is guaranteed untouched.
var ErrIO = errors.New("atomic write failed")

// tempSuffix marks in-progress writes. DiscardStale removes leftovers
// from interrupted writes on startup.
const tempSuffix = ".tmp"

// Write atomically replaces the file at path with data. The temp file
// lives in the same directory as path so the final rename never
// crosses a filesystem boundary. The sequence is write, fsync, close,
// rename, fsync parent directory. On any failure before the rename
// the existing file at path is untouched and the temp file is
// removed.
//
// The file is created with the given permission bits (the credential
// store passes 0600) and the mode is carried through the rename.
func Write(path string, data []byte, perm os.FileMode) error {
	temporaryPath := path + tempSuffix

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrIO, temporaryPath, err)
	}

	// An earlier run may have left a temp file with looser permissions;
	// O_CREATE on an existing file keeps the old mode, so enforce it.
	if err := file.Chmod(perm); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("%w: setting mode on %s: %v", ErrIO, temporaryPath, err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("%w: writing %s: %v", ErrIO, temporaryPath, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("%w: syncing %s: %v", ErrIO, temporaryPath, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("%w: closing %s: %v", ErrIO, temporaryPath, err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("%w: renaming into place: %v", ErrIO, err)
	}

	// Sync the parent directory so the rename survives power loss.
	// Failure here is not reported: the data rename already succeeded
	// and some filesystems reject directory fsync.
	if parent, err := os.Open(filepath.Dir(path)); err == nil {
		parent.Sync()
		parent.Close()
	}

	return nil
}

// DiscardStale removes a leftover temp file from a previous
// interrupted Write. The rename never completed, so the committed
// file at path is still the authoritative pre-write version — the
// temp file carries no recoverable state and must never be read.
// Returns whether a stale file was found.
func DiscardStale(path string) (bool, error) {
	temporaryPath := path + tempSuffix
	err := os.Remove(temporaryPath)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("%w: removing stale temp file %s: %v", ErrIO, temporaryPath, err)
}
