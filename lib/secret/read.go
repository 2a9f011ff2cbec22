// Copyright 2026 The MemoGarden Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
)

// ReadFromPath reads a secret from a file path, or from stdin when
// path is "-". Leading and trailing whitespace is trimmed (text files
// usually end with a newline that is not part of the secret). The
// intermediate heap copy is zeroed before returning. Returns an error
// if the source is empty after trimming.
//
// The caller must Close the returned Buffer.
func ReadFromPath(path string) (*Buffer, error) {
	var data []byte

	if path == "-" {
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return nil, fmt.Errorf("reading stdin: %w", err)
			}
			return nil, fmt.Errorf("stdin is empty")
		}
		data = scanner.Bytes()
	} else {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, err
		}
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		Zero(data)
		return nil, fmt.Errorf("secret is empty")
	}

	buffer, err := FromBytes(trimmed)
	// FromBytes zeroes trimmed; wipe the surrounding whitespace too.
	Zero(data)
	if err != nil {
		return nil, err
	}
	return buffer, nil
}

// FromEnv reads a secret from the named environment variable. Returns
// (nil, nil) when the variable is unset or empty — an absent
// passphrase is a valid configuration, not an error. The process
// environment itself cannot be wiped; treat the variable as already
// exposed and rotate it through the supervisor, not this process.
//
// The caller must Close the returned Buffer when it is non-nil.
func FromEnv(name string) (*Buffer, error) {
	value, ok := os.LookupEnv(name)
	if !ok || value == "" {
		return nil, nil
	}
	return FromBytes([]byte(value))
}
