// Copyright 2026 The MemoGarden Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import "runtime"

// Zero overwrites every byte of the slice with zeros. Use it on any
// heap slice that briefly held secret material — JSON plaintext before
// encryption, a key read from a file — as soon as the material has
// been moved into a Buffer or is no longer needed.
//
// Best-effort: the compiler is prevented from eliding the wipe via
// runtime.KeepAlive, but copies the runtime made earlier (string
// conversions, append growth) are out of reach. Keep secrets in
// Buffer-backed memory whenever possible.
func Zero(data []byte) {
	for index := range data {
		data[index] = 0
	}
	runtime.KeepAlive(data)
}
