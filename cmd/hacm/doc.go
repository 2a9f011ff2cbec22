// Copyright 2026 The MemoGarden Authors
// SPDX-License-Identifier: Apache-2.0

// Command hacm manages an agent's encrypted credential file: init,
// add, show, list, remove, fingerprint, and escrow export/import.
package main
