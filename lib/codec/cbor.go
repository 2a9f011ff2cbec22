// Copyright 2026 The MemoGarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides deterministic CBOR encoding for the encrypted
// store's binary header. Core Deterministic Encoding (RFC 8949 §4.2)
// guarantees that the same header always serializes to the same bytes,
// which matters because the header is bound into the AEAD as
// associated data: a parity implementation in another language must be
// able to reproduce it byte for byte.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding: sorted map keys, smallest
// integer encoding, no indefinite-length items.
var encMode cbor.EncMode

// decMode accepts standard CBOR and ignores unknown fields, so newer
// headers with extra fields still decode on older readers.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Header fields are string-keyed throughout; make any-typed
		// targets decode to map[string]any rather than the CBOR
		// default map[interface{}]interface{}.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
