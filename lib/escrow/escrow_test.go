// Copyright 2026 The MemoGarden Authors
// SPDX-License-Identifier: Apache-2.0

package escrow

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer keypair.Close()

	original := []byte(`{"api-token":{"id":"api-token","kind":"opaque_secret","value":"hunter2"}}`)
	plaintext := bytes.Clone(original)

	sealed, err := Seal(plaintext, []string{keypair.Recipient})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	opened, err := Open(sealed, keypair.Identity)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer opened.Close()

	if !bytes.Equal(opened.Bytes(), original) {
		t.Errorf("round trip mismatch: got %q, want %q", opened.Bytes(), original)
	}
}

func TestSealMultipleRecipients(t *testing.T) {
	first, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer first.Close()
	second, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer second.Close()

	original := []byte("shared escrow payload")
	sealed, err := Seal(bytes.Clone(original), []string{first.Recipient, second.Recipient})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	for _, keypair := range []*Keypair{first, second} {
		opened, err := Open(sealed, keypair.Identity)
		if err != nil {
			t.Fatalf("Open with recipient %s: %v", keypair.Recipient, err)
		}
		if !bytes.Equal(opened.Bytes(), original) {
			t.Errorf("recipient %s: got %q, want %q", keypair.Recipient, opened.Bytes(), original)
		}
		opened.Close()
	}
}

func TestSealRequiresRecipient(t *testing.T) {
	if _, err := Seal([]byte("payload"), nil); err == nil {
		t.Error("Seal with no recipients succeeded, want error")
	}
}

func TestSealRejectsInvalidRecipient(t *testing.T) {
	if _, err := Seal([]byte("payload"), []string{"not-an-age-key"}); err == nil {
		t.Error("Seal with malformed recipient succeeded, want error")
	}
}

func TestOpenWrongIdentityFails(t *testing.T) {
	owner, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer owner.Close()
	stranger, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer stranger.Close()

	sealed, err := Seal([]byte("payload"), []string{owner.Recipient})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if _, err := Open(sealed, stranger.Identity); err == nil {
		t.Error("Open with wrong identity succeeded, want error")
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer keypair.Close()

	if _, err := Open("not base64 @@@", keypair.Identity); err == nil {
		t.Error("Open with invalid base64 succeeded, want error")
	}

	garbage := base64.StdEncoding.EncodeToString([]byte("valid base64, not an age file"))
	if _, err := Open(garbage, keypair.Identity); err == nil {
		t.Error("Open with non-age ciphertext succeeded, want error")
	}
}

func TestParseRecipient(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer keypair.Close()

	if err := ParseRecipient(keypair.Recipient); err != nil {
		t.Errorf("ParseRecipient(%q): %v", keypair.Recipient, err)
	}
	if err := ParseRecipient("age1bogus"); err == nil {
		t.Error("ParseRecipient accepted a malformed key")
	}
}

func TestKeypairShape(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer keypair.Close()

	if !strings.HasPrefix(keypair.Recipient, "age1") {
		t.Errorf("recipient %q does not look like an age public key", keypair.Recipient)
	}
	if !strings.HasPrefix(keypair.Identity.String(), "AGE-SECRET-KEY-1") {
		t.Errorf("identity does not look like an age secret key")
	}
}

func TestSealCompressesRedundantPayload(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer keypair.Close()

	payload := bytes.Repeat([]byte(`{"id":"cred","kind":"opaque_secret"}`), 1000)
	sealed, err := Seal(bytes.Clone(payload), []string{keypair.Recipient})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	// The age envelope adds a few hundred bytes of overhead; a highly
	// repetitive payload should still come out far smaller than the
	// input once compressed.
	if len(sealed) >= len(payload) {
		t.Errorf("sealed size %d not smaller than payload size %d", len(sealed), len(payload))
	}
}
