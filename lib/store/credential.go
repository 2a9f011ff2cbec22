// Copyright 2026 The MemoGarden Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Kind classifies a credential. The wire values are stable: they
// appear in the encrypted serialization and must match across
// implementations.
type Kind string

const (
	// KindOAuthRefreshToken is a long-lived OAuth refresh token.
	KindOAuthRefreshToken Kind = "oauth_refresh_token"
	// KindOAuthClientCredential is an OAuth client id/secret pair.
	KindOAuthClientCredential Kind = "oauth_client_credential"
	// KindServiceAccountKey is a service-account private key.
	KindServiceAccountKey Kind = "service_account_key"
	// KindOpaqueSecret is any other secret the agent needs persisted.
	KindOpaqueSecret Kind = "opaque_secret"
)

// Valid reports whether k is a known credential kind.
func (k Kind) Valid() bool {
	switch k {
	case KindOAuthRefreshToken, KindOAuthClientCredential, KindServiceAccountKey, KindOpaqueSecret:
		return true
	}
	return false
}

// Credential is one secret record. Value is the secret material
// itself. Access tokens are never stored here — they live only in
// the refresh coordinator's process-lifetime token cache.
type Credential struct {
	// ID is the caller-assigned logical name, e.g. "github.oauth".
	ID string `json:"id"`

	// Kind classifies the secret.
	Kind Kind `json:"kind"`

	// Value is the opaque secret payload. Never logged.
	Value string `json:"value"`

	// Expiry, when set, is the moment the credential stops working.
	// Absent means non-expiring.
	Expiry *time.Time `json:"expiry,omitempty"`

	// RefreshEndpoint is advisory metadata for the external refresh
	// client (e.g. an OAuth token URI). The store never calls it.
	RefreshEndpoint string `json:"refresh_endpoint,omitempty"`

	// Scope is advisory metadata, e.g. a space-separated OAuth scope
	// list.
	Scope string `json:"scope,omitempty"`

	// CreatedAt is set on first insert and preserved across updates.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt increases strictly monotonically on every Put.
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the fields a caller controls.
func (c Credential) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("credential has empty ID")
	}
	if !c.Kind.Valid() {
		return fmt.Errorf("credential %q has unknown kind %q", c.ID, c.Kind)
	}
	if c.Value == "" {
		return fmt.Errorf("credential %q has empty value", c.ID)
	}
	return nil
}

// ExpiresWithin reports whether the credential has an expiry inside
// the window starting at now. A credential already past its expiry
// also reports true.
func (c Credential) ExpiresWithin(now time.Time, window time.Duration) bool {
	if c.Expiry == nil {
		return false
	}
	return !c.Expiry.After(now.Add(window))
}

// LogValue renders the credential for structured logging: metadata
// only, never Value.
func (c Credential) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("id", c.ID),
		slog.String("kind", string(c.Kind)),
	}
	if c.Expiry != nil {
		attrs = append(attrs, slog.Time("expiry", *c.Expiry))
	}
	return slog.GroupValue(attrs...)
}

// credentialSet is the complete decrypted state: ID → Credential.
type credentialSet map[string]Credential

// marshalCanonical serializes the set deterministically: a JSON
// object keyed by credential ID. encoding/json writes map keys in
// sorted order and struct fields in declaration order, so the same
// logical state always yields identical bytes — the property the
// round-trip and fingerprint guarantees rest on.
//
// The caller must zero the returned bytes once consumed; they contain
// every secret value.
func marshalCanonical(set credentialSet) ([]byte, error) {
	data, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("serializing credential set: %w", err)
	}
	return data, nil
}

// unmarshalCanonical parses a serialized credential set and checks
// its internal consistency.
func unmarshalCanonical(data []byte) (credentialSet, error) {
	var set credentialSet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parsing credential set: %w", err)
	}
	for id, credential := range set {
		if credential.ID != id {
			return nil, fmt.Errorf("credential keyed %q carries ID %q", id, credential.ID)
		}
	}
	return set, nil
}
