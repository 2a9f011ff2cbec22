// Copyright 2026 The MemoGarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the credential manager's configuration from a
// single YAML file, specified by the HACM_CONFIG environment variable
// or a --config flag. There is no automatic discovery and no fallback
// chain: configuration is deterministic and auditable, or it is an
// error.
//
// The passphrase itself never appears in the file — only the name of
// the environment variable that carries it. Sourcing that variable is
// the supervisor's job.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/memogarden/hacm/lib/cryptobox"
	"github.com/memogarden/hacm/lib/store"
)

// EnvVar names the environment variable carrying the config file path.
const EnvVar = "HACM_CONFIG"

// Config is the complete configuration.
type Config struct {
	// Store configures the encrypted credential file.
	Store StoreConfig `yaml:"store"`

	// Refresh configures the refresh coordinator.
	Refresh RefreshConfig `yaml:"refresh"`
}

// StoreConfig locates the credential file and its key material.
type StoreConfig struct {
	// Path of the encrypted credential file.
	Path string `yaml:"path"`

	// MachineIDPath is the machine identity file.
	MachineIDPath string `yaml:"machine_id_path"`

	// StaticSalt is the application-level salt mixed into key
	// derivation. Not secret, but part of the key inputs: changing it
	// makes existing files undecryptable.
	StaticSalt string `yaml:"static_salt"`

	// PassphraseEnv names the environment variable carrying the
	// optional operator passphrase. Empty means machine-identity-only
	// derivation.
	PassphraseEnv string `yaml:"passphrase_env"`
}

// RefreshConfig tunes the refresh coordinator.
type RefreshConfig struct {
	// Lookahead is how far before expiry a credential is reported as
	// needing refresh.
	Lookahead Duration `yaml:"lookahead"`

	// Timeout bounds each refresh exchange.
	Timeout Duration `yaml:"timeout"`
}

// Duration is a time.Duration that unmarshals from YAML strings like
// "5m" or "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard-library form.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Path:          store.DefaultPath,
			MachineIDPath: cryptobox.DefaultMachineIDPath,
			StaticSalt:    "memogarden-hacm",
		},
		Refresh: RefreshConfig{
			Lookahead: Duration(5 * time.Minute),
			Timeout:   Duration(30 * time.Second),
		},
	}
}

// Load reads the config file at explicitPath, or at $HACM_CONFIG when
// explicitPath is empty, or returns Default() when neither is set.
// Fields absent from the file keep their defaults.
func Load(explicitPath string) (Config, error) {
	path := explicitPath
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		return Default(), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	configuration := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(&configuration); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := configuration.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return configuration, nil
}

// Validate checks invariants a usable configuration must hold.
func (c Config) Validate() error {
	var problems []error

	if c.Store.Path == "" {
		problems = append(problems, fmt.Errorf("store.path must not be empty"))
	} else if !filepath.IsAbs(c.Store.Path) {
		problems = append(problems, fmt.Errorf("store.path %q must be absolute", c.Store.Path))
	}
	if c.Store.MachineIDPath == "" {
		problems = append(problems, fmt.Errorf("store.machine_id_path must not be empty"))
	}
	if c.Store.StaticSalt == "" {
		problems = append(problems, fmt.Errorf("store.static_salt must not be empty"))
	}
	if c.Refresh.Lookahead <= 0 {
		problems = append(problems, fmt.Errorf("refresh.lookahead must be positive"))
	}
	if c.Refresh.Timeout <= 0 {
		problems = append(problems, fmt.Errorf("refresh.timeout must be positive"))
	}

	return errors.Join(problems...)
}
