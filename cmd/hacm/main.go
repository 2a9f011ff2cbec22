// Copyright 2026 The MemoGarden Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/memogarden/hacm/lib/config"
	"github.com/memogarden/hacm/lib/escrow"
	"github.com/memogarden/hacm/lib/secret"
	"github.com/memogarden/hacm/lib/store"
	"github.com/memogarden/hacm/lib/version"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(),
	})))

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// logLevel reads HACM_LOG_LEVEL. The store's per-mutation events are
// Debug; the default Info level keeps routine use quiet.
func logLevel() slog.Level {
	var level slog.Level
	if raw := os.Getenv("HACM_LOG_LEVEL"); raw != "" {
		if err := level.UnmarshalText([]byte(raw)); err != nil {
			level = slog.LevelInfo
		}
	}
	return level
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}

	subcommand := os.Args[1]
	switch subcommand {
	case "init":
		return runInit(os.Args[2:])
	case "add":
		return runAdd(os.Args[2:])
	case "show":
		return runShow(os.Args[2:])
	case "list":
		return runList(os.Args[2:])
	case "remove":
		return runRemove(os.Args[2:])
	case "fingerprint":
		return runFingerprint(os.Args[2:])
	case "keygen":
		return runKeygen()
	case "export":
		return runExport(os.Args[2:])
	case "import":
		return runImport(os.Args[2:])
	case "version":
		fmt.Printf("hacm %s\n", version.Full())
		return nil
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", subcommand)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: hacm <subcommand> [flags]

Subcommands:
  init         Create a new, empty encrypted credential file
  add          Insert or update a credential
  show         Show a credential's metadata (never its value)
  list         List credential IDs
  remove       Remove a credential
  fingerprint  Print the credential set fingerprint
  keygen       Generate an age keypair (for operator escrow)
  export       Seal the credential set to operator escrow keys
  import       Restore the credential set from an escrow backup
  version      Print version information

Run 'hacm <subcommand> --help' for subcommand flags.
`)
}

// newFlagSet creates a subcommand flag set with the shared --config
// flag already registered. pflag leaves Usage nil, so it must be set
// before anything calls it on a missing required flag.
func newFlagSet(name string, configPath *string) *pflag.FlagSet {
	flags := pflag.NewFlagSet(name, pflag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: hacm %s [flags]\n\nFlags:\n%s", name, flags.FlagUsages())
	}
	flags.StringVar(configPath, "config", "", "config file path (default: $"+config.EnvVar+", else built-in defaults)")
	return flags
}

// openStore loads configuration, reads the optional passphrase from
// the configured environment variable, and constructs the store. When
// initialize is true the credential file is created; otherwise it must
// already exist. The passphrase buffer is consumed by key derivation
// and closed before returning.
func openStore(configPath string, initialize bool) (*store.Store, error) {
	configuration, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := configuration.Validate(); err != nil {
		return nil, err
	}

	var passphrase *secret.Buffer
	if configuration.Store.PassphraseEnv != "" {
		passphrase, err = secret.FromEnv(configuration.Store.PassphraseEnv)
		if err != nil {
			return nil, fmt.Errorf("reading passphrase from $%s: %w", configuration.Store.PassphraseEnv, err)
		}
	}

	credentialStore := store.New(store.Options{
		Path:          configuration.Store.Path,
		MachineIDPath: configuration.Store.MachineIDPath,
		StaticSalt:    []byte(configuration.Store.StaticSalt),
		Passphrase:    passphrase,
		Logger:        slog.Default(),
	})

	if initialize {
		err = credentialStore.Init()
	} else {
		err = credentialStore.Load()
	}
	if passphrase != nil {
		passphrase.Close()
	}
	if err != nil {
		return nil, err
	}

	// A terminating signal mid-operation must still zeroize the key.
	// The write path is already crash-safe (temp + rename), so a clean
	// shutdown here is about key hygiene, not file integrity.
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM)
	go func() {
		<-signalCh
		credentialStore.Shutdown()
		os.Exit(0)
	}()

	return credentialStore, nil
}

func runInit(args []string) error {
	var configPath string
	flags := newFlagSet("init", &configPath)
	flags.Parse(args)

	credentialStore, err := openStore(configPath, true)
	if err != nil {
		return err
	}
	defer credentialStore.Shutdown()

	fingerprint, err := credentialStore.Fingerprint()
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Initialized credential store at %s\n", credentialStore.Path())
	fmt.Fprintf(os.Stderr, "  Fingerprint: %s\n", fingerprint)
	return nil
}

func runAdd(args []string) error {
	var (
		configPath      string
		id              string
		kind            string
		valueFile       string
		expiry          string
		refreshEndpoint string
		scope           string
	)
	flags := newFlagSet("add", &configPath)
	flags.StringVar(&id, "id", "", "credential ID (required)")
	flags.StringVar(&kind, "kind", string(store.KindOpaqueSecret), "credential kind")
	flags.StringVar(&valueFile, "value-file", "", "read the secret value from this file, or '-' for stdin (default: interactive prompt)")
	flags.StringVar(&expiry, "expiry", "", "expiry timestamp, RFC 3339 (default: non-expiring)")
	flags.StringVar(&refreshEndpoint, "refresh-endpoint", "", "advisory refresh endpoint URL")
	flags.StringVar(&scope, "scope", "", "advisory scope metadata")
	flags.Parse(args)

	if id == "" {
		flags.Usage()
		return fmt.Errorf("--id is required")
	}

	credential := store.Credential{
		Kind:            store.Kind(kind),
		RefreshEndpoint: refreshEndpoint,
		Scope:           scope,
	}
	if expiry != "" {
		parsed, err := parseExpiry(expiry)
		if err != nil {
			return err
		}
		credential.Expiry = &parsed
	}

	value, err := readValue(valueFile)
	if err != nil {
		return err
	}
	defer value.Close()
	// The store holds values as strings; this copy is GC-owned from
	// here on.
	credential.Value = value.String()

	credentialStore, err := openStore(configPath, false)
	if err != nil {
		return err
	}
	defer credentialStore.Shutdown()

	if err := credentialStore.Put(id, credential); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Stored credential %q (%s)\n", id, kind)
	return nil
}

// parseExpiry parses an RFC 3339 timestamp and normalizes it to UTC.
func parseExpiry(raw string) (time.Time, error) {
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --expiry %q (want RFC 3339, e.g. 2026-09-01T12:00:00Z): %w", raw, err)
	}
	return parsed.UTC(), nil
}

// readValue reads the secret value from a file, stdin, or an
// interactive no-echo terminal prompt.
func readValue(valueFile string) (*secret.Buffer, error) {
	if valueFile != "" {
		return secret.ReadFromPath(valueFile)
	}

	stdinFileDescriptor := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFileDescriptor) {
		return nil, fmt.Errorf("no terminal available for interactive prompt (use --value-file, or '-' for stdin)")
	}

	fmt.Fprint(os.Stderr, "Value: ")
	valueBytes, err := term.ReadPassword(stdinFileDescriptor)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading value: %w", err)
	}
	if len(valueBytes) == 0 {
		return nil, fmt.Errorf("value is empty")
	}

	buffer, err := secret.FromBytes(valueBytes)
	if err != nil {
		secret.Zero(valueBytes)
		return nil, err
	}
	return buffer, nil
}

func runShow(args []string) error {
	var (
		configPath string
		id         string
	)
	flags := newFlagSet("show", &configPath)
	flags.StringVar(&id, "id", "", "credential ID (required)")
	flags.Parse(args)

	if id == "" {
		flags.Usage()
		return fmt.Errorf("--id is required")
	}

	credentialStore, err := openStore(configPath, false)
	if err != nil {
		return err
	}
	defer credentialStore.Shutdown()

	credential, ok, err := credentialStore.Get(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no credential with ID %q", id)
	}

	fmt.Print(formatCredential(credential))
	return nil
}

// formatCredential renders metadata for display. The value is never
// included.
func formatCredential(credential store.Credential) string {
	var out strings.Builder
	fmt.Fprintf(&out, "ID:      %s\n", credential.ID)
	fmt.Fprintf(&out, "Kind:    %s\n", credential.Kind)
	if credential.Expiry != nil {
		fmt.Fprintf(&out, "Expiry:  %s\n", credential.Expiry.Format(time.RFC3339))
	} else {
		fmt.Fprintf(&out, "Expiry:  (none)\n")
	}
	if credential.RefreshEndpoint != "" {
		fmt.Fprintf(&out, "Refresh: %s\n", credential.RefreshEndpoint)
	}
	if credential.Scope != "" {
		fmt.Fprintf(&out, "Scope:   %s\n", credential.Scope)
	}
	fmt.Fprintf(&out, "Created: %s\n", credential.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&out, "Updated: %s\n", credential.UpdatedAt.Format(time.RFC3339))
	return out.String()
}

func runList(args []string) error {
	var configPath string
	flags := newFlagSet("list", &configPath)
	flags.Parse(args)

	credentialStore, err := openStore(configPath, false)
	if err != nil {
		return err
	}
	defer credentialStore.Shutdown()

	ids, err := credentialStore.List()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Fprintln(os.Stderr, "(no credentials)")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tKIND\tEXPIRY")
	for _, id := range ids {
		credential, ok, err := credentialStore.Get(id)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		expiry := "-"
		if credential.Expiry != nil {
			expiry = credential.Expiry.Format(time.RFC3339)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\n", id, credential.Kind, expiry)
	}
	return writer.Flush()
}

func runRemove(args []string) error {
	var (
		configPath string
		id         string
	)
	flags := newFlagSet("remove", &configPath)
	flags.StringVar(&id, "id", "", "credential ID (required)")
	flags.Parse(args)

	if id == "" {
		flags.Usage()
		return fmt.Errorf("--id is required")
	}

	credentialStore, err := openStore(configPath, false)
	if err != nil {
		return err
	}
	defer credentialStore.Shutdown()

	if err := credentialStore.Delete(id); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Removed credential %q\n", id)
	return nil
}

func runFingerprint(args []string) error {
	var configPath string
	flags := newFlagSet("fingerprint", &configPath)
	flags.Parse(args)

	credentialStore, err := openStore(configPath, false)
	if err != nil {
		return err
	}
	defer credentialStore.Shutdown()

	fingerprint, err := credentialStore.Fingerprint()
	if err != nil {
		return err
	}
	fmt.Println(fingerprint)
	return nil
}

// runKeygen generates a new age keypair for operator escrow and
// prints it. The public key goes to stdout (for sharing/embedding).
// The private key goes to stderr (for safekeeping).
func runKeygen() error {
	keypair, err := escrow.GenerateKeypair()
	if err != nil {
		return fmt.Errorf("generating keypair: %w", err)
	}
	defer keypair.Close()

	fmt.Fprintf(os.Stderr, "# Private key (keep this secret — store securely):\n")
	fmt.Fprintf(os.Stderr, "%s\n", keypair.Identity.String())
	fmt.Fprintf(os.Stdout, "%s\n", keypair.Recipient)
	return nil
}

func runExport(args []string) error {
	var (
		configPath string
		recipients []string
	)
	flags := newFlagSet("export", &configPath)
	flags.StringArrayVar(&recipients, "recipient", nil, "operator escrow age public key (repeatable, at least one required)")
	flags.Parse(args)

	if len(recipients) == 0 {
		flags.Usage()
		return fmt.Errorf("at least one --recipient is required")
	}
	for _, recipient := range recipients {
		if err := escrow.ParseRecipient(recipient); err != nil {
			return err
		}
	}

	credentialStore, err := openStore(configPath, false)
	if err != nil {
		return err
	}
	defer credentialStore.Shutdown()

	var sealed string
	err = credentialStore.Export(func(plaintext []byte) error {
		var sealErr error
		sealed, sealErr = escrow.Seal(plaintext, recipients)
		return sealErr
	})
	if err != nil {
		return fmt.Errorf("sealing escrow backup: %w", err)
	}

	fmt.Println(sealed)
	fmt.Fprintf(os.Stderr, "Exported credential set sealed to %d recipient(s)\n", len(recipients))
	return nil
}

func runImport(args []string) error {
	var (
		configPath   string
		identityFile string
		inputFile    string
		overwrite    bool
	)
	flags := newFlagSet("import", &configPath)
	flags.StringVar(&identityFile, "identity-file", "", "age private key file, or '-' for stdin (required)")
	flags.StringVar(&inputFile, "input", "-", "sealed backup file, or '-' for stdin")
	flags.BoolVar(&overwrite, "overwrite", false, "replace a non-empty credential set")
	flags.Parse(args)

	if identityFile == "" {
		flags.Usage()
		return fmt.Errorf("--identity-file is required")
	}
	if identityFile == "-" && inputFile == "-" {
		return fmt.Errorf("--identity-file and --input cannot both read stdin")
	}

	identity, err := secret.ReadFromPath(identityFile)
	if err != nil {
		return fmt.Errorf("reading identity: %w", err)
	}
	defer identity.Close()

	var sealedBytes []byte
	if inputFile == "-" {
		sealedBytes, err = io.ReadAll(os.Stdin)
	} else {
		sealedBytes, err = os.ReadFile(inputFile)
	}
	if err != nil {
		return fmt.Errorf("reading sealed backup: %w", err)
	}

	plaintext, err := escrow.Open(strings.TrimSpace(string(sealedBytes)), identity)
	if err != nil {
		return err
	}
	defer plaintext.Close()

	credentialStore, err := openStore(configPath, false)
	if err != nil {
		return err
	}
	defer credentialStore.Shutdown()

	if err := credentialStore.Import(plaintext.Bytes(), overwrite); err != nil {
		return err
	}

	ids, err := credentialStore.List()
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Imported %d credential(s): %s\n", len(ids), strings.Join(ids, ", "))
	return nil
}
