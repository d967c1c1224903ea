package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/99designs/keyring"
	"golang.org/x/term"

	"github.com/fdfe-tools/market-session/pkg/credential"
)

const (
	keyringServiceName = "com.fdfe.auth"
	keyringDirectory   = "~/.fdfe_keys"
)

type backendType struct {
	config *Config
}

func (b backendType) String() string {
	if b.config == nil || len(b.config.Backend.AllowedBackends) == 0 {
		return string(keyring.InvalidBackend)
	}
	return string(b.config.Backend.AllowedBackends[0])
}

func (b backendType) Set(v string) error {
	value := keyring.BackendType(v)
	if b.config == nil {
		return fmt.Errorf("invalid backendType")
	}
	if v == "" {
		return nil
	}
	for _, name := range keyring.AvailableBackends() {
		if name == value {
			b.config.Backend.AllowedBackends = []keyring.BackendType{name}
			return nil
		}
	}
	return fmt.Errorf("unsupported credential storage")
}

// promptPassword reads a password from the terminal without echoing it.
func promptPassword(prompt string) (string, error) {
	var w io.Writer
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		fd = int(os.Stderr.Fd())
		if !term.IsTerminal(fd) {
			return "", fmt.Errorf("no terminal output available for password prompt")
		}
		w = os.Stderr
	} else {
		w = os.Stdout
	}

	fmt.Fprintf(w, "%s: ", prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", err
	}
	fmt.Fprintln(w)
	return string(b), nil
}

func (c *Config) getKeyringPassword(prompt string) (string, error) {
	if c.keyringPassword != nil && *c.keyringPassword != "" {
		return *c.keyringPassword, nil
	}
	password, err := promptPassword(prompt)
	if err != nil {
		return "", err
	}
	c.keyringPassword = &password
	return password, nil
}

func (c *Config) getAccountPassword(prompt string) (string, error) {
	if c.accountPassword != nil && *c.accountPassword != "" {
		return *c.accountPassword, nil
	}
	password, err := promptPassword(prompt)
	if err != nil {
		return "", err
	}
	c.accountPassword = &password
	return password, nil
}

// SaveTokenToKeyring writes token to the system keyring under c.KeyringTokenName.
//
// The name identifies the token for future use with -token-name and does not necessarily need to
// match the system username.
func (c *Config) SaveTokenToKeyring(ctx context.Context, token credential.Credential) error {
	if c.KeyringTokenName == "" {
		return fmt.Errorf("no keyring token name configured")
	}
	// Store selects the keyring because KeyringTokenName is set.
	store := c.Store(c.logf())
	if err := store.Save(ctx, token); err != nil {
		return fmt.Errorf("failed to enroll token in keyring: %w", err)
	}
	return nil
}
