package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/99designs/keyring"
	"github.com/BurntSushi/toml"
)

// fileConfig mirrors the TOML configuration file.
type fileConfig struct {
	Email     string `toml:"email"`
	TokenFile string `toml:"token_file"`
	TokenName string `toml:"token_name"`
	OutputDir string `toml:"output_dir"`

	Login struct {
		URL         string `toml:"url"`
		Service     string `toml:"service"`
		AccountType string `toml:"account_type"`
	} `toml:"login"`

	API struct {
		BaseURL   string `toml:"base_url"`
		Retries   int    `toml:"retries"`
		Backoff   string `toml:"backoff"`
		CacheSize int    `toml:"cache_size"`
		Insecure  *bool  `toml:"insecure_skip_verify"`
		Relogin   *bool  `toml:"relogin_on_invalid_token"`
	} `toml:"api"`

	Device struct {
		ID                    string `toml:"id"`
		Language              string `toml:"language"`
		ClientID              string `toml:"client_id"`
		UserAgent             string `toml:"user_agent"`
		SmallestScreenWidthDp int    `toml:"smallest_screen_width_dp"`
		FilterLevel           int    `toml:"filter_level"`
	} `toml:"device"`

	Log struct {
		Level string `toml:"level"`
		File  string `toml:"file"`
	} `toml:"log"`

	Keyring struct {
		Type    string `toml:"type"`
		FileDir string `toml:"file_dir"`
	} `toml:"keyring"`
}

// DefaultConfigFile returns the configuration file used when none is named explicitly.
func DefaultConfigFile() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "market-session", "config.toml"), nil
}

func expandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand ~: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path[1:], "/")), nil
	}
	return path, nil
}

// ReadConfigFile fills fields of c that are still unset from the TOML file named by c.ConfigFile.
// If c.ConfigFile is empty the default location is tried, and a missing default file is not an
// error.
func (c *Config) ReadConfigFile() error {
	path := c.ConfigFile
	explicit := path != ""
	if !explicit {
		var err error
		if path, err = DefaultConfigFile(); err != nil {
			return nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return c.applyConfigFile(path, data)
}

func (c *Config) applyConfigFile(path string, data []byte) error {
	var raw fileConfig
	md, err := toml.Decode(string(data), &raw)
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	for _, key := range md.Undecoded() {
		c.logf().Warning("Ignoring unknown key '%s' in %s", key, path)
	}

	setString := func(field *string, value string) {
		if *field == "" {
			*field = value
		}
	}
	setInt := func(field *int, value int) {
		if *field == 0 {
			*field = value
		}
	}

	setString(&c.Email, raw.Email)
	if c.KeyringTokenName == "" && c.TokenFilename == "" {
		c.KeyringTokenName = raw.TokenName
		c.TokenFilename = raw.TokenFile
	}
	setString(&c.OutputDir, raw.OutputDir)
	for _, p := range []*string{&c.TokenFilename, &c.OutputDir} {
		if *p, err = expandHome(*p); err != nil {
			return err
		}
	}

	setString(&c.LoginURL, raw.Login.URL)
	setString(&c.Service, raw.Login.Service)
	setString(&c.AccountType, raw.Login.AccountType)

	setString(&c.BaseURL, raw.API.BaseURL)
	setInt(&c.Retries, raw.API.Retries)
	setInt(&c.CacheSize, raw.API.CacheSize)
	if raw.API.Backoff != "" && !c.backoffSet {
		d, err := time.ParseDuration(raw.API.Backoff)
		if err != nil {
			return fmt.Errorf("invalid api.backoff %q: %w", raw.API.Backoff, err)
		}
		if d < 0 {
			return fmt.Errorf("invalid api.backoff %q: negative", raw.API.Backoff)
		}
		c.Backoff = d
	}
	if raw.API.Insecure != nil && !c.InsecureSkipVerify {
		c.InsecureSkipVerify = *raw.API.Insecure
	}
	if raw.API.Relogin != nil && !c.Relogin {
		c.Relogin = *raw.API.Relogin
	}

	setString(&c.Device.ID, raw.Device.ID)
	setString(&c.Device.Language, raw.Device.Language)
	setString(&c.Device.ClientID, raw.Device.ClientID)
	setString(&c.Device.UserAgent, raw.Device.UserAgent)
	setInt(&c.Device.SmallestScreenWidthDp, raw.Device.SmallestScreenWidthDp)
	setInt(&c.Device.FilterLevel, raw.Device.FilterLevel)

	setString(&c.LogLevel, raw.Log.Level)
	setString(&c.LogFile, raw.Log.File)

	if raw.Keyring.Type != "" && c.BackendType.String() == string(keyring.InvalidBackend) {
		if err := c.BackendType.Set(raw.Keyring.Type); err != nil {
			return fmt.Errorf("invalid keyring.type %q: %w", raw.Keyring.Type, err)
		}
	}
	setString(&c.Backend.FileDir, raw.Keyring.FileDir)
	return nil
}
