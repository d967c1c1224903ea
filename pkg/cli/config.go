/*
Package cli facilitates building command-line applications that talk to the store API. It defines a
[Config] type that can be used to register common command-line flags (using the Golang flag
package), environment variable equivalents, and an optional TOML configuration file.

The package uses [keyring]'s platform-agnostic interface for storing auth tokens in an OS-dependent
credential store when a token name is configured; otherwise tokens live in a plain file.

# Examples

	config, err := NewConfig()
	if err != nil {
		panic(err)
	}
	config.RegisterCommandLineFlags() // Adds command-line flags for the account, token, device, etc.
	flag.Parse()
	config.ReadFromEnvironment()      // Fills in missing fields using environment variables
	if err := config.ReadConfigFile(); err != nil { // Fills in whatever is still missing
		panic(err)
	}

	logger, closeLog, err := config.Logger()
	if err != nil {
		panic(err)
	}
	defer closeLog()

	// Loads, validates or obtains a token. Prompts for the account password only if a login is
	// needed and no password was configured.
	s, err := config.Session(ctx, logger)

Precedence is command-line flags, then environment variables, then the configuration file, then
built-in defaults.
*/
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/99designs/keyring"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/fdfe-tools/market-session/internal/log"
	"github.com/fdfe-tools/market-session/pkg/auth"
	"github.com/fdfe-tools/market-session/pkg/connector"
	"github.com/fdfe-tools/market-session/pkg/connector/inet"
	"github.com/fdfe-tools/market-session/pkg/credential"
	"github.com/fdfe-tools/market-session/pkg/session"
)

// Environment variable names used by [Config.ReadFromEnvironment] to set common parameters.
const (
	EnvMarketConfigFile    = "MARKET_CONFIG_FILE"
	EnvMarketEmail         = "MARKET_EMAIL"
	EnvMarketPassword      = "MARKET_PASSWORD"
	EnvMarketTokenName     = "MARKET_TOKEN_NAME"
	EnvMarketTokenFile     = "MARKET_TOKEN_FILE"
	EnvMarketOutputDir     = "MARKET_OUTPUT_DIR"
	EnvMarketDeviceID      = "MARKET_DEVICE_ID"
	EnvMarketLanguage      = "MARKET_LANGUAGE"
	EnvMarketInsecure      = "MARKET_INSECURE"
	EnvMarketRelogin       = "MARKET_RELOGIN"
	EnvMarketLogLevel      = "MARKET_LOG_LEVEL"
	EnvMarketLogFile       = "MARKET_LOG_FILE"
	EnvMarketKeyringType   = "MARKET_KEYRING_TYPE"
	EnvMarketKeyringPass   = "MARKET_KEYRING_PASSWORD"
	EnvMarketKeyringPath   = "MARKET_KEYRING_PATH"
	EnvMarketKeyringDebug  = "MARKET_KEYRING_DEBUG"
	defaultLogLevel        = "info"
	defaultOutputDirectory = "."
)

// Config fields determine how a client authenticates and which device it emulates.
type Config struct {
	ConfigFile string

	Email            string
	KeyringTokenName string // Username for auth token in system keyring
	TokenFilename    string
	OutputDir        string // Directory for the token file when TokenFilename is unset

	LoginURL    string
	Service     string
	AccountType string

	BaseURL            string
	Device             connector.Device
	Retries            int
	Backoff            time.Duration
	CacheSize          int
	InsecureSkipVerify bool
	Relogin            bool

	LogLevel string
	LogFile  string

	Backend     keyring.Config
	BackendType backendType
	Debug       bool // Enable keyring debug messages

	accountPassword *string
	keyringPassword *string
	backoffSet      bool
	logger          *log.Logger
}

func NewConfig() (*Config, error) {
	c := Config{
		Backoff: inet.DefaultBackoff,
		Backend: keyring.Config{
			ServiceName:              keyringServiceName,
			KeychainTrustApplication: true,
			KeyCtlScope:              "user",
		},
	}
	c.BackendType = backendType{&c}
	c.Backend.KeychainPasswordFunc = c.getKeyringPassword
	c.Backend.FilePasswordFunc = c.getKeyringPassword
	return &c, nil
}

// backoffValue lets the config file tell an explicit -backoff from the default.
type backoffValue struct {
	config *Config
}

func (b backoffValue) String() string {
	if b.config == nil {
		return inet.DefaultBackoff.String()
	}
	return b.config.Backoff.String()
}

func (b backoffValue) Set(v string) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	if d < 0 {
		return fmt.Errorf("negative backoff %s", d)
	}
	b.config.Backoff = d
	b.config.backoffSet = true
	return nil
}

// RegisterCommandLineFlags adds c's options to the default flag set.
func (c *Config) RegisterCommandLineFlags() {
	c.RegisterFlags(flag.CommandLine)
}

// RegisterFlags adds c's options to fs.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", "", "TOML configuration `file`. Defaults to $MARKET_CONFIG_FILE.")
	fs.StringVar(&c.Email, "email", "", "Account `email` used to obtain a new token. Defaults to $MARKET_EMAIL.")
	fs.StringVar(&c.KeyringTokenName, "token-name", "", "System keyring `name` for auth token. Defaults to $MARKET_TOKEN_NAME.")
	fs.StringVar(&c.TokenFilename, "token-file", "", "`File` containing auth token. Defaults to $MARKET_TOKEN_FILE.")
	fs.StringVar(&c.OutputDir, "output-dir", "", "`Directory` holding auth.txt when no token file is given. Defaults to $MARKET_OUTPUT_DIR.")
	fs.StringVar(&c.Device.ID, "device-id", "", "Android device `id` sent with every request. Defaults to $MARKET_DEVICE_ID.")
	fs.StringVar(&c.Device.Language, "lang", "", "Request `language`. Defaults to $MARKET_LANGUAGE or "+connector.DefaultLanguage+".")
	fs.IntVar(&c.Retries, "retries", 0, "Maximum `attempts` per request")
	fs.Var(backoffValue{c}, "backoff", "Delay between failed attempts")
	fs.IntVar(&c.CacheSize, "cache-size", 0, "Maximum number of prefetched responses to keep (0 for no limit)")
	fs.BoolVar(&c.InsecureSkipVerify, "insecure", false, "Skip TLS certificate verification")
	fs.BoolVar(&c.Relogin, "relogin", false, "Log in again when the stored token is rejected")
	fs.StringVar(&c.LogLevel, "log-level", "", "Log `level` (none|error|warn|info|debug). Defaults to $MARKET_LOG_LEVEL or info.")
	fs.StringVar(&c.LogFile, "log-file", "", "Write logs to a rotated `file` instead of stderr. Defaults to $MARKET_LOG_FILE.")

	var names []string
	for _, name := range keyring.AvailableBackends() {
		names = append(names, string(name))
	}
	sort.Strings(names)
	fs.Var(&c.BackendType, "keyring-type", "Keyring `type` ("+strings.Join(names, "|")+"). Defaults to $MARKET_KEYRING_TYPE.")
	fs.StringVar(&c.Backend.FileDir, "keyring-file-dir", "", "keyring `directory` for file-backed keyring types")
	fs.BoolVar(&c.Debug, "keyring-debug", false, "Enable keyring debug logging")
}

func lookupBool(name string) (bool, bool) {
	value, ok := os.LookupEnv(name)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		// Presence alone enables the option, as with MARKET_KEYRING_DEBUG.
		return true, true
	}
	return b, true
}

// ReadFromEnvironment populates c using environment variables. Values that are already populated
// are not overwritten.
//
// Calling ReadFromEnvironment after flag.Parse() (or other initialization method) will prevent the
// environment from overriding explicit command-line parameters.
func (c *Config) ReadFromEnvironment() {
	setString := func(field *string, name string) {
		if *field == "" {
			*field = os.Getenv(name)
		}
	}
	setString(&c.ConfigFile, EnvMarketConfigFile)
	setString(&c.Email, EnvMarketEmail)
	setString(&c.OutputDir, EnvMarketOutputDir)
	setString(&c.Device.ID, EnvMarketDeviceID)
	setString(&c.Device.Language, EnvMarketLanguage)
	setString(&c.LogLevel, EnvMarketLogLevel)
	setString(&c.LogFile, EnvMarketLogFile)
	if c.KeyringTokenName == "" && c.TokenFilename == "" {
		c.KeyringTokenName = os.Getenv(EnvMarketTokenName)
		c.TokenFilename = os.Getenv(EnvMarketTokenFile)
	}
	if c.accountPassword == nil {
		if password, ok := os.LookupEnv(EnvMarketPassword); ok {
			c.accountPassword = &password
		}
	}
	if !c.InsecureSkipVerify {
		c.InsecureSkipVerify, _ = lookupBool(EnvMarketInsecure)
	}
	if !c.Relogin {
		c.Relogin, _ = lookupBool(EnvMarketRelogin)
	}

	if c.BackendType.String() == string(keyring.InvalidBackend) {
		_ = c.BackendType.Set(os.Getenv(EnvMarketKeyringType))
	}
	if c.keyringPassword == nil {
		password := os.Getenv(EnvMarketKeyringPass)
		c.keyringPassword = &password
	}
	setString(&c.Backend.FileDir, EnvMarketKeyringPath)
	if !c.Debug {
		_, c.Debug = os.LookupEnv(EnvMarketKeyringDebug)
	}
}

// SetPassword sets the account password, bypassing the environment and interactive prompt.
func (c *Config) SetPassword(password string) {
	c.accountPassword = &password
}

// Logger builds the logger described by c. When c.LogFile is set, output goes to a size-rotated
// file; the returned function closes it.
func (c *Config) Logger() (*log.Logger, func() error, error) {
	name := c.LogLevel
	if name == "" {
		name = defaultLogLevel
	}
	level, err := log.ParseLevel(name)
	if err != nil {
		return nil, nil, err
	}
	if c.LogFile == "" {
		c.logger = log.New(os.Stderr, level)
		return c.logger, func() error { return nil }, nil
	}
	if err := os.MkdirAll(filepath.Dir(c.LogFile), 0755); err != nil {
		return nil, nil, err
	}
	lj := &lumberjack.Logger{
		Filename:   c.LogFile,
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
		LocalTime:  true,
	}
	c.logger = log.New(lj, level)
	return c.logger, lj.Close, nil
}

func (c *Config) logf() *log.Logger {
	if c.logger == nil {
		return log.Discard()
	}
	return c.logger
}

// Store returns the token store selected by c. A keyring name takes precedence over a token file.
func (c *Config) Store(logger *log.Logger) credential.Store {
	if c.KeyringTokenName != "" {
		if c.Backend.FileDir == "" {
			c.Backend.FileDir = keyringDirectory
		}
		keyring.Debug = c.Debug
		return credential.NewKeyringStore(c.Backend, c.KeyringTokenName, logger)
	}
	if c.TokenFilename != "" {
		return credential.NewFileStore(filepath.Dir(c.TokenFilename), filepath.Base(c.TokenFilename), logger)
	}
	dir := c.OutputDir
	if dir == "" {
		dir = defaultOutputDirectory
	}
	return credential.NewFileStore(dir, credential.DefaultFilename, logger)
}

// Authenticator returns the login client selected by c. The account password is requested only
// when a login actually happens.
func (c *Config) Authenticator(logger *log.Logger) auth.Authenticator {
	client := auth.New(auth.Config{
		URL:                c.LoginURL,
		Service:            c.Service,
		AccountType:        c.AccountType,
		UserAgent:          c.Device.UserAgent,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}, logger)
	return &promptingAuthenticator{Authenticator: client, password: c.getAccountPassword}
}

// SessionConfig assembles a session.Config from c.
func (c *Config) SessionConfig(logger *log.Logger) session.Config {
	return session.Config{
		Store:         c.Store(logger),
		Authenticator: c.Authenticator(logger),
		Email:         c.Email,
		Executor: inet.Config{
			BaseURL:            c.BaseURL,
			Device:             c.Device,
			Backoff:            c.Backoff,
			InsecureSkipVerify: c.InsecureSkipVerify,
		},
		Retries:               c.Retries,
		CacheSize:             c.CacheSize,
		ReloginOnInvalidToken: c.Relogin,
		Logger:                logger,
	}
}

// Session creates a session.Session from c.
func (c *Config) Session(ctx context.Context, logger *log.Logger) (*session.Session, error) {
	if c.Device.ID == "" {
		return nil, errors.New("a device id is required (use -device-id or $" + EnvMarketDeviceID + ")")
	}
	return session.New(ctx, c.SessionConfig(logger))
}

type promptingAuthenticator struct {
	auth.Authenticator
	password func(prompt string) (string, error)
}

func (a *promptingAuthenticator) Login(ctx context.Context, email, password string) (credential.Credential, error) {
	if password == "" && email != "" {
		var err error
		if password, err = a.password("Password for " + email); err != nil {
			return "", err
		}
	}
	return a.Authenticator.Login(ctx, email, password)
}
