package session

import (
	"context"
	"errors"
	"sync"

	"github.com/fdfe-tools/market-session/internal/log"
	"github.com/fdfe-tools/market-session/pkg/auth"
	"github.com/fdfe-tools/market-session/pkg/connector/inet"
	"github.com/fdfe-tools/market-session/pkg/credential"
	"github.com/fdfe-tools/market-session/pkg/prefetch"
	"github.com/fdfe-tools/market-session/pkg/protocol"
	"github.com/fdfe-tools/market-session/pkg/wire"
)

const (
	// ValidationPath is requested to check whether a token is accepted.
	ValidationPath = "browse?c=0"

	validationRetries = 1
)

// Config fields determine how a Session obtains its token and reaches the API.
type Config struct {
	Store         credential.Store
	Authenticator auth.Authenticator

	// Account used when a new token is required.
	Email    string
	Password string

	Executor inet.Config

	// Retries is the attempt budget for Execute. Defaults to inet.DefaultRetries.
	Retries int

	// CacheSize bounds the prefetch cache. Zero means unbounded.
	CacheSize int

	// ReloginOnInvalidToken makes New log in again when the stored token is rejected, instead
	// of failing.
	ReloginOnInvalidToken bool

	Logger *log.Logger
}

type Session struct {
	store         credential.Store
	authenticator auth.Authenticator
	executor      *inet.Executor
	cache         *prefetch.Cache
	logger        *log.Logger

	email    string
	password string
	retries  int
	relogin  bool

	lock  sync.Mutex
	token credential.Credential
}

// New creates a Session and makes sure it holds a token the server accepts. On failure it
// returns a *protocol.FatalAuthError and no Session.
func New(ctx context.Context, config Config) (*Session, error) {
	s, err := newSession(config)
	if err != nil {
		return nil, err
	}
	if err := s.getValidToken(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func newSession(config Config) (*Session, error) {
	if config.Store == nil {
		return nil, errors.New("session requires a credential store")
	}
	if config.Authenticator == nil {
		return nil, errors.New("session requires an authenticator")
	}
	if config.Logger == nil {
		config.Logger = log.Discard()
	}
	if config.Retries <= 0 {
		config.Retries = inet.DefaultRetries
	}
	s := &Session{
		store:         config.Store,
		authenticator: config.Authenticator,
		cache:         prefetch.New(config.CacheSize),
		logger:        config.Logger,
		email:         config.Email,
		password:      config.Password,
		retries:       config.Retries,
		relogin:       config.ReloginOnInvalidToken,
	}
	s.executor = inet.NewExecutor(config.Executor, s, s.cache, s.logger)
	return s, nil
}

// Token returns the token currently in use.
func (s *Session) Token() credential.Credential {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.token
}

func (s *Session) setToken(token credential.Credential) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.token = token
}

// Cache returns the prefetch cache.
func (s *Session) Cache() *prefetch.Cache {
	return s.cache
}

func (s *Session) getValidToken(ctx context.Context) error {
	token, err := s.store.Load(ctx)
	if errors.Is(err, credential.ErrAbsent) {
		s.logger.Info("NO AUTH CODE ... logging in to get a new one.")
		return s.login(ctx)
	}
	if err != nil {
		s.logger.Error("Could not read stored auth token: %s", err)
		return &protocol.FatalAuthError{Err: err}
	}

	s.logger.Info("AUTH CODE: %s", token)
	s.setToken(token)
	verr := s.validate(ctx)
	if verr == nil {
		return nil
	}

	s.setToken("")
	if err := s.store.Invalidate(ctx); err != nil {
		s.logger.Error("Could not delete rejected auth token: %s", err)
	}
	if s.relogin {
		s.logger.Info("Stored auth token rejected ... logging in to get a new one.")
		return s.login(ctx)
	}
	return &protocol.FatalAuthError{Err: verr}
}

func (s *Session) login(ctx context.Context) error {
	token, err := s.authenticator.Login(ctx, s.email, s.password)
	if err != nil {
		s.logger.Error("Login failed: %s", err)
		return &protocol.FatalAuthError{Err: err}
	}
	if err := s.store.Save(ctx, token); err != nil {
		s.logger.Error("Could not save auth token: %s", err)
		return &protocol.FatalAuthError{Err: err}
	}
	s.setToken(token)
	return nil
}

// Relogin discards the current token and obtains a new one from the Authenticator.
func (s *Session) Relogin(ctx context.Context) error {
	s.logger.Info("Logging in to replace auth token")
	return s.login(ctx)
}

// Logout deletes the stored token. The Session cannot make authenticated requests until
// Relogin succeeds.
func (s *Session) Logout(ctx context.Context) error {
	s.setToken("")
	s.cache.Purge()
	return s.store.Invalidate(ctx)
}

func (s *Session) validate(ctx context.Context) error {
	if s.Token().IsZero() {
		return &protocol.ValidationFailure{Err: protocol.ErrNoCredentials}
	}
	s.logger.Info("VALIDATE auth token ... calling /browse page")
	// A prefetched copy of the browse page says nothing about the token.
	s.cache.Delete(ValidationPath)
	if _, err := s.executor.Execute(ctx, ValidationPath, nil, validationRetries); err != nil {
		s.logger.Error("ERROR Login validation error: %s", err)
		return &protocol.ValidationFailure{Err: err}
	}
	s.logger.Info("GOOD Login validation successful")
	return nil
}

// Validate makes a single request with the current token and reports whether it succeeded.
func (s *Session) Validate(ctx context.Context) bool {
	return s.validate(ctx) == nil
}

// Execute requests path using the Session's default retry budget. A nil body issues a GET,
// which may be answered from the prefetch cache.
func (s *Session) Execute(ctx context.Context, path string, body []byte) (*wire.Response, error) {
	return s.ExecuteWithRetries(ctx, path, body, s.retries)
}

// ExecuteWithRetries requests path with at most maxRetries attempts. After Logout it fails with
// a FatalAuthError wrapping protocol.ErrNoCredentials until Relogin succeeds.
func (s *Session) ExecuteWithRetries(ctx context.Context, path string, body []byte, maxRetries int) (*wire.Response, error) {
	if s.Token().IsZero() {
		s.logger.Error("No auth token for %s; log in first", path)
		return nil, &protocol.FatalAuthError{Err: protocol.ErrNoCredentials}
	}
	return s.executor.Execute(ctx, path, body, maxRetries)
}
