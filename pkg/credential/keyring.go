package credential

import (
	"context"
	"errors"

	"github.com/99designs/keyring"

	"github.com/fdfe-tools/market-session/internal/log"
	"github.com/fdfe-tools/market-session/pkg/protocol"
)

const keyringTokenService = "authtoken"

// KeyringStore keeps the token in the system keyring.
type KeyringStore struct {
	config keyring.Config
	name   string
	logger *log.Logger

	// open is replaced in tests.
	open func(keyring.Config) (keyring.Keyring, error)
}

// NewKeyringStore returns a KeyringStore that stores the token under name.
func NewKeyringStore(config keyring.Config, name string, logger *log.Logger) *KeyringStore {
	return &KeyringStore{config: config, name: name, logger: logger, open: keyring.Open}
}

func (s *KeyringStore) key() string {
	return keyringTokenService + "." + s.name
}

func (s *KeyringStore) Load(_ context.Context) (Credential, error) {
	kr, err := s.open(s.config)
	if err != nil {
		return "", &protocol.StorageError{Op: "load", Path: s.key(), Err: err}
	}
	item, err := kr.Get(s.key())
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", ErrAbsent
	}
	if err != nil {
		return "", &protocol.StorageError{Op: "load", Path: s.key(), Err: err}
	}
	token := Credential(item.Data)
	if token.IsZero() {
		return "", ErrAbsent
	}
	return token, nil
}

func (s *KeyringStore) Save(_ context.Context, token Credential) error {
	if token.IsZero() {
		return &protocol.StorageError{Op: "save", Path: s.key(), Err: errors.New("refusing to store empty token")}
	}
	kr, err := s.open(s.config)
	if err != nil {
		return &protocol.StorageError{Op: "save", Path: s.key(), Err: err}
	}
	if err := kr.Set(keyring.Item{
		Key:   s.key(),
		Data:  []byte(token),
		Label: "fdfe auth token",
	}); err != nil {
		return &protocol.StorageError{Op: "save", Path: s.key(), Err: err}
	}
	s.logger.Debug("Saved auth token to keyring entry %s", s.key())
	return nil
}

func (s *KeyringStore) Invalidate(_ context.Context) error {
	kr, err := s.open(s.config)
	if err != nil {
		return &protocol.StorageError{Op: "invalidate", Path: s.key(), Err: err}
	}
	err = kr.Remove(s.key())
	if errors.Is(err, keyring.ErrKeyNotFound) {
		s.logger.Info("Keyring entry %s already absent", s.key())
		return nil
	}
	if err != nil {
		return &protocol.StorageError{Op: "invalidate", Path: s.key(), Err: err}
	}
	s.logger.Info("Deleted keyring entry %s", s.key())
	return nil
}
