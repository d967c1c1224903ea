package credential

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fdfe-tools/market-session/internal/log"
	"github.com/fdfe-tools/market-session/pkg/protocol"
)

// DefaultFilename is the name of the token file inside the output directory.
const DefaultFilename = "auth.txt"

// FileStore keeps the token in a plain file.
type FileStore struct {
	dir      string
	filename string
	logger   *log.Logger
}

// NewFileStore returns a FileStore for dir/filename. An empty filename selects DefaultFilename.
func NewFileStore(dir, filename string, logger *log.Logger) *FileStore {
	if filename == "" {
		filename = DefaultFilename
	}
	return &FileStore{dir: dir, filename: filename, logger: logger}
}

// Path is the single place the token location is computed; Load, Save and Invalidate all use
// it.
func (s *FileStore) Path() string {
	return filepath.Join(s.dir, s.filename)
}

func (s *FileStore) Load(_ context.Context) (Credential, error) {
	data, err := os.ReadFile(s.Path())
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrAbsent
	}
	if err != nil {
		return "", &protocol.StorageError{Op: "load", Path: s.Path(), Err: err}
	}
	token := Credential(strings.TrimSpace(string(data)))
	if token.IsZero() {
		return "", ErrAbsent
	}
	return token, nil
}

// Save writes token to a temporary file in the same directory and renames it over the token
// file.
func (s *FileStore) Save(_ context.Context, token Credential) error {
	path := s.Path()
	if token.IsZero() {
		return &protocol.StorageError{Op: "save", Path: path, Err: errors.New("refusing to store empty token")}
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return &protocol.StorageError{Op: "save", Path: path, Err: err}
	}
	tmp, err := os.CreateTemp(dir, "."+s.filename+".*")
	if err != nil {
		return &protocol.StorageError{Op: "save", Path: path, Err: err}
	}
	defer os.Remove(tmp.Name()) // No-op once renamed

	if _, err := tmp.WriteString(string(token)); err != nil {
		tmp.Close()
		return &protocol.StorageError{Op: "save", Path: path, Err: err}
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return &protocol.StorageError{Op: "save", Path: path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &protocol.StorageError{Op: "save", Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &protocol.StorageError{Op: "save", Path: path, Err: err}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return &protocol.StorageError{Op: "save", Path: path, Err: err}
	}
	s.logger.Debug("Saved auth token to %s", path)
	return nil
}

func (s *FileStore) Invalidate(_ context.Context) error {
	path := s.Path()
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Info("Auth token %s already absent", path)
		return nil
	}
	if err != nil {
		return &protocol.StorageError{Op: "invalidate", Path: path, Err: err}
	}
	s.logger.Info("Deleted auth token %s", path)
	return nil
}
