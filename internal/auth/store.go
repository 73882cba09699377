// Package auth stores the tokens the daemon needs to reach the server.
// Acquiring them is the UI's job; the daemon only reads what was saved.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
)

// ErrNoToken is returned when the requested token has not been stored.
var ErrNoToken = errors.New("auth: no token stored")

// Tokens are the credentials persisted for one session.
type Tokens struct {
	// TransportToken is the short-lived credential for the real-time connection.
	TransportToken string `toml:"transport_token"`
	AccessToken    string `toml:"access_token"`
	RefreshToken   string `toml:"refresh_token"`
}

// TokenSource hands out the current credentials.
type TokenSource interface {
	TransportToken(ctx context.Context) (string, error)
	AccessToken(ctx context.Context) (string, error)
}

// FileStore keeps Tokens in a TOML file readable only by the owner.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore returns a store backed by path. The file is created on first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the stored tokens. A missing file yields empty tokens.
func (s *FileStore) Load() (*Tokens, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *FileStore) load() (*Tokens, error) {
	var t Tokens
	if _, err := toml.DecodeFile(s.path, &t); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &t, nil
		}
		return nil, fmt.Errorf("read tokens: %w", err)
	}
	return &t, nil
}

// Save replaces the stored tokens.
func (s *FileStore) Save(t *Tokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(t)
}

func (s *FileStore) save(t *Tokens) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(t)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// SetTransportToken stores a new short-lived transport credential.
func (s *FileStore) SetTransportToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.load()
	if err != nil {
		return err
	}
	t.TransportToken = token
	return s.save(t)
}

// Delete removes every stored token (logout).
func (s *FileStore) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// TransportToken implements TokenSource.
func (s *FileStore) TransportToken(_ context.Context) (string, error) {
	t, err := s.Load()
	if err != nil {
		return "", err
	}
	if t.TransportToken == "" {
		return "", ErrNoToken
	}
	return t.TransportToken, nil
}

// AccessToken implements TokenSource.
func (s *FileStore) AccessToken(_ context.Context) (string, error) {
	t, err := s.Load()
	if err != nil {
		return "", err
	}
	if t.AccessToken == "" {
		return "", ErrNoToken
	}
	return t.AccessToken, nil
}

// Static is a fixed TokenSource.
type Static struct {
	Transport string
	Access    string
}

// TransportToken implements TokenSource.
func (s Static) TransportToken(context.Context) (string, error) {
	if s.Transport == "" {
		return "", ErrNoToken
	}
	return s.Transport, nil
}

// AccessToken implements TokenSource.
func (s Static) AccessToken(context.Context) (string, error) {
	if s.Access == "" {
		return "", ErrNoToken
	}
	return s.Access, nil
}
