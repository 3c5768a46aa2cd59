package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoToken is returned when no token has been stored.
var ErrNoToken = errors.New("no token stored")

// TokenStore persists the bearer token between runs.
type TokenStore interface {
	Load() (string, error)
	Save(token string) error
	Clear() error
}

// FileTokenStore keeps the token in a file readable only by its owner.
type FileTokenStore struct {
	Path string
}

func (s *FileTokenStore) Load() (string, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

func (s *FileTokenStore) Save(token string) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return fmt.Errorf("failed to create token dir: %w", err)
	}
	if err := os.WriteFile(s.Path, []byte(strings.TrimSpace(token)+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write token: %w", err)
	}
	return nil
}

// Clear removes the stored token. Clearing an empty store is not an error.
func (s *FileTokenStore) Clear() error {
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove token: %w", err)
	}
	return nil
}

// EnvTokenStore reads the token from an environment variable. Save and
// Clear only affect the current process.
type EnvTokenStore struct {
	Key string
}

func (s *EnvTokenStore) Load() (string, error) {
	token := strings.TrimSpace(os.Getenv(s.Key))
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

func (s *EnvTokenStore) Save(token string) error { return os.Setenv(s.Key, token) }

func (s *EnvTokenStore) Clear() error { return os.Unsetenv(s.Key) }

// Chain returns the first token any store yields.
type Chain []TokenStore

func (c Chain) Load() (string, error) {
	for _, s := range c {
		token, err := s.Load()
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, ErrNoToken) {
			return "", err
		}
	}
	return "", ErrNoToken
}

// Save writes to the first store.
func (c Chain) Save(token string) error {
	if len(c) == 0 {
		return errors.New("empty token store chain")
	}
	return c[0].Save(token)
}

func (c Chain) Clear() error {
	var errs []error
	for _, s := range c {
		errs = append(errs, s.Clear())
	}
	return errors.Join(errs...)
}
