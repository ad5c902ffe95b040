// Package credentials stores destination passwords. Secrets live in the
// operating system keyring when one is available and in an encrypted file
// under the config directory otherwise.
package credentials

import (
	"errors"
	"fmt"
	"sync"

	"github.com/warpdl/warpvault/pkg/logger"
)

var (
	ErrSecretNotFound = errors.New("secret not found")
	ErrEmptySecret    = errors.New("secret is empty")
)

// Store is a secret backend keyed by destination id.
type Store interface {
	Set(destinationID, secret string) error
	Get(destinationID string) (string, error)
	Delete(destinationID string) error
}

// Manager stores secrets in the keyring, falling back to an encrypted file
// once the keyring fails for any reason other than a missing entry.
type Manager struct {
	mu       sync.Mutex
	primary  Store
	fallback Store
	degraded bool
	log      logger.Logger
}

// NewManager creates a manager over the system keyring and an encrypted
// file in configDir.
func NewManager(configDir string, l logger.Logger) *Manager {
	return newManager(NewKeyringStore(), NewFileStore(configDir), l)
}

func newManager(primary, fallback Store, l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNopLogger()
	}
	return &Manager{primary: primary, fallback: fallback, log: l}
}

func (m *Manager) store() (Store, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.degraded {
		return m.fallback, true
	}
	return m.primary, false
}

func (m *Manager) degrade(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.degraded {
		m.log.Warning("credentials: keyring unavailable, using encrypted file: %v", err)
		m.degraded = true
	}
}

// Set stores the secret of a destination.
func (m *Manager) Set(destinationID, secret string) error {
	if secret == "" {
		return ErrEmptySecret
	}
	s, degraded := m.store()
	err := s.Set(destinationID, secret)
	if err == nil || degraded {
		return err
	}
	m.degrade(err)
	return m.fallback.Set(destinationID, secret)
}

// Get returns the secret of a destination. A secret stored in the file is
// found even while the keyring works.
func (m *Manager) Get(destinationID string) (string, error) {
	s, degraded := m.store()
	v, err := s.Get(destinationID)
	if err == nil || degraded {
		return v, err
	}
	if !errors.Is(err, ErrSecretNotFound) {
		m.degrade(err)
	}
	return m.fallback.Get(destinationID)
}

// Delete removes the secret of a destination from both backends.
func (m *Manager) Delete(destinationID string) error {
	perr := m.primary.Delete(destinationID)
	ferr := m.fallback.Delete(destinationID)
	switch {
	case perr == nil || ferr == nil:
		return nil
	case errors.Is(perr, ErrSecretNotFound) && errors.Is(ferr, ErrSecretNotFound):
		return ErrSecretNotFound
	case !errors.Is(perr, ErrSecretNotFound):
		return fmt.Errorf("delete secret: %w", perr)
	}
	return fmt.Errorf("delete secret: %w", ferr)
}

// Secret implements transport.Secrets. A missing secret is not an error.
func (m *Manager) Secret(destinationID string) (string, error) {
	v, err := m.Get(destinationID)
	if errors.Is(err, ErrSecretNotFound) {
		return "", nil
	}
	return v, err
}
