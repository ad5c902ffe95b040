package credentials

import (
	"errors"

	"github.com/zalando/go-keyring"
)

const DEF_SERVICE = "warpvault"

var (
	keyringSet    = keyring.Set
	keyringGet    = keyring.Get
	keyringDelete = keyring.Delete
)

// KeyringStore keeps secrets in the operating system keyring.
type KeyringStore struct {
	Service string
}

func NewKeyringStore() *KeyringStore {
	return &KeyringStore{Service: DEF_SERVICE}
}

func (k *KeyringStore) user(id string) string {
	return "destination:" + id
}

func (k *KeyringStore) Set(id, secret string) error {
	return keyringSet(k.Service, k.user(id), secret)
}

func (k *KeyringStore) Get(id string) (string, error) {
	v, err := keyringGet(k.Service, k.user(id))
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrSecretNotFound
	}
	return v, err
}

func (k *KeyringStore) Delete(id string) error {
	err := keyringDelete(k.Service, k.user(id))
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrSecretNotFound
	}
	return err
}
