package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

const (
	secretsFileName = "secrets.json"
	keyFileName     = "secrets.key"
	fileMode        = 0600

	gcmPrefix = "gcm1"
)

var ErrInvalidKey = errors.New("invalid secrets key")

// FileStore keeps AES-GCM encrypted secrets in a JSON file next to a
// random 32-byte key file. Both files are written with 0600 permissions.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

func NewFileStore(configDir string) *FileStore {
	return &FileStore{dir: configDir}
}

func (f *FileStore) secretsPath() string { return filepath.Join(f.dir, secretsFileName) }
func (f *FileStore) keyPath() string     { return filepath.Join(f.dir, keyFileName) }

// key loads the key, creating it when create is set and none exists.
func (f *FileStore) key(create bool) ([]byte, error) {
	data, err := os.ReadFile(f.keyPath())
	if errors.Is(err, fs.ErrNotExist) && create {
		key := make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return nil, fmt.Errorf("generate key: %w", err)
		}
		if err := writeAtomic(f.dir, f.keyPath(), []byte(hex.EncodeToString(key))); err != nil {
			return nil, err
		}
		return key, nil
	}
	if err != nil {
		return nil, err
	}
	key, err := hex.DecodeString(string(data))
	if err != nil || len(key) != 32 {
		return nil, ErrInvalidKey
	}
	return key, nil
}

func (f *FileStore) load() (map[string]string, error) {
	m := make(map[string]string)
	data, err := os.ReadFile(f.secretsPath())
	if errors.Is(err, fs.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", secretsFileName, err)
	}
	return m, nil
}

func (f *FileStore) save(m map[string]string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(f.dir, f.secretsPath(), data)
}

func (f *FileStore) Set(id, secret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, err := f.key(true)
	if err != nil {
		return err
	}
	m, err := f.load()
	if err != nil {
		return err
	}
	enc, err := encryptValue(secret, key)
	if err != nil {
		return err
	}
	m[id] = base64.StdEncoding.EncodeToString(enc)
	return f.save(m)
}

func (f *FileStore) Get(id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, err := f.load()
	if err != nil {
		return "", err
	}
	v, ok := m[id]
	if !ok {
		return "", ErrSecretNotFound
	}
	key, err := f.key(false)
	if err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}
	plain, err := decryptValue(raw, key)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func (f *FileStore) Delete(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := m[id]; !ok {
		return ErrSecretNotFound
	}
	delete(m, id)
	return f.save(m)
}

// writeAtomic writes data through a temp file and rename.
func writeAtomic(dir, path string, data []byte) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, fileMode); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func encryptValue(value string, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	ciphertext := gcm.Seal(nil, nonce, []byte(value), nil)
	out := make([]byte, 0, len(gcmPrefix)+len(nonce)+len(ciphertext))
	out = append(out, gcmPrefix...)
	out = append(out, nonce...)
	return append(out, ciphertext...), nil
}

func decryptValue(ciphertext, key []byte) ([]byte, error) {
	if len(ciphertext) < len(gcmPrefix) || string(ciphertext[:len(gcmPrefix)]) != gcmPrefix {
		return nil, fmt.Errorf("unknown secret encoding")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	ns := gcm.NonceSize()
	if len(ciphertext) < len(gcmPrefix)+ns {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce := ciphertext[len(gcmPrefix) : len(gcmPrefix)+ns]
	return gcm.Open(nil, nonce, ciphertext[len(gcmPrefix)+ns:], nil)
}
