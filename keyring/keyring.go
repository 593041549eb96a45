// Package keyring provides secure credential storage.
// It holds the WARP+ license key, using the system keyring when available
// and falling back to an encrypted local file when not.
package keyring

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/yllada/warp-manager/common"
)

const (
	// serviceName is the identifier used in the system keyring.
	serviceName = "warp-manager"

	// LicenseKey is the credential name of the WARP+ license.
	LicenseKey = "warp-license"
)

// Common errors returned by keyring operations.
var (
	ErrNotFound = common.ErrCredentialsNotFound
	ErrEmpty    = errors.New("credential name and secret must not be empty")
)

// backend is the subset of the system keyring API the store relies on.
type backend interface {
	Set(service, user, secret string) error
	Get(service, user string) (string, error)
	Delete(service, user string) error
}

type systemBackend struct{}

func (systemBackend) Set(service, user, secret string) error { return keyring.Set(service, user, secret) }
func (systemBackend) Get(service, user string) (string, error) { return keyring.Get(service, user) }
func (systemBackend) Delete(service, user string) error        { return keyring.Delete(service, user) }

// Store implements common.CredentialStore.
type Store struct {
	mu        sync.RWMutex
	system    backend
	useLocal  bool
	local     map[string]string
	localFile string
	key       []byte
	initOnce  sync.Once
}

// NewStore returns a store that probes the system keyring on first use
// and keeps its fallback file in dir.
func NewStore(dir string) *Store {
	return &Store{
		system:    systemBackend{},
		localFile: filepath.Join(dir, common.CredentialsFileName),
	}
}

// newFileStore returns a store that never touches the system keyring.
func newFileStore(dir string) *Store {
	s := &Store{localFile: filepath.Join(dir, common.CredentialsFileName)}
	s.initOnce.Do(func() { s.initLocal() })
	return s
}

func (s *Store) init() {
	s.initOnce.Do(func() {
		testKey := serviceName + "-probe"
		if err := s.system.Set(serviceName, testKey, "probe"); err == nil {
			s.system.Delete(serviceName, testKey)
			return
		}
		common.LogWarn("Keyring: system keyring unavailable, using encrypted file %s", s.localFile)
		s.initLocal()
	})
}

func (s *Store) initLocal() {
	s.useLocal = true
	os.MkdirAll(filepath.Dir(s.localFile), 0700)

	// Key material is bound to this machine and user
	hostname, _ := os.Hostname()
	keyData := fmt.Sprintf("%s-%s-%s-%d", serviceName, hostname, machineID(), os.Getuid())
	hash := sha256.Sum256([]byte(keyData))
	s.key = hash[:]

	s.local = make(map[string]string)
	s.loadLocal()
}

func machineID() string {
	data, err := os.ReadFile("/etc/machine-id")
	if err == nil {
		return strings.TrimSpace(string(data))
	}
	return "default-machine-id"
}

func (s *Store) loadLocal() {
	data, err := os.ReadFile(s.localFile)
	if err != nil {
		return
	}

	decrypted, err := s.decrypt(data)
	if err != nil {
		common.LogWarn("Keyring: ignoring unreadable credentials file: %v", err)
		return
	}

	json.Unmarshal(decrypted, &s.local)
}

// saveLocal persists the local map. Callers hold s.mu.
func (s *Store) saveLocal() error {
	data, err := json.Marshal(s.local)
	if err != nil {
		return err
	}

	encrypted, err := s.encrypt(data)
	if err != nil {
		return err
	}

	return os.WriteFile(s.localFile, encrypted, 0600)
}

func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrEncryption, err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrEncryption, err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, []byte(serviceName))
	return []byte(base64.StdEncoding.EncodeToString(sealed)), nil
}

func (s *Store) decrypt(data []byte) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}

	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", common.ErrDecryption)
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(serviceName))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	return plaintext, nil
}

// Store saves a secret under name.
func (s *Store) Store(name, secret string) error {
	if name == "" || secret == "" {
		return ErrEmpty
	}
	s.init()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.useLocal {
		if err := s.system.Set(serviceName, name, secret); err == nil {
			return nil
		}
		common.LogWarn("Keyring: system keyring write failed, falling back to file")
		s.initLocal()
	}

	s.local[name] = secret
	return s.saveLocal()
}

// Get retrieves the secret stored under name.
func (s *Store) Get(name string) (string, error) {
	if name == "" {
		return "", ErrEmpty
	}
	s.init()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.useLocal {
		secret, err := s.system.Get(serviceName, name)
		if err == nil {
			return secret, nil
		}
		if !errors.Is(err, keyring.ErrNotFound) {
			common.LogWarn("Keyring: lookup of %s failed: %v", name, err)
		}
		return "", ErrNotFound
	}

	secret, ok := s.local[name]
	if !ok {
		return "", ErrNotFound
	}
	return secret, nil
}

// Delete removes the secret stored under name.
func (s *Store) Delete(name string) error {
	if name == "" {
		return ErrEmpty
	}
	s.init()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.useLocal {
		err := s.system.Delete(serviceName, name)
		if err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return err
		}
		return nil
	}

	delete(s.local, name)
	return s.saveLocal()
}

// Exists checks if a secret exists under name.
func (s *Store) Exists(name string) bool {
	_, err := s.Get(name)
	return err == nil
}
