// Package crypto keeps secrets, such as SSH key passphrases, encrypted with
// fernet in the settings table.
package crypto

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fernet/fernet-go"

	"github.com/gluk-w/claworc/termrt/internal/database"
	"github.com/gluk-w/claworc/termrt/internal/sshconn"
)

const (
	keySetting    = "fernet_key"
	secretPrefix  = "secret:"
	passphraseFor = "ssh_passphrase:"
)

// Settings is the storage the secret store sits on.
type Settings interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error
}

// SecretStore retrieves and stores secrets by name.
type SecretStore struct {
	settings Settings

	mu  sync.Mutex
	key *fernet.Key
}

func NewSecretStore(settings Settings) *SecretStore {
	return &SecretStore{settings: settings}
}

// getKey loads the fernet key, generating and saving one on first use.
func (s *SecretStore) getKey(ctx context.Context) (*fernet.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != nil {
		return s.key, nil
	}

	keyStr, err := s.settings.GetSetting(ctx, keySetting)
	if errors.Is(err, database.ErrNotFound) {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		if err := s.settings.SetSetting(ctx, keySetting, k.Encode()); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		s.key = &k
		return s.key, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load fernet key: %w", err)
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	s.key = key
	return key, nil
}

func (s *SecretStore) Encrypt(ctx context.Context, plaintext string) (string, error) {
	key, err := s.getKey(ctx)
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

func (s *SecretStore) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	key, err := s.getKey(ctx)
	if err != nil {
		return "", err
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0*time.Second, []*fernet.Key{key})
	if msg == nil {
		return "", errors.New("decrypt: invalid token")
	}
	return string(msg), nil
}

// Get returns the secret stored under name, or "" when there is none.
func (s *SecretStore) Get(ctx context.Context, name string) (string, error) {
	enc, err := s.settings.GetSetting(ctx, secretPrefix+name)
	if errors.Is(err, database.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return s.Decrypt(ctx, enc)
}

// Put stores value under name. An empty value deletes the secret.
func (s *SecretStore) Put(ctx context.Context, name, value string) error {
	if value == "" {
		return s.settings.DeleteSetting(ctx, secretPrefix+name)
	}
	enc, err := s.Encrypt(ctx, value)
	if err != nil {
		return err
	}
	return s.settings.SetSetting(ctx, secretPrefix+name, enc)
}

// SetPassphrase stores the passphrase of the private key at keyPath.
func (s *SecretStore) SetPassphrase(ctx context.Context, keyPath, passphrase string) error {
	return s.Put(ctx, passphraseFor+keyPath, passphrase)
}

// Passphrases adapts the store to the dialer's passphrase hook.
func (s *SecretStore) Passphrases() sshconn.PassphraseFunc {
	return func(keyPath string) (string, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Get(ctx, passphraseFor+keyPath)
	}
}

// Mask hides all but the last four characters of a secret.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
