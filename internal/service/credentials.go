package service

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/forgecrew/forgecrew/internal/config"
	"github.com/forgecrew/forgecrew/internal/domain/fcerr"
	"github.com/forgecrew/forgecrew/internal/port/database"
)

const nonceSize = 12 // standard GCM nonce length

// CredentialService resolves and unseals the API credential for a task.
// Resolution order: task-scoped credential, then the user's default, then
// the process-wide environment fallback.
type CredentialService struct {
	store database.Store
	cfg   config.Credential
	key   []byte
	log   *slog.Logger
}

// NewCredentialService derives the sealing key and returns the service.
func NewCredentialService(store database.Store, cfg config.Credential, log *slog.Logger) (*CredentialService, error) {
	if cfg.SealKey == "" {
		return nil, errors.New("credential seal key is not configured")
	}
	return &CredentialService{store: store, cfg: cfg, key: deriveKey(cfg.SealKey), log: log}, nil
}

// deriveKey derives a 32-byte AES-256 key from the seal secret using SHA-256.
func deriveKey(secret string) []byte {
	h := sha256.Sum256([]byte(secret))
	return h[:]
}

// Resolve returns the plaintext credential for the task.
func (s *CredentialService) Resolve(ctx context.Context, taskID, userID string) (string, error) {
	if cred, err := s.store.GetTaskCredential(ctx, taskID); err == nil {
		return s.unseal(cred.Sealed)
	} else if !errors.Is(err, fcerr.ErrNotFound) {
		return "", err
	}

	if cred, err := s.store.GetDefaultCredential(ctx, userID); err == nil {
		return s.unseal(cred.Sealed)
	} else if !errors.Is(err, fcerr.ErrNotFound) {
		return "", err
	}

	if v := os.Getenv(s.cfg.FallbackEnv); v != "" {
		s.log.Debug("using process credential fallback", "task_id", taskID)
		return v, nil
	}
	return "", fcerr.Newf(fcerr.KindFatal, "no credential available for task %s", taskID)
}

// Store seals and persists a default credential for the user.
func (s *CredentialService) Store(ctx context.Context, userID, name, plaintext string) error {
	sealed, err := s.seal([]byte(plaintext))
	if err != nil {
		return err
	}
	return s.store.PutCredential(ctx, &database.Credential{
		UserID:    userID,
		Name:      name,
		Sealed:    sealed,
		IsDefault: true,
	})
}

// seal encrypts plaintext with AES-256-GCM; the nonce is prepended.
func (s *CredentialService) seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("rand nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// unseal decrypts ciphertext produced by seal (nonce || ciphertext).
func (s *CredentialService) unseal(ciphertext []byte) (string, error) {
	if len(ciphertext) < nonceSize {
		return "", errors.New("sealed credential too short")
	}
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("cipher.NewGCM: %w", err)
	}
	plaintext, err := gcm.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("gcm.Open: %w", err)
	}
	return string(plaintext), nil
}
