package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"io"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"

	"github.com/saiset-co/sai-query/types"
)

const (
	DefaultTokenKey = "session-token"

	saltSize  = 16
	nonceSize = 24
	keySize   = 32
)

// scrypt cost parameters. Tests lower them through the package variable.
var scryptN = 1 << 15

// TokenStore keeps the session token in Storage, sealed with a key derived
// from the configured secret. The stored value is base64(salt|nonce|box).
type TokenStore struct {
	storage types.Storage
	logger  types.Logger
	key     string
	secret  []byte

	mu     sync.Mutex
	cached string
	loaded bool
}

func NewTokenStore(config *types.AuthConfig, storage types.Storage, logger types.Logger) (*TokenStore, error) {
	if storage == nil {
		return nil, types.ErrStorageIsDisabled
	}
	if config == nil || config.Secret == "" {
		return nil, types.ErrAuthSecretMissing
	}

	key := config.TokenKey
	if key == "" {
		key = DefaultTokenKey
	}

	return &TokenStore{
		storage: storage,
		logger:  logger,
		key:     key,
		secret:  []byte(config.Secret),
	}, nil
}

func (s *TokenStore) Set(ctx context.Context, token string) error {
	if token == "" {
		return types.Errorf(types.ErrInvalidParameter, "token is empty")
	}

	sealed, err := s.seal([]byte(token))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.storage.SetItem(ctx, s.key, sealed); err != nil {
		return types.WrapError(err, "failed to store token")
	}

	s.cached = token
	s.loaded = true
	s.logger.Debug("Session token stored", zap.String("key", s.key))
	return nil
}

// Token returns the stored token or ErrTokenNotFound.
func (s *TokenStore) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded {
		if s.cached == "" {
			return "", types.ErrTokenNotFound
		}
		return s.cached, nil
	}

	sealed, err := s.storage.GetItem(ctx, s.key)
	if types.IsError(err, types.ErrStorageKeyNotFound) {
		s.loaded = true
		return "", types.ErrTokenNotFound
	}
	if err != nil {
		return "", types.WrapError(err, "failed to read token")
	}

	token, err := s.open(sealed)
	if err != nil {
		s.logger.Warn("Stored session token cannot be decrypted", zap.String("key", s.key), zap.Error(err))
		return "", err
	}

	s.cached = string(token)
	s.loaded = true
	return s.cached, nil
}

func (s *TokenStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.storage.RemoveItem(ctx, s.key)
	if err != nil && !types.IsError(err, types.ErrStorageKeyNotFound) {
		return types.WrapError(err, "failed to remove token")
	}

	s.cached = ""
	s.loaded = true
	s.logger.Debug("Session token cleared", zap.String("key", s.key))
	return nil
}

func (s *TokenStore) seal(plain []byte) (string, error) {
	buf := make([]byte, saltSize+nonceSize, saltSize+nonceSize+secretbox.Overhead+len(plain))
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", types.WrapError(err, "failed to read random bytes")
	}

	key, err := s.deriveKey(buf[:saltSize])
	if err != nil {
		return "", err
	}

	var nonce [nonceSize]byte
	copy(nonce[:], buf[saltSize:])

	out := secretbox.Seal(buf, plain, &nonce, key)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (s *TokenStore) open(sealed string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, types.Errorf(types.ErrTokenCorrupted, "decode: %v", err)
	}
	if len(raw) < saltSize+nonceSize+secretbox.Overhead {
		return nil, types.Errorf(types.ErrTokenCorrupted, "sealed value too short")
	}

	key, err := s.deriveKey(raw[:saltSize])
	if err != nil {
		return nil, err
	}

	var nonce [nonceSize]byte
	copy(nonce[:], raw[saltSize:saltSize+nonceSize])

	plain, ok := secretbox.Open(nil, raw[saltSize+nonceSize:], &nonce, key)
	if !ok {
		return nil, types.Errorf(types.ErrTokenCorrupted, "authentication failed")
	}
	return plain, nil
}

func (s *TokenStore) deriveKey(salt []byte) (*[keySize]byte, error) {
	derived, err := scrypt.Key(s.secret, salt, scryptN, 8, 1, keySize)
	if err != nil {
		return nil, types.WrapError(err, "failed to derive key")
	}

	var key [keySize]byte
	copy(key[:], derived)
	return &key, nil
}
