// Package auth implements admin password verification and session
// tokens for the management API. Sessions live in the channel store's
// config table so they survive restarts and are shared across replicas.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/polyrelay/polyrelay/pkg/channels"
)

const (
	pbkdf2Iterations = 100000
	sessionPrefix    = "session:"
	sessionTTL       = 24 * time.Hour
	passwordConfig   = "admin_password_hash"
)

// Manager verifies the admin password and issues bearer session tokens.
type Manager struct {
	store    *channels.Store
	password string
}

func NewManager(store *channels.Store, password string) *Manager {
	return &Manager{store: store, password: password}
}

// HashPassword derives a salted PBKDF2-SHA256 hash in "salt:hash" form.
func HashPassword(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	hash := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, 32, sha256.New)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(hash), nil
}

// VerifyPassword checks a password against a stored "salt:hash" value.
func VerifyPassword(password, stored string) bool {
	saltHex, hashHex, found := strings.Cut(stored, ":")
	if !found {
		return false
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(hashHex)
	if err != nil {
		return false
	}
	got := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, len(want), sha256.New)
	return hmac.Equal(got, want)
}

// Login verifies the password and mints a session token. The configured
// password applies until a stored hash overrides it.
func (m *Manager) Login(ctx context.Context, password string) (string, error) {
	stored, err := m.store.GetConfig(ctx, passwordConfig)
	if err != nil {
		return "", err
	}

	valid := false
	if stored != "" {
		valid = VerifyPassword(password, stored)
	} else {
		valid = hmac.Equal([]byte(password), []byte(m.password))
	}
	if !valid {
		return "", fmt.Errorf("invalid password")
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	expires := time.Now().Add(sessionTTL).Unix()
	if err := m.store.SetConfig(ctx, sessionPrefix+token, strconv.FormatInt(expires, 10)); err != nil {
		return "", err
	}
	return token, nil
}

// Validate reports whether a session token is live, pruning it when
// expired.
func (m *Manager) Validate(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	value, err := m.store.GetConfig(ctx, sessionPrefix+token)
	if err != nil || value == "" {
		return false, err
	}
	expires, err := strconv.ParseInt(value, 10, 64)
	if err != nil || time.Now().Unix() >= expires {
		_ = m.store.DeleteConfig(ctx, sessionPrefix+token)
		return false, nil
	}
	return true, nil
}

// Logout revokes one session token.
func (m *Manager) Logout(ctx context.Context, token string) error {
	return m.store.DeleteConfig(ctx, sessionPrefix+token)
}

// SetPassword stores a new password hash and revokes every live session.
func (m *Manager) SetPassword(ctx context.Context, password string) error {
	if password == "" {
		return fmt.Errorf("password must not be empty")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	if err := m.store.SetConfig(ctx, passwordConfig, hash); err != nil {
		return err
	}

	keys, err := m.store.ListConfigKeys(ctx, sessionPrefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := m.store.DeleteConfig(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
