package auth

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyrelay/polyrelay/pkg/channels"
	"github.com/polyrelay/polyrelay/pkg/config"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	store, err := channels.NewStore(config.DatabaseConfig{
		Type:          "sqlite",
		Path:          filepath.Join(t.TempDir(), "test.db"),
		EncryptionKey: "test-key",
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewManager(store, "configured-password")
}

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.NotContains(t, hash, "hunter2")

	assert.True(t, VerifyPassword("hunter2", hash))
	assert.False(t, VerifyPassword("wrong", hash))
	assert.False(t, VerifyPassword("hunter2", "not-a-hash"))

	// Salts are random, so hashing twice never collides.
	again, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, hash, again)
}

func TestLoginAndValidate(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	_, err := m.Login(ctx, "wrong")
	assert.Error(t, err)

	token, err := m.Login(ctx, "configured-password")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	ok, err := m.Validate(ctx, token)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Validate(ctx, "forged-token")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.Validate(ctx, "")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Logout(ctx, token))
	ok, err = m.Validate(ctx, token)
	require.NoError(t, err)
	assert.False(t, ok)
}

// Changing the password supersedes the configured bootstrap password and
// revokes every live session.
func TestSetPassword(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	token, err := m.Login(ctx, "configured-password")
	require.NoError(t, err)

	require.NoError(t, m.SetPassword(ctx, "new-password"))

	ok, err := m.Validate(ctx, token)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.Login(ctx, "configured-password")
	assert.Error(t, err)

	token, err = m.Login(ctx, "new-password")
	require.NoError(t, err)
	ok, err = m.Validate(ctx, token)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Error(t, m.SetPassword(ctx, ""))
}
