package channels

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher("any passphrase works")
	require.NoError(t, err)

	sealed, err := c.Encrypt("sk-ant-secret")
	require.NoError(t, err)
	assert.True(t, IsEncrypted(sealed))
	assert.NotContains(t, sealed, "sk-ant-secret")

	plain, err := c.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-secret", plain)
}

// Legacy rows predate encryption at rest; values without the prefix pass
// through untouched.
func TestCipherDecryptPlaintextPassthrough(t *testing.T) {
	c, err := NewCipher("key")
	require.NoError(t, err)

	plain, err := c.Decrypt("sk-legacy-plaintext")
	require.NoError(t, err)
	assert.Equal(t, "sk-legacy-plaintext", plain)
}

func TestCipherWrongKeyFails(t *testing.T) {
	a, err := NewCipher("key-a")
	require.NoError(t, err)
	b, err := NewCipher("key-b")
	require.NoError(t, err)

	sealed, err := a.Encrypt("secret")
	require.NoError(t, err)

	_, err = b.Decrypt(sealed)
	assert.Error(t, err)
}

func TestCipherRejectsEmptyKey(t *testing.T) {
	_, err := NewCipher("")
	assert.Error(t, err)
}

func TestCipherNoncesDiffer(t *testing.T) {
	c, err := NewCipher("key")
	require.NoError(t, err)

	one, err := c.Encrypt("secret")
	require.NoError(t, err)
	two, err := c.Encrypt("secret")
	require.NoError(t, err)
	assert.NotEqual(t, one, two)
}
