package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptorRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"short key", "secret"},
		{"exact key", "0123456789abcdef0123456789abcdef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewEncryptor([]byte(tt.key))
			require.NoError(t, err)

			sealed, err := enc.Encrypt("ya29.access-token")
			require.NoError(t, err)
			assert.NotEqual(t, "ya29.access-token", sealed)
			assert.True(t, IsEncrypted(sealed))

			plain, err := enc.Decrypt(sealed)
			require.NoError(t, err)
			assert.Equal(t, "ya29.access-token", plain)
		})
	}
}

func TestEncryptorRejectsTampering(t *testing.T) {
	a, err := NewEncryptor([]byte("key-a"))
	require.NoError(t, err)
	b, err := NewEncryptor([]byte("key-b"))
	require.NoError(t, err)

	sealed, err := a.Encrypt("token")
	require.NoError(t, err)
	_, err = b.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = a.Decrypt("AAAA")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	_, err = NewEncryptor(nil)
	assert.ErrorIs(t, err, ErrEmptyKey)

	empty, err := a.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.False(t, IsEncrypted("plain token"))
}
