package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	require.NoError(t, SetEncryptionKey("unit-test-key"))
	defer func() { encryptionKey = nil }()

	plain := "sensitive payload"
	encrypted, err := Encrypt(plain)
	require.NoError(t, err)
	assert.NotEqual(t, plain, encrypted)

	decrypted, err := Decrypt(encrypted)
	require.NoError(t, err)
	assert.Equal(t, plain, decrypted)
}

func TestDecryptPassesThroughPlainText(t *testing.T) {
	require.NoError(t, SetEncryptionKey("unit-test-key"))
	defer func() { encryptionKey = nil }()

	// Legacy values stored before encryption was enabled.
	out, err := Decrypt("not base64 at all!")
	require.NoError(t, err)
	assert.Equal(t, "not base64 at all!", out)
}

func TestSignPayloadIsDeterministic(t *testing.T) {
	body := []byte(`{"event":"message.send"}`)
	secret := []byte("webhook-secret")

	sig := SignPayload(body, secret)
	assert.Len(t, sig, 64)
	assert.Equal(t, sig, SignPayload(body, secret))
	assert.NotEqual(t, sig, SignPayload(body, []byte("other-secret")))
}
