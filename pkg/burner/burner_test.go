package burner

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMint(t *testing.T) {
	kp, err := Mint()
	require.NoError(t, err)
	assert.Len(t, kp.PublicKey, KeySize)
	assert.Len(t, kp.PrivateKey, KeySize)

	other, err := Mint()
	require.NoError(t, err)
	assert.NotEqual(t, kp.PrivateKey, other.PrivateKey)
	assert.NotEqual(t, kp.PublicKey, other.PublicKey)
}

func TestPublicKeyFor(t *testing.T) {
	kp, err := Mint()
	require.NoError(t, err)

	pub, err := PublicKeyFor(kp.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey, pub)

	_, err = PublicKeyFor(kp.PrivateKey[:16])
	assert.ErrorIs(t, err, ErrKeyAgreementFailed)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	recipient, err := Mint()
	require.NoError(t, err)

	payloads := [][]byte{
		{},
		[]byte("a"),
		bytes.Repeat([]byte{0xDE, 0xAD}, 50_000),
	}
	for _, p := range payloads {
		env, err := EncryptForRecipient(p, recipient.PublicKey)
		require.NoError(t, err)
		assert.Len(t, env.EphemeralPublicKey, KeySize)
		assert.Len(t, env.IV, IVSize)
		assert.Len(t, env.Salt, SaltSize)
		assert.NotEqual(t, recipient.PublicKey, env.EphemeralPublicKey)

		out, err := Decrypt(env, recipient.PrivateKey)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(p, out))
	}
}

func TestEphemeralFreshnessPerCall(t *testing.T) {
	recipient, err := Mint()
	require.NoError(t, err)

	e1, err := EncryptForRecipient([]byte("same photo"), recipient.PublicKey)
	require.NoError(t, err)
	e2, err := EncryptForRecipient([]byte("same photo"), recipient.PublicKey)
	require.NoError(t, err)

	assert.NotEqual(t, e1.EphemeralPublicKey, e2.EphemeralPublicKey)
	assert.NotEqual(t, e1.IV, e2.IV)
	assert.NotEqual(t, e1.Salt, e2.Salt)
	assert.NotEqual(t, e1.Ciphertext, e2.Ciphertext)
}

func TestDecryptWrongKeyFailsAuthentication(t *testing.T) {
	recipient, err := Mint()
	require.NoError(t, err)
	intruder, err := Mint()
	require.NoError(t, err)

	env, err := EncryptForRecipient([]byte("for the owner only"), recipient.PublicKey)
	require.NoError(t, err)

	_, err = Decrypt(env, intruder.PrivateKey)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestDecryptTamperFailsAuthentication(t *testing.T) {
	recipient, err := Mint()
	require.NoError(t, err)
	env, err := EncryptForRecipient([]byte("payload"), recipient.PublicKey)
	require.NoError(t, err)

	tampered := *env
	tampered.Ciphertext = append([]byte(nil), env.Ciphertext...)
	tampered.Ciphertext[0] ^= 0x01
	_, err = Decrypt(&tampered, recipient.PrivateKey)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	wrongSalt := *env
	wrongSalt.Salt = append([]byte(nil), env.Salt...)
	wrongSalt.Salt[0] ^= 0x01
	_, err = Decrypt(&wrongSalt, recipient.PrivateKey)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestMalformedCurvePoints(t *testing.T) {
	recipient, err := Mint()
	require.NoError(t, err)

	_, err = EncryptForRecipient([]byte("x"), []byte("short key"))
	assert.ErrorIs(t, err, ErrKeyAgreementFailed)

	// All-zero peer point is low order and must be rejected.
	zero := make([]byte, KeySize)
	_, err = EncryptForRecipient([]byte("x"), zero)
	assert.ErrorIs(t, err, ErrKeyAgreementFailed)

	env, err := EncryptForRecipient([]byte("x"), recipient.PublicKey)
	require.NoError(t, err)
	bad := *env
	bad.EphemeralPublicKey = zero
	_, err = Decrypt(&bad, recipient.PrivateKey)
	assert.ErrorIs(t, err, ErrKeyAgreementFailed)
}

func TestDecryptMissingKey(t *testing.T) {
	recipient, err := Mint()
	require.NoError(t, err)
	env, err := EncryptForRecipient([]byte("x"), recipient.PublicKey)
	require.NoError(t, err)

	_, err = Decrypt(env, nil)
	assert.ErrorIs(t, err, ErrRecipientKeyMissing)
}
