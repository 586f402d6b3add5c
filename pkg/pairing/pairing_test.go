package pairing

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veil/pkg/burner"
	"veil/pkg/keys"
)

func TestExportImportRoundTrip(t *testing.T) {
	vaultKey, err := keys.Generate()
	require.NoError(t, err)
	kp1, err := burner.Mint()
	require.NoError(t, err)
	kp2, err := burner.Mint()
	require.NoError(t, err)

	bundle, err := Export(vaultKey, []BurnerKey{
		{Slug: "aZ3kQ9mPb2XwLt7R", Pair: kp1},
		{Slug: "Bc4Lr8nQw1YxMu6S", Pair: kp2},
	})
	require.NoError(t, err)
	raw, err := bundle.Marshal()
	require.NoError(t, err)

	res, err := Import(raw)
	require.NoError(t, err)
	assert.Equal(t, vaultKey, res.VaultKey)
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 0, res.Skipped)
	require.Len(t, res.Keys, 2)
	assert.Equal(t, kp1.PrivateKey, res.Keys[0].Pair.PrivateKey)
	assert.Equal(t, kp1.PublicKey, res.Keys[0].Pair.PublicKey)
	assert.Equal(t, "aZ3kQ9mPb2XwLt7R", res.Keys[0].Slug)

	// An imported keypair still decrypts uploads for its link.
	env, err := burner.EncryptForRecipient([]byte("photo"), kp2.PublicKey)
	require.NoError(t, err)
	out, err := burner.Decrypt(env, res.Keys[1].Pair.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("photo"), out)
}

func TestImportCorruptBurnerKeyIsPartial(t *testing.T) {
	vaultKey, err := keys.Generate()
	require.NoError(t, err)
	kp, err := burner.Mint()
	require.NoError(t, err)

	bundle, err := Export(vaultKey, []BurnerKey{{Slug: "s", Pair: kp}})
	require.NoError(t, err)
	bundle.BurnerKeys[0].Wrapped[10] ^= 0x01
	raw, err := bundle.Marshal()
	require.NoError(t, err)

	res, err := Import(raw)
	require.NoError(t, err)
	assert.Equal(t, vaultKey, res.VaultKey)
	assert.Equal(t, 0, res.Imported)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, res.Keys)
}

func TestImportBarePhrase(t *testing.T) {
	vaultKey, err := keys.Generate()
	require.NoError(t, err)
	phrase, err := keys.ToPhrase(vaultKey)
	require.NoError(t, err)

	res, err := Import([]byte("  " + phrase + "\n"))
	require.NoError(t, err)
	assert.Equal(t, vaultKey, res.VaultKey)
	assert.Equal(t, 0, res.Imported)
	assert.Empty(t, res.Keys)
}

func TestImportRejectsMalformed(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte(""),
		[]byte("definitely not a phrase"),
		[]byte(`{"version":1,"phrase":"not a phrase"}`),
		[]byte(`{"version":9,"phrase":""}`),
		[]byte(`{"version":1,"phrase":"x","unknown_field":true}`),
		[]byte(`{bad json`),
	}
	for _, c := range cases {
		_, err := Import(c)
		assert.ErrorIs(t, err, ErrBadFormat, "input: %s", c)
	}
}

func TestWrappedKeyUselessWithoutVaultKey(t *testing.T) {
	vaultKey, err := keys.Generate()
	require.NoError(t, err)
	kp, err := burner.Mint()
	require.NoError(t, err)

	bundle, err := Export(vaultKey, []BurnerKey{{Pair: kp}})
	require.NoError(t, err)
	require.Len(t, bundle.BurnerKeys, 1)
	assert.False(t, bytes.Contains(bundle.BurnerKeys[0].Wrapped, kp.PrivateKey))
}
