package keys

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateLengthAndUniqueness(t *testing.T) {
	k1, err := Generate()
	require.NoError(t, err)
	k2, err := Generate()
	require.NoError(t, err)
	assert.Len(t, k1, KeySize)
	assert.NotEqual(t, k1, k2)
}

func TestPhraseRoundTrip(t *testing.T) {
	for i := 0; i < 20; i++ {
		key, err := Generate()
		require.NoError(t, err)
		phrase, err := ToPhrase(key)
		require.NoError(t, err)
		assert.Len(t, strings.Fields(phrase), 24)
		out, err := FromPhrase(phrase)
		require.NoError(t, err)
		assert.Equal(t, key, out)
	}
}

func TestFromPhraseNormalizesWhitespaceAndCase(t *testing.T) {
	key, err := Generate()
	require.NoError(t, err)
	phrase, err := ToPhrase(key)
	require.NoError(t, err)

	messy := "  " + strings.ToUpper(strings.ReplaceAll(phrase, " ", "   ")) + "\n"
	out, err := FromPhrase(messy)
	require.NoError(t, err)
	assert.Equal(t, key, out)
}

func TestFromPhraseRejectsMalformed(t *testing.T) {
	key, err := Generate()
	require.NoError(t, err)
	phrase, err := ToPhrase(key)
	require.NoError(t, err)
	words := strings.Fields(phrase)

	cases := []string{
		"",
		"not a phrase",
		strings.Join(words[:23], " "),                  // truncated
		strings.Join(append(words[:23], "zebra"), " "), // bad last word
		strings.Join(words[:12], " "),                  // wrong key length class
	}
	for _, c := range cases {
		out, decodeErr := FromPhrase(c)
		if decodeErr == nil {
			// A decode that happens to pass the checksum must still be
			// a faithful inverse: re-encoding yields the same phrase,
			// never a different key masquerading as this one.
			reencoded, err := ToPhrase(out)
			require.NoError(t, err)
			assert.Equal(t, strings.ToLower(strings.Join(strings.Fields(c), " ")), reencoded)
			continue
		}
		assert.ErrorIs(t, decodeErr, ErrInvalidPhrase)
	}
}

func TestToPhraseRejectsShortKey(t *testing.T) {
	_, err := ToPhrase(make([]byte, 16))
	assert.ErrorIs(t, err, ErrInvalidKeyLength)
}

func TestHashDeterministicAndOneWay(t *testing.T) {
	key, err := Generate()
	require.NoError(t, err)

	h1, err := Hash(key)
	require.NoError(t, err)
	h2, err := Hash(key)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.True(t, strings.HasPrefix(h1, HashPrefix))
	assert.Len(t, h1, len(HashPrefix)+64)

	other, err := Generate()
	require.NoError(t, err)
	h3, err := Hash(other)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)

	// Hash is independent of the phrase encoding.
	phrase, err := ToPhrase(key)
	require.NoError(t, err)
	restored, err := FromPhrase(phrase)
	require.NoError(t, err)
	h4, err := Hash(restored)
	require.NoError(t, err)
	assert.Equal(t, h1, h4)
}

func TestHashRejectsWrongLength(t *testing.T) {
	_, err := Hash([]byte("short"))
	assert.ErrorIs(t, err, ErrInvalidKeyLength)
}
