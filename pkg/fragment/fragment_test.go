package fragment

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veil/pkg/burner"
)

func TestBuildParseRoundTrip(t *testing.T) {
	kp, err := burner.Mint()
	require.NoError(t, err)

	frag := Build("aZ3kQ9mPb2XwLt7R", kp.PublicKey)
	assert.Equal(t, byte('#'), frag[0])

	p, err := Parse(frag)
	require.NoError(t, err)
	assert.Equal(t, "aZ3kQ9mPb2XwLt7R", p.Slug.Reveal())
	assert.Equal(t, kp.PublicKey, p.PublicKey)

	// Leading '#' is optional on parse.
	p2, err := Parse(frag[1:])
	require.NoError(t, err)
	assert.Equal(t, p.Slug.Reveal(), p2.Slug.Reveal())
}

func TestParseRejectsMalformed(t *testing.T) {
	kp, err := burner.Mint()
	require.NoError(t, err)
	good := Build("aZ3kQ9mPb2XwLt7R", kp.PublicKey)

	cases := []string{
		"",
		"#",
		"#s=onlyslug",
		"#k=b25seWtleQ",
		"#s=slug&k=not!base64url!",
		"#s=slug&k=c2hvcnQ", // decodes, but not 32 bytes
		"#s=&k=" + good[len("#s=aZ3kQ9mPb2XwLt7R&k="):],
		"#s=slug&k=%zz",
	}
	for _, c := range cases {
		_, err := Parse(c)
		assert.ErrorIs(t, err, ErrBadFragment, "input: %q", c)
	}
}

func TestClientSecretNeverPrints(t *testing.T) {
	s := NewClientSecret("aZ3kQ9mPb2XwLt7R")

	assert.NotContains(t, fmt.Sprintf("%s %v %#v", s, s, s), "aZ3kQ9mPb2XwLt7R")

	raw, err := json.Marshal(s)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "aZ3kQ9mPb2XwLt7R")

	assert.Equal(t, "aZ3kQ9mPb2XwLt7R", s.Reveal())
	assert.False(t, s.IsZero())
	assert.True(t, NewClientSecret("").IsZero())
}
