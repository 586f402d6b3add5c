// Package fragment is the single place the receive page's URL fragment
// is built and parsed. The slug and public key travel only after the
// '#', which browsers never send to a server or leak through referrers;
// this package keeps that boundary honest in code. The lookup endpoint
// echoes a public key too, but decrypt paths must take it from here,
// never from the server's response.
package fragment

import (
	"encoding/base64"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"veil/pkg/burner"
)

var ErrBadFragment = errors.New("fragment: malformed")

// ClientSecret wraps a value that arrived from the client side of the
// zero-trust boundary. It cannot wander into a log line by accident:
// formatting it prints a redaction, and reading the raw value takes an
// explicit, greppable Reveal call.
type ClientSecret struct {
	value string
}

func NewClientSecret(v string) ClientSecret { return ClientSecret{value: v} }

func (s ClientSecret) Reveal() string               { return s.value }
func (s ClientSecret) IsZero() bool                 { return s.value == "" }
func (s ClientSecret) String() string               { return "[SECRET-REDACTED]" }
func (s ClientSecret) GoString() string             { return "[SECRET-REDACTED]" }
func (s ClientSecret) MarshalText() ([]byte, error) { return []byte("[SECRET-REDACTED]"), nil }

// Payload is the parsed fragment: the link slug and the recipient
// public key the sender will encrypt to.
type Payload struct {
	Slug      ClientSecret
	PublicKey []byte
}

// Build renders the fragment an owner appends to the receive-page URL.
func Build(slug string, publicKey []byte) string {
	v := url.Values{}
	v.Set("s", slug)
	v.Set("k", base64.RawURLEncoding.EncodeToString(publicKey))
	return "#" + v.Encode()
}

// Parse decodes a fragment (with or without the leading '#'). The
// public key must be a full X25519 point; anything else fails rather
// than flowing onward as an empty key.
func Parse(fragment string) (*Payload, error) {
	raw := strings.TrimPrefix(fragment, "#")
	if raw == "" {
		return nil, ErrBadFragment
	}
	v, err := url.ParseQuery(raw)
	if err != nil {
		return nil, ErrBadFragment
	}
	slug := v.Get("s")
	keyB64 := v.Get("k")
	if slug == "" || keyB64 == "" {
		return nil, ErrBadFragment
	}
	key, err := base64.RawURLEncoding.DecodeString(keyB64)
	if err != nil || len(key) != burner.KeySize {
		return nil, ErrBadFragment
	}
	return &Payload{Slug: NewClientSecret(slug), PublicKey: key}, nil
}
