package util

import (
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/text/unicode/norm"
)

const (
	base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	// SlugLen gives 16*log2(62) ≈ 95 bits, enough that guessing a live
	// slug is as hard as guessing a key.
	SlugLen = 16

	maxContentSlugLen = 64
)

var (
	ErrSlugCollision      = errors.New("slug collision")
	ErrInvalidSlugFormat  = errors.New("invalid slug format")
	ErrInvalidContentSlug = errors.New("invalid content slug")
)

// GenSlug draws a random slug and checks it against storage. On a
// collision it retries exactly once; a second collision bubbles up,
// since with this keyspace it means the RNG or the store is broken.
func GenSlug(exists func(string) (bool, error)) (string, error) {
	var slug string
	err := Attempt(2, func() error {
		s, err := randomSlug()
		if err != nil {
			return err
		}
		taken, err := exists(s)
		if err != nil {
			return err
		}
		if taken {
			return ErrSlugCollision
		}
		slug = s
		return nil
	})
	if err != nil {
		return "", err
	}
	return slug, nil
}

func randomSlug() (string, error) {
	var b strings.Builder
	b.Grow(SlugLen)
	max := big.NewInt(int64(len(base62Chars)))
	for i := 0; i < SlugLen; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", errors.Wrap(err, "rand fail")
		}
		b.WriteByte(base62Chars[n.Int64()])
	}
	return b.String(), nil
}

// ValidateSlug rejects anything that is not exactly a generated slug
// before it reaches storage or a log-adjacent code path.
func ValidateSlug(slug string) error {
	if len(slug) != SlugLen {
		return ErrInvalidSlugFormat
	}
	for i := 0; i < len(slug); i++ {
		if !strings.ContainsRune(base62Chars, rune(slug[i])) {
			return ErrInvalidSlugFormat
		}
	}
	return nil
}

// NormalizeContentSlug NFC-normalizes and validates an owner-chosen
// content slug. Only URL-safe bytes survive: letters, digits, '-' and
// '_'. Unicode input is normalized first so visually identical strings
// compare equal, then rejected if anything non-ASCII remains.
func NormalizeContentSlug(s string) (string, error) {
	s = norm.NFC.String(strings.TrimSpace(s))
	if s == "" || len(s) > maxContentSlugLen {
		return "", ErrInvalidContentSlug
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return "", ErrInvalidContentSlug
		}
	}
	return s, nil
}
