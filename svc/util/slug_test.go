package util

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenSlugFormat(t *testing.T) {
	slug, err := GenSlug(func(string) (bool, error) { return false, nil })
	require.NoError(t, err)
	assert.Len(t, slug, SlugLen)
	assert.NoError(t, ValidateSlug(slug))
}

func TestGenSlugRetriesExactlyOnce(t *testing.T) {
	calls := 0
	slug, err := GenSlug(func(string) (bool, error) {
		calls++
		return calls == 1, nil // first draw collides, second is free
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Len(t, slug, SlugLen)

	calls = 0
	_, err = GenSlug(func(string) (bool, error) {
		calls++
		return true, nil // everything collides
	})
	assert.ErrorIs(t, err, ErrSlugCollision)
	assert.Equal(t, 2, calls)
}

func TestGenSlugStoreError(t *testing.T) {
	boom := errors.New("db down")
	_, err := GenSlug(func(string) (bool, error) { return false, boom })
	assert.ErrorIs(t, err, boom)
}

func TestValidateSlug(t *testing.T) {
	assert.NoError(t, ValidateSlug("aZ3kQ9mPb2XwLt7R"))

	bad := []string{
		"",
		"short",
		"aZ3kQ9mPb2XwLt7Rx",  // 17 chars
		"aZ3kQ9mPb2XwLt7-",   // non-base62
		"aZ3kQ9mPb2XwLt7 ",   // space
		"aZ3kQ9mPb2XwLt7\x00", // control byte
	}
	for _, s := range bad {
		assert.ErrorIs(t, ValidateSlug(s), ErrInvalidSlugFormat, "input: %q", s)
	}
}

func TestNormalizeContentSlug(t *testing.T) {
	got, err := NormalizeContentSlug("  chocolate-cake_07 ")
	require.NoError(t, err)
	assert.Equal(t, "chocolate-cake_07", got)

	bad := []string{
		"",
		"   ",
		"has space",
		"path/segment",
		"query?x=1",
		"café", // normalizes to non-ASCII, rejected
		string(make([]byte, 65)),
	}
	for _, s := range bad {
		_, err := NormalizeContentSlug(s)
		assert.ErrorIs(t, err, ErrInvalidContentSlug, "input: %q", s)
	}
}

func TestAttempt(t *testing.T) {
	n := 0
	err := Attempt(3, func() error {
		n++
		if n < 3 {
			return errors.New("again")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, n)

	boom := errors.New("always")
	n = 0
	err = Attempt(2, func() error { n++; return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, n)
}
