package vaultcrypt

import (
	"bytes"
)

// BlockSize is the padding granularity. Every sealed payload rounds up
// to a 64 KiB multiple so ciphertext length reveals only the bucket,
// never the exact photo size.
const BlockSize = 64 * 1024

// magic marks the start of a padded payload. Its absence after a
// successful open means the bytes were produced by something else
// (corruption or a foreign format), not a key/tamper failure.
var magic = [4]byte{'V', 'E', '0', '1'}

// pad prepends the magic header and applies ISO/IEC 7816-4 padding:
// a single 0x80 marker followed by zero bytes up to the block boundary.
func pad(plaintext []byte) []byte {
	raw := len(magic) + len(plaintext) + 1
	total := ((raw + BlockSize - 1) / BlockSize) * BlockSize
	out := make([]byte, total)
	copy(out, magic[:])
	copy(out[len(magic):], plaintext)
	out[len(magic)+len(plaintext)] = 0x80
	return out
}

// unpad reverses pad. The zero tail is non-authoritative: it scans
// backward for the 0x80 marker and fails if the marker or the magic
// header is missing. Zero-length payloads are legal.
func unpad(padded []byte) ([]byte, error) {
	if len(padded) < len(magic)+1 || !bytes.Equal(padded[:len(magic)], magic[:]) {
		return nil, ErrMalformedPadding
	}
	i := len(padded) - 1
	for i >= len(magic) && padded[i] == 0x00 {
		i--
	}
	if i < len(magic) || padded[i] != 0x80 {
		return nil, ErrMalformedPadding
	}
	return padded[len(magic):i], nil
}

// PaddedLen returns the on-disk length a plaintext of n bytes will
// occupy before AEAD overhead. Exposed for quota accounting.
func PaddedLen(n int) int {
	raw := len(magic) + n + 1
	return ((raw + BlockSize - 1) / BlockSize) * BlockSize
}
