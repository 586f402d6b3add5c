package util

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPepper = []byte("test-pepper-must-be-at-least-32bytes-long")

func newTestHasher(t *testing.T, interval time.Duration) *IPHasher {
	t.Helper()
	h := &IPHasher{
		rotationInterval: interval,
		pepper:           append([]byte(nil), testPepper...),
		stopChan:         make(chan struct{}),
	}
	h.currentEpoch = h.getEpoch(time.Now())
	require.NoError(t, h.generateKeys())
	t.Cleanup(h.Stop)
	return h
}

func TestIPHasherDeterministic(t *testing.T) {
	h := newTestHasher(t, time.Hour)

	hash1, err := h.HashIP("192.168.1.100")
	require.NoError(t, err)
	hash2, err := h.HashIP("192.168.1.100")
	require.NoError(t, err)

	assert.Equal(t, hash1, hash2)
	assert.True(t, strings.HasPrefix(hash1, "hmac-sha256:"))
	assert.Len(t, strings.Split(hash1, ":"), 3)
}

func TestIPHasherDifferentIPs(t *testing.T) {
	h := newTestHasher(t, time.Hour)

	hash1, err := h.HashIP("192.168.1.100")
	require.NoError(t, err)
	hash2, err := h.HashIP("10.0.0.50")
	require.NoError(t, err)
	assert.NotEqual(t, hash1, hash2)
}

func TestIPHasherEpochRotation(t *testing.T) {
	h := newTestHasher(t, time.Hour)

	hash1, err := h.HashIP("192.168.1.100")
	require.NoError(t, err)

	// Force an epoch bump without waiting for the ticker.
	h.mu.Lock()
	h.currentEpoch++
	h.mu.Unlock()
	require.NoError(t, h.generateKeys())

	hash2, err := h.HashIP("192.168.1.100")
	require.NoError(t, err)
	assert.NotEqual(t, hash1, hash2)

	// Both the new digest and the one from the previous epoch verify.
	ok, err := h.VerifyIPHash("192.168.1.100", hash2)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = h.VerifyIPHash("192.168.1.100", hash1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIPHasherConcurrency(t *testing.T) {
	h := newTestHasher(t, time.Hour)

	var wg sync.WaitGroup
	results := make(chan string, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hash, err := h.HashIP("192.168.1.100")
			assert.NoError(t, err)
			results <- hash
		}()
	}
	wg.Wait()
	close(results)

	var first string
	count := 0
	for hash := range results {
		if first == "" {
			first = hash
		}
		assert.Equal(t, first, hash)
		count++
	}
	assert.Equal(t, 100, count)
}

func TestIPHasherStop(t *testing.T) {
	h := newTestHasher(t, time.Hour)
	h.Stop()

	_, err := h.HashIP("192.168.1.100")
	assert.ErrorIs(t, err, ErrHasherStopped)
	assert.Nil(t, h.currentKey)
	assert.Nil(t, h.previousKey)
	assert.Nil(t, h.nextKey)
	assert.Nil(t, h.pepper)
}

func TestNewIPHasherInvalidConfig(t *testing.T) {
	_, err := NewIPHasher([]byte("short"), time.Hour)
	assert.Error(t, err)

	_, err = NewIPHasher(testPepper, 5*time.Minute)
	assert.ErrorIs(t, err, ErrInvalidInterval)
}
