package util

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// IPHasher produces peppered, epoch-rotated HMAC digests of client
// IPs. Rate limiting and creator attribution key off these digests so
// raw addresses never reach storage, and rotation means a leaked
// database cannot be joined against traffic captures older than one
// epoch either side.
type IPHasher struct {
	rotationInterval time.Duration
	pepper           []byte

	mu           sync.RWMutex
	currentKey   []byte
	previousKey  []byte
	nextKey      []byte
	currentEpoch int64
	stopChan     chan struct{}
	stopped      bool
}

var (
	ErrHasherStopped   = errors.New("IP hasher stopped")
	ErrInvalidInterval = errors.New("rotation interval must be >= 15 minutes")
)

func NewIPHasher(pepper []byte, rotationInterval time.Duration) (*IPHasher, error) {
	if rotationInterval < 15*time.Minute {
		return nil, ErrInvalidInterval
	}
	if len(pepper) < 32 {
		return nil, errors.New("pepper must be at least 32 bytes")
	}
	h := &IPHasher{
		rotationInterval: rotationInterval,
		pepper:           make([]byte, len(pepper)),
		stopChan:         make(chan struct{}),
	}
	copy(h.pepper, pepper)
	h.currentEpoch = h.getEpoch(time.Now())
	if err := h.generateKeys(); err != nil {
		return nil, errors.Wrap(err, "generate initial keys")
	}
	go h.rotationLoop()
	return h, nil
}

func (h *IPHasher) HashIP(ip string) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return "", ErrHasherStopped
	}
	return h.hashWithKey(ip, h.currentKey, h.currentEpoch), nil
}

// VerifyIPHash accepts digests from the current epoch and one epoch
// either side, so entries written just before a rotation still match.
func (h *IPHasher) VerifyIPHash(ip string, hashStr string) (bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return false, ErrHasherStopped
	}
	if h.hashWithKey(ip, h.currentKey, h.currentEpoch) == hashStr {
		return true, nil
	}
	if h.previousKey != nil && h.hashWithKey(ip, h.previousKey, h.currentEpoch-1) == hashStr {
		return true, nil
	}
	if h.nextKey != nil && h.hashWithKey(ip, h.nextKey, h.currentEpoch+1) == hashStr {
		return true, nil
	}
	return false, nil
}

func (h *IPHasher) hashWithKey(ip string, key []byte, epoch int64) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(ip))
	return fmt.Sprintf("hmac-sha256:%d:%s", epoch, hex.EncodeToString(mac.Sum(nil)))
}

func (h *IPHasher) getEpoch(t time.Time) int64 {
	return t.Unix() / int64(h.rotationInterval.Seconds())
}

func (h *IPHasher) deriveKey(epoch int64) []byte {
	mac := hmac.New(sha256.New, h.pepper)
	fmt.Fprintf(mac, "veil/ip-hash/v1:%d", epoch)
	return mac.Sum(nil)
}

func (h *IPHasher) generateKeys() error {
	current := h.deriveKey(h.currentEpoch)
	previous := h.deriveKey(h.currentEpoch - 1)
	next := h.deriveKey(h.currentEpoch + 1)

	h.mu.Lock()
	Wipe(h.currentKey)
	Wipe(h.previousKey)
	Wipe(h.nextKey)
	h.currentKey = current
	h.previousKey = previous
	h.nextKey = next
	h.mu.Unlock()
	return nil
}

func (h *IPHasher) rotationLoop() {
	ticker := time.NewTicker(h.rotationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopChan:
			return
		case <-ticker.C:
			newEpoch := h.getEpoch(time.Now())
			h.mu.Lock()
			changed := newEpoch != h.currentEpoch
			if changed {
				h.currentEpoch = newEpoch
			}
			h.mu.Unlock()
			if changed {
				if err := h.generateKeys(); err != nil {
					Error().Err(err).Msg("failed to rotate IP hasher keys")
				} else {
					Debug().Int64("epoch", newEpoch).Msg("rotated IP hasher keys")
				}
			}
		}
	}
}

// Stop wipes all key material. The hasher is unusable afterwards.
func (h *IPHasher) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	close(h.stopChan)
	Wipe(h.currentKey)
	Wipe(h.previousKey)
	Wipe(h.nextKey)
	Wipe(h.pepper)
	h.currentKey, h.previousKey, h.nextKey, h.pepper = nil, nil, nil, nil
}
