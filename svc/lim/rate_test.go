package lim

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veil/cfg"
)

func testLimits() cfg.RateLimitCfg {
	return cfg.RateLimitCfg{
		CreatePerHour:     20,
		LookupPerHour:     100,
		UploadPerHour:     3,
		ConservativeLimit: 5,
	}
}

func TestCheckLimitEnforcesWindow(t *testing.T) {
	l := New(testLimits(), NewMemoryCounters(), nil)
	defer l.Stop()

	r := httptest.NewRequest("POST", "/links/x/uploads", nil)
	for i := 0; i < 3; i++ {
		res := l.CheckLimit(r, EndpointUpload, "subject-a")
		assert.True(t, res.Allowed, "request %d within the window", i+1)
	}
	res := l.CheckLimit(r, EndpointUpload, "subject-a")
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)

	// A different subject has its own window.
	res = l.CheckLimit(r, EndpointUpload, "subject-b")
	assert.True(t, res.Allowed)
}

func TestCheckLimitPerEndpointWindows(t *testing.T) {
	l := New(testLimits(), NewMemoryCounters(), nil)
	defer l.Stop()

	r := httptest.NewRequest("GET", "/links/x", nil)
	for i := 0; i < 3; i++ {
		require.True(t, l.CheckLimit(r, EndpointUpload, "subject-a").Allowed)
	}
	require.False(t, l.CheckLimit(r, EndpointUpload, "subject-a").Allowed)

	// Exhausting the upload window does not touch the lookup window.
	assert.True(t, l.CheckLimit(r, EndpointLookup, "subject-a").Allowed)
}

type brokenCounters struct{}

func (brokenCounters) RateLimit(context.Context, string, int, time.Duration) (int, error) {
	return 0, errors.New("counter store down")
}

func TestCheckLimitFailsTowardRejection(t *testing.T) {
	l := New(testLimits(), brokenCounters{}, nil)
	defer l.Stop()

	// The local fallback still serves a conservative trickle instead of
	// waving everything through.
	r := httptest.NewRequest("GET", "/links/x", nil)
	allowed := 0
	for i := 0; i < 50; i++ {
		if l.CheckLimit(r, EndpointLookup, "subject-a").Allowed {
			allowed++
		}
	}
	assert.LessOrEqual(t, allowed, testLimits().ConservativeLimit)
	assert.Greater(t, allowed, 0)
}

func TestMemoryCountersWindowReset(t *testing.T) {
	m := NewMemoryCounters()
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		n, err := m.RateLimit(ctx, "k", 2, 10*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	n, err := m.RateLimit(ctx, "k", 2, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "full window reports limit+1")

	time.Sleep(15 * time.Millisecond)
	n, err = m.RateLimit(ctx, "k", 2, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "window resets after expiry")
}

func TestGetRealIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "203.0.113.9:4242"
	r.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")

	// Without trusted proxies the header is ignored.
	assert.Equal(t, "203.0.113.9", GetRealIP(r, nil))

	// With the proxy trusted, the closest untrusted hop wins.
	assert.Equal(t, "198.51.100.7", GetRealIP(r, []string{"203.0.113.9", "10.0.0.0/8"}))
}
