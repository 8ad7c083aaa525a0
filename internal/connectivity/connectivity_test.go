package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transition")
		return false
	}
}

func assertQuiet(t *testing.T, ch <-chan bool) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected transition to %v", v)
	case <-time.After(20 * time.Millisecond):
	}
}

// TestManual tests transitions on the manual monitor.
func TestManual(t *testing.T) {
	m := NewManual(false)
	assert.False(t, m.Reachable())

	ch, cancel := m.Subscribe()
	defer cancel()

	m.Set(false)
	assertQuiet(t, ch)

	m.Set(true)
	assert.True(t, receive(t, ch))
	assert.True(t, m.Reachable())

	// A slow subscriber only sees the latest state
	m.Set(false)
	m.Set(true)
	m.Set(false)
	assert.False(t, receive(t, ch))
	assertQuiet(t, ch)
}

// TestManual_Unsubscribe tests that cancel closes the channel once.
func TestManual_Unsubscribe(t *testing.T) {
	m := NewManual(true)
	ch, cancel := m.Subscribe()
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	m.Set(false)
}

// TestHTTPProbe tests probing a live and a dead endpoint.
func TestHTTPProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	p := NewHTTPProbe(ProbeOptions{URL: srv.URL, Timeout: time.Second})
	assert.False(t, p.Reachable())

	ch, cancel := p.Subscribe()
	defer cancel()

	ctx := context.Background()
	assert.True(t, p.Check(ctx))
	assert.True(t, receive(t, ch))

	assert.True(t, p.Check(ctx))
	assertQuiet(t, ch)

	srv.Close()
	assert.False(t, p.Check(ctx))
	assert.False(t, receive(t, ch))
}

// TestHTTPProbe_StartStop tests the probe loop lifecycle.
func TestHTTPProbe_StartStop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	p := NewHTTPProbe(ProbeOptions{URL: srv.URL, Interval: 10 * time.Millisecond})
	ch, _ := p.Subscribe()

	p.Start(context.Background())
	p.Start(context.Background())
	assert.True(t, receive(t, ch))

	p.Stop()
	p.Stop()
	_, ok := <-ch
	assert.False(t, ok, "Stop closes subscriptions")
}
