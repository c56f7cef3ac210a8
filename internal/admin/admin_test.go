package admin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsFetchesAndDecodesStatsz(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/statsz", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"listener":{"active_connections":2},"buffer_depths":{"worker-1":5},"breaker_states":{"primary":"closed"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", nil)
	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Listener.ActiveConnections)
	assert.Equal(t, 5, stats.Buffers["worker-1"])
	assert.Equal(t, "closed", stats.Breakers["primary"])
}

func TestHealthReportsNotReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", nil)
	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.False(t, h.Ready)
	assert.Equal(t, http.StatusServiceUnavailable, h.Status)
}

func TestPeekJobRequiresQueryBase(t *testing.T) {
	c := NewClient("http://unused", "", nil)
	_, err := c.PeekJob(context.Background(), "job1")
	require.Error(t, err)
}
