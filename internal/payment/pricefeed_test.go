package payment

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func spotServer(t *testing.T, rate *atomic.Value, hits *atomic.Int64, fail *atomic.Bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprintf(w, `{"data":{"amount":"%s","base":"ETH","currency":"USD"}}`, rate.Load())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCoinbaseFeed_FetchAndCache(t *testing.T) {
	var rate atomic.Value
	rate.Store("2500.00")
	var hits atomic.Int64
	var fail atomic.Bool
	srv := spotServer(t, &rate, &hits, &fail)

	feed := NewCoinbaseFeed(srv.URL, time.Minute)

	got, err := feed.ETHUSD(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2500.0, got)

	// Second call inside the TTL is served from cache.
	rate.Store("9999.00")
	got, err = feed.ETHUSD(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2500.0, got)
	assert.Equal(t, int64(1), hits.Load())
}

func TestCoinbaseFeed_StaleFallback(t *testing.T) {
	var rate atomic.Value
	rate.Store("2500.00")
	var hits atomic.Int64
	var fail atomic.Bool
	srv := spotServer(t, &rate, &hits, &fail)

	feed := NewCoinbaseFeed(srv.URL, time.Nanosecond)
	feed.retry.MaxAttempts = 1
	feed.retry.InitialBackoff = time.Millisecond

	got, err := feed.ETHUSD(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2500.0, got)

	// Upstream dies after the cache expires: serve the stale rate.
	fail.Store(true)
	time.Sleep(time.Millisecond)
	got, err = feed.ETHUSD(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2500.0, got)
}

func TestCoinbaseFeed_ColdCacheFailure(t *testing.T) {
	var rate atomic.Value
	rate.Store("2500.00")
	var hits atomic.Int64
	var fail atomic.Bool
	fail.Store(true)
	srv := spotServer(t, &rate, &hits, &fail)

	feed := NewCoinbaseFeed(srv.URL, time.Minute)
	feed.retry.MaxAttempts = 1
	feed.retry.InitialBackoff = time.Millisecond

	_, err := feed.ETHUSD(context.Background())
	assert.Error(t, err)
}

func TestStaticFeed(t *testing.T) {
	got, err := StaticFeed(1800).ETHUSD(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1800.0, got)
}
