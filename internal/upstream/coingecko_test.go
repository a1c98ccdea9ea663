package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"pricewatch/internal/cache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const marketsBody = `[
	{"id":"bitcoin","symbol":"btc","current_price":50001,"price_change_24h":1200,"price_change_percentage_24h":2.4,"market_cap":1000000,"total_volume":50000},
	{"id":"ethereum","symbol":"eth","current_price":2500,"price_change_24h":-50,"price_change_percentage_24h":-1.9,"market_cap":300000,"total_volume":20000}
]`

func TestFetchCurrentPricesServesFromCache(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(marketsBody))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL})
	ctx := context.Background()

	first, err := c.FetchCurrentPrices(ctx, []string{"bitcoin", "ethereum"})
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "BTC", first[0].Symbol)
	assert.Equal(t, 50001.0, first[0].Price)

	second, err := c.FetchCurrentPrices(ctx, []string{"ethereum", "bitcoin"})
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Equal(t, first[0].Symbol, second[0].Symbol)
	assert.Equal(t, first[0].Price, second[0].Price)

	assert.Equal(t, int64(1), hits.Load(), "fresh cache must short-circuit the network")
}

func TestFetchCurrentPricesNormalizesIDs(t *testing.T) {
	var gotIDs string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIDs = r.URL.Query().Get("ids")
		w.Write([]byte(marketsBody))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL})
	_, err := c.FetchCurrentPrices(context.Background(), []string{" Ethereum", "BITCOIN", "bitcoin", ""})
	require.NoError(t, err)
	assert.Equal(t, "bitcoin,ethereum", gotIDs)
}

func TestFetchCurrentPricesStaleFallback(t *testing.T) {
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(marketsBody))
	}))
	defer srv.Close()

	mem := cache.NewMemoryCache()
	now := time.Now()
	mem.SetClock(func() time.Time { return now })

	c := NewClient(Options{BaseURL: srv.URL, Cache: mem})
	ctx := context.Background()

	fresh, err := c.FetchCurrentPrices(ctx, []string{"bitcoin", "ethereum"})
	require.NoError(t, err)

	now = now.Add(31 * time.Second)
	failing.Store(true)

	stale, err := c.FetchCurrentPrices(ctx, []string{"bitcoin", "ethereum"})
	require.NoError(t, err, "stale cache must mask an upstream failure")
	require.Len(t, stale, len(fresh))
	for i := range fresh {
		assert.Equal(t, fresh[i].Symbol, stale[i].Symbol)
		assert.Equal(t, fresh[i].Price, stale[i].Price)
	}
}

func TestFetchCurrentPricesFailsWithoutStaleCopy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL})
	_, err := c.FetchCurrentPrices(context.Background(), []string{"bitcoin"})
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestRequestRetriesOnceAfterRateLimit(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(marketsBody))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL})
	start := time.Now()

	snaps, err := c.FetchCurrentPrices(context.Background(), []string{"bitcoin"})
	require.NoError(t, err)
	require.NotEmpty(t, snaps)

	assert.Equal(t, int64(2), hits.Load())
	assert.GreaterOrEqual(t, time.Since(start), time.Second, "retry must honor Retry-After")
}

func TestRequestGivesUpAfterSecondRateLimit(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL})
	_, err := c.FetchCurrentPrices(context.Background(), []string{"bitcoin"})
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Equal(t, int64(2), hits.Load(), "exactly one retry, then surface the failure")
}

func TestFetchCurrentPricesMalformedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"not":"an array"`))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL})
	_, err := c.FetchCurrentPrices(context.Background(), []string{"bitcoin"})
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestRequestTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.Write([]byte(marketsBody))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := c.FetchCurrentPrices(context.Background(), []string{"bitcoin"})
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestFetchHistory(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/coins/bitcoin/market_chart", r.URL.Path)
		w.Write([]byte(`{"prices":[[1700000000000,48000.5],[1700000060000,48100.25]]}`))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL})
	ctx := context.Background()

	points, err := c.FetchHistory(ctx, "Bitcoin", 7)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, 48000.5, points[0].Price)

	_, err = c.FetchHistory(ctx, "bitcoin", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), hits.Load(), "history must be served from cache")
}

func TestFetchCoinList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/coins/list", r.URL.Path)
		w.Write([]byte(`[{"id":"bitcoin","symbol":"btc","name":"Bitcoin"}]`))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL})
	coins, err := c.FetchCoinList(context.Background())
	require.NoError(t, err)
	require.Len(t, coins, 1)
	assert.Equal(t, "bitcoin", coins[0].ID)
}

func TestStatsCountRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(marketsBody))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, RequestsPerMinute: 0})
	_, err := c.FetchCurrentPrices(context.Background(), []string{"bitcoin"})
	require.NoError(t, err)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Requests)
	assert.False(t, stats.LastRequestAt.IsZero())
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 5*time.Second, parseRetryAfter("5"))
	assert.Equal(t, defaultRetryAfter, parseRetryAfter(""))
	assert.Equal(t, defaultRetryAfter, parseRetryAfter("garbage"))

	future := time.Now().Add(10 * time.Second).UTC().Format(http.TimeFormat)
	d := parseRetryAfter(future)
	assert.Greater(t, d, 5*time.Second)
	assert.LessOrEqual(t, d, 10*time.Second)
}
