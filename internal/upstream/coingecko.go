package upstream

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"pricewatch/internal/cache"
	"pricewatch/internal/logger"
	"pricewatch/internal/models"
	"pricewatch/internal/tracing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// ErrUpstreamUnavailable is returned when a fetch fails and no stale cache
// fallback exists.
var ErrUpstreamUnavailable = errors.New("upstream price source unavailable")

// defaultRetryAfter backs a 429 response that carries no Retry-After header.
const defaultRetryAfter = 60 * time.Second

var (
	upstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_requests_total",
			Help: "Total number of upstream API requests issued",
		},
		[]string{"endpoint"},
	)
	upstreamRateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "upstream_rate_limited_total",
			Help: "Total number of 429 responses from the upstream API",
		},
	)
	upstreamStaleServedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "upstream_stale_served_total",
			Help: "Total number of responses served from stale cache after upstream failure",
		},
	)
)

func init() {
	prometheus.MustRegister(upstreamRequestsTotal)
	prometheus.MustRegister(upstreamRateLimitedTotal)
	prometheus.MustRegister(upstreamStaleServedTotal)
}

// Stats are observability counters for the upstream client.
type Stats struct {
	Requests      int64     `json:"requests"`
	LastRequestAt time.Time `json:"last_request_at"`
	RatePerMinute int       `json:"rate_per_minute"`
}

// PricePoint is one sample from a historical range query.
type PricePoint struct {
	Time  time.Time `json:"time"`
	Price float64   `json:"price"`
}

// CoinInfo is one listing from the upstream coin index.
type CoinInfo struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
}

// Options configure a Client. Zero values fall back to sane defaults.
type Options struct {
	BaseURL           string
	Cache             cache.Cache
	Pacer             Pacer
	Timeout           time.Duration
	RequestsPerMinute int
	PriceTTL          time.Duration
	HistoryTTL        time.Duration
	CoinListTTL       time.Duration
}

// Client wraps the CoinGecko HTTP API with caching, request pacing, a
// single bounded retry on rate limiting, and stale-cache fallback when the
// upstream is unreachable.
type Client struct {
	http        *http.Client
	baseURL     string
	cache       cache.Cache
	pacer       Pacer
	priceTTL    time.Duration
	historyTTL  time.Duration
	coinListTTL time.Duration

	mu    sync.Mutex
	stats Stats
}

func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.coingecko.com/api/v3"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.PriceTTL <= 0 {
		opts.PriceTTL = 30 * time.Second
	}
	if opts.HistoryTTL <= 0 {
		opts.HistoryTTL = 5 * time.Minute
	}
	if opts.CoinListTTL <= 0 {
		opts.CoinListTTL = 6 * time.Hour
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewMemoryCache()
	}
	if opts.Pacer == nil {
		opts.Pacer = NewIntervalPacer(opts.RequestsPerMinute)
	}
	return &Client{
		http:        &http.Client{Timeout: opts.Timeout},
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		cache:       opts.Cache,
		pacer:       opts.Pacer,
		priceTTL:    opts.PriceTTL,
		historyTTL:  opts.HistoryTTL,
		coinListTTL: opts.CoinListTTL,
		stats:       Stats{RatePerMinute: opts.RequestsPerMinute},
	}
}

// Stats returns a copy of the request counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// marketRow is the relevant subset of a /coins/markets entry.
type marketRow struct {
	ID                string  `json:"id"`
	Symbol            string  `json:"symbol"`
	CurrentPrice      float64 `json:"current_price"`
	PriceChange24h    float64 `json:"price_change_24h"`
	PriceChangePct24h float64 `json:"price_change_percentage_24h"`
	MarketCap         float64 `json:"market_cap"`
	TotalVolume       float64 `json:"total_volume"`
}

// FetchCurrentPrices returns one snapshot per requested coin ID, freshest
// available. A fresh cache entry short-circuits the network entirely.
func (c *Client) FetchCurrentPrices(ctx context.Context, coinIDs []string) ([]models.PriceSnapshot, error) {
	ids := normalizeIDs(coinIDs)
	if len(ids) == 0 {
		return nil, nil
	}
	key := "prices:" + hashKey(strings.Join(ids, ","))

	if data, ok := c.cache.Get(ctx, key); ok {
		var snaps []models.PriceSnapshot
		if err := json.Unmarshal(data, &snaps); err == nil {
			return snaps, nil
		}
	}

	snaps, err := c.fetchMarkets(ctx, ids)
	if err != nil {
		return c.staleSnapshots(ctx, key, err)
	}

	if data, mErr := json.Marshal(snaps); mErr == nil {
		c.cache.Set(ctx, key, data, c.priceTTL)
	}
	return snaps, nil
}

// FetchPrice is the single-coin variant of FetchCurrentPrices.
func (c *Client) FetchPrice(ctx context.Context, coinID string) (models.PriceSnapshot, error) {
	snaps, err := c.FetchCurrentPrices(ctx, []string{coinID})
	if err != nil {
		return models.PriceSnapshot{}, err
	}
	if len(snaps) == 0 {
		return models.PriceSnapshot{}, fmt.Errorf("%w: no data for %s", ErrUpstreamUnavailable, coinID)
	}
	return snaps[0], nil
}

// FetchHistory returns price samples for the last n days. History moves
// slowly, so it is cached for minutes rather than seconds.
func (c *Client) FetchHistory(ctx context.Context, coinID string, days int) ([]PricePoint, error) {
	coinID = strings.ToLower(strings.TrimSpace(coinID))
	if days <= 0 {
		days = 1
	}
	key := fmt.Sprintf("history:%s:%d", coinID, days)

	if data, ok := c.cache.Get(ctx, key); ok {
		var points []PricePoint
		if err := json.Unmarshal(data, &points); err == nil {
			return points, nil
		}
	}

	params := url.Values{}
	params.Set("vs_currency", "usd")
	params.Set("days", strconv.Itoa(days))
	body, err := c.request(ctx, "/coins/"+coinID+"/market_chart", params)
	if err == nil {
		var payload struct {
			Prices [][2]float64 `json:"prices"`
		}
		if uErr := json.Unmarshal(body, &payload); uErr != nil {
			err = fmt.Errorf("%w: decode market_chart: %v", ErrUpstreamUnavailable, uErr)
		} else {
			points := make([]PricePoint, 0, len(payload.Prices))
			for _, p := range payload.Prices {
				points = append(points, PricePoint{
					Time:  time.UnixMilli(int64(p[0])),
					Price: p[1],
				})
			}
			if data, mErr := json.Marshal(points); mErr == nil {
				c.cache.Set(ctx, key, data, c.historyTTL)
			}
			return points, nil
		}
	}

	if data, ok := c.cache.GetStaleAllowed(ctx, key); ok {
		var points []PricePoint
		if uErr := json.Unmarshal(data, &points); uErr == nil {
			c.logDegraded(key, err)
			return points, nil
		}
	}
	return nil, err
}

// FetchCoinList returns the upstream coin index. The index is essentially
// static, so it is cached for hours.
func (c *Client) FetchCoinList(ctx context.Context) ([]CoinInfo, error) {
	const key = "coins:list"

	if data, ok := c.cache.Get(ctx, key); ok {
		var coins []CoinInfo
		if err := json.Unmarshal(data, &coins); err == nil {
			return coins, nil
		}
	}

	body, err := c.request(ctx, "/coins/list", nil)
	if err == nil {
		var coins []CoinInfo
		if uErr := json.Unmarshal(body, &coins); uErr != nil {
			err = fmt.Errorf("%w: decode coin list: %v", ErrUpstreamUnavailable, uErr)
		} else {
			if data, mErr := json.Marshal(coins); mErr == nil {
				c.cache.Set(ctx, key, data, c.coinListTTL)
			}
			return coins, nil
		}
	}

	if data, ok := c.cache.GetStaleAllowed(ctx, key); ok {
		var coins []CoinInfo
		if uErr := json.Unmarshal(data, &coins); uErr == nil {
			c.logDegraded(key, err)
			return coins, nil
		}
	}
	return nil, err
}

func (c *Client) fetchMarkets(ctx context.Context, ids []string) ([]models.PriceSnapshot, error) {
	params := url.Values{}
	params.Set("vs_currency", "usd")
	params.Set("ids", strings.Join(ids, ","))

	body, err := c.request(ctx, "/coins/markets", params)
	if err != nil {
		return nil, err
	}

	var rows []marketRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("%w: decode markets: %v", ErrUpstreamUnavailable, err)
	}

	now := time.Now()
	snaps := make([]models.PriceSnapshot, 0, len(rows))
	for _, row := range rows {
		if row.Symbol == "" {
			continue
		}
		snaps = append(snaps, models.PriceSnapshot{
			Symbol:           models.CanonicalSymbol(row.Symbol),
			Price:            row.CurrentPrice,
			Change24h:        row.PriceChange24h,
			ChangePercent24h: row.PriceChangePct24h,
			MarketCap:        row.MarketCap,
			Volume24h:        row.TotalVolume,
			FetchedAt:        now,
		})
	}
	return snaps, nil
}

func (c *Client) staleSnapshots(ctx context.Context, key string, cause error) ([]models.PriceSnapshot, error) {
	data, ok := c.cache.GetStaleAllowed(ctx, key)
	if !ok {
		return nil, cause
	}
	var snaps []models.PriceSnapshot
	if err := json.Unmarshal(data, &snaps); err != nil {
		return nil, cause
	}
	c.logDegraded(key, cause)
	return snaps, nil
}

func (c *Client) logDegraded(key string, cause error) {
	upstreamStaleServedTotal.Inc()
	logger.Log.Warn("Serving stale cache after upstream failure",
		zap.String("cache_key", key),
		zap.Error(cause),
	)
}

// request issues one paced HTTP GET. On a 429 it honors Retry-After (or
// the fixed fallback), then retries exactly once before surfacing failure.
func (c *Client) request(ctx context.Context, path string, params url.Values) ([]byte, error) {
	tracer := otel.Tracer(tracing.ServiceName)
	ctx, span := tracer.Start(ctx, "upstream.request")
	defer span.End()

	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	for attempt := 0; ; attempt++ {
		body, retryAfter, err := c.do(ctx, u, path)
		if err == nil {
			return body, nil
		}
		if retryAfter <= 0 || attempt > 0 {
			return nil, err
		}

		logger.Log.Warn("Upstream rate limited, backing off",
			zap.String("endpoint", path),
			zap.Duration("retry_after", retryAfter),
		)
		timer := time.NewTimer(retryAfter)
		select {
		case <-timer.C:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// do performs a single attempt. A positive retryAfter signals a 429.
func (c *Client) do(ctx context.Context, u, endpoint string) (body []byte, retryAfter time.Duration, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")

	c.recordRequest(endpoint)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		upstreamRateLimitedTotal.Inc()
		return nil, parseRetryAfter(resp.Header.Get("Retry-After")), fmt.Errorf("%w: rate limited", ErrUpstreamUnavailable)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, 0, fmt.Errorf("%w: status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: read body: %v", ErrUpstreamUnavailable, err)
	}
	return body, 0, nil
}

func (c *Client) recordRequest(endpoint string) {
	upstreamRequestsTotal.WithLabelValues(endpoint).Inc()
	c.mu.Lock()
	c.stats.Requests++
	c.stats.LastRequestAt = time.Now()
	c.mu.Unlock()
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return defaultRetryAfter
}

func normalizeIDs(coinIDs []string) []string {
	seen := make(map[string]struct{}, len(coinIDs))
	ids := make([]string, 0, len(coinIDs))
	for _, id := range coinIDs {
		id = strings.ToLower(strings.TrimSpace(id))
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func hashKey(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}
