package payment

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/fulfillment-engine/internal/resilience"
)

// DefaultFeedURL is the Coinbase spot price endpoint for ETH-USD.
const DefaultFeedURL = "https://api.coinbase.com/v2/prices/ETH-USD/spot"

// Feed reports the current ETH-USD exchange rate.
type Feed interface {
	ETHUSD(ctx context.Context) (float64, error)
}

// CoinbaseFeed fetches the spot rate from Coinbase with a short-lived cache.
// When the upstream is down it serves the last known rate rather than failing
// payment verification outright.
type CoinbaseFeed struct {
	url     string
	ttl     time.Duration
	client  *http.Client
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig

	mu        sync.Mutex
	cached    float64
	fetchedAt time.Time
}

// NewCoinbaseFeed creates a price feed. ttl controls how long a fetched rate
// is served without revalidation; pass 0 for the 60s default.
func NewCoinbaseFeed(url string, ttl time.Duration) *CoinbaseFeed {
	if url == "" {
		url = DefaultFeedURL
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.OnRetry = resilience.RetryLogger("coinbase", "spot price")
	return &CoinbaseFeed{
		url:     url,
		ttl:     ttl,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Every(time.Second), 2),
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{}),
		retry:   retryCfg,
	}
}

// ETHUSD returns the cached rate when fresh, otherwise refetches. A fetch
// failure falls back to the stale cached value with a warning; only a cold
// cache plus a dead upstream produces an error.
func (f *CoinbaseFeed) ETHUSD(ctx context.Context) (float64, error) {
	f.mu.Lock()
	cached, fetchedAt := f.cached, f.fetchedAt
	f.mu.Unlock()

	if cached > 0 && time.Since(fetchedAt) < f.ttl {
		return cached, nil
	}

	fresh, err := f.fetch(ctx)
	if err != nil {
		if cached > 0 {
			zap.L().Warn("price feed unavailable, serving stale rate",
				zap.Float64("rate", cached),
				zap.Duration("age", time.Since(fetchedAt)),
				zap.Error(err))
			return cached, nil
		}
		return 0, eris.Wrap(err, "pricefeed: fetch ETH-USD")
	}

	f.mu.Lock()
	f.cached = fresh
	f.fetchedAt = time.Now()
	f.mu.Unlock()
	return fresh, nil
}

type spotResponse struct {
	Data struct {
		Amount   string `json:"amount"`
		Base     string `json:"base"`
		Currency string `json:"currency"`
	} `json:"data"`
}

func (f *CoinbaseFeed) fetch(ctx context.Context) (float64, error) {
	return resilience.DoVal(ctx, f.retry, func(ctx context.Context) (float64, error) {
		var rate float64
		err := f.breaker.Execute(ctx, func(ctx context.Context) error {
			if err := f.limiter.Wait(ctx); err != nil {
				return err
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
			if err != nil {
				return eris.Wrap(err, "pricefeed: build request")
			}
			resp, err := f.client.Do(req)
			if err != nil {
				return resilience.NewTransientError(err, 0)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
				err := eris.Errorf("pricefeed: status %d: %s", resp.StatusCode, string(body))
				if resilience.IsTransientHTTPStatus(resp.StatusCode) {
					return resilience.NewTransientError(err, resp.StatusCode)
				}
				return err
			}

			var sr spotResponse
			if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
				return eris.Wrap(err, "pricefeed: decode response")
			}
			rate, err = strconv.ParseFloat(sr.Data.Amount, 64)
			if err != nil {
				return eris.Wrapf(err, "pricefeed: parse amount %q", sr.Data.Amount)
			}
			if rate <= 0 {
				return eris.Errorf("pricefeed: non-positive rate %f", rate)
			}
			return nil
		})
		return rate, err
	})
}

// StaticFeed returns a fixed rate. Used in tests and local development.
type StaticFeed float64

func (s StaticFeed) ETHUSD(context.Context) (float64, error) {
	return float64(s), nil
}
