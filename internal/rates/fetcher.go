// Package rates fetches the official USD exchange rate used to display
// inventory values in local currency. Valuation itself always runs in the
// purchase currency; the rate is presentation-only, so a stale value is
// acceptable when the upstream API is down.
package rates

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type rateResponse struct {
	Promedio float64 `json:"promedio"`
	Fecha    string  `json:"fechaActualizacion"`
}

// Fetcher caches the exchange rate for a TTL and falls back to the last
// known value when a refresh fails.
type Fetcher struct {
	client *resty.Client
	url    string
	ttl    time.Duration
	log    *logrus.Logger

	mu        sync.Mutex
	rate      decimal.Decimal
	fetchedAt time.Time
}

func NewFetcher(url string, ttl time.Duration, log *logrus.Logger) *Fetcher {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(2)
	return &Fetcher{client: client, url: url, ttl: ttl, log: log}
}

// Rate returns the cached USD rate, refreshing it when the TTL has expired.
// If no rate has ever been fetched and the upstream fails, an error is
// returned; afterwards the last cached value is served on failures.
func (f *Fetcher) Rate(ctx context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.fetchedAt.IsZero() && time.Since(f.fetchedAt) < f.ttl {
		return f.rate, nil
	}

	var body rateResponse
	resp, err := f.client.R().
		SetContext(ctx).
		SetResult(&body).
		Get(f.url)
	if err == nil && resp.IsError() {
		err = fmt.Errorf("rates API returned status %d", resp.StatusCode())
	}
	if err == nil && body.Promedio <= 0 {
		err = fmt.Errorf("rates API returned non-positive rate %v", body.Promedio)
	}
	if err != nil {
		if f.fetchedAt.IsZero() {
			return decimal.Zero, fmt.Errorf("fetching exchange rate: %w", err)
		}
		f.log.WithError(err).WithField("cached_at", f.fetchedAt).
			Warn("exchange rate refresh failed, serving cached value")
		return f.rate, nil
	}

	f.rate = decimal.NewFromFloat(body.Promedio)
	f.fetchedAt = time.Now()
	f.log.WithFields(logrus.Fields{
		"rate":    f.rate.String(),
		"updated": body.Fecha,
	}).Info("exchange rate refreshed")
	return f.rate, nil
}
