package sites

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig defines retry behavior for information system queries. Only
// idempotent GETs go through it.
type RetryConfig struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	RetryableStatus []int
}

// DefaultRetryConfig returns the retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialDelay:    1 * time.Second,
		MaxDelay:        15 * time.Second,
		BackoffFactor:   2.0,
		RetryableStatus: []int{429, 500, 502, 503, 504}, // Rate limit + server errors
	}
}

// retryingClient wraps an HTTP client with exponential backoff.
type retryingClient struct {
	client *http.Client
	cfg    RetryConfig
}

func (c *retryingClient) Do(req *http.Request) (*http.Response, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := c.client.Do(req.Clone(req.Context()))
		switch {
		case err != nil:
			lastErr = err
		case c.shouldRetry(resp.StatusCode) && attempt < c.cfg.MaxRetries:
			resp.Body.Close()
		default:
			return resp, nil
		}
		if attempt >= c.cfg.MaxRetries {
			return nil, lastErr
		}
		delay := c.delay(attempt)
		ev := log.Debug().Int("attempt", attempt+1).Dur("delay", delay).Str("url", req.URL.String())
		if err != nil {
			ev = ev.Err(err)
		} else {
			ev = ev.Int("status", resp.StatusCode)
		}
		ev.Msg("information system request failed, retrying")
		if err := sleepCtx(req.Context(), delay); err != nil {
			return nil, err
		}
	}
}

func (c *retryingClient) shouldRetry(status int) bool {
	for _, code := range c.cfg.RetryableStatus {
		if status == code {
			return true
		}
	}
	return false
}

// delay is exponential backoff with ±25% jitter, capped at MaxDelay.
func (c *retryingClient) delay(attempt int) time.Duration {
	d := float64(c.cfg.InitialDelay) * math.Pow(c.cfg.BackoffFactor, float64(attempt))
	d += d * 0.25 * (2*rand.Float64() - 1)
	if c.cfg.MaxDelay > 0 && d > float64(c.cfg.MaxDelay) {
		d = float64(c.cfg.MaxDelay)
	}
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
