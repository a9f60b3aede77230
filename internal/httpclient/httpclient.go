// Package httpclient builds the shared resty client used by transcript
// providers, the feed and lookup clients, and node agents calling back to
// the server: a configured timeout plus a bounded exponential-backoff retry
// on transport errors and 5xx/429 responses.
package httpclient

import (
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// Options configures the shared client.
type Options struct {
	Timeout    time.Duration
	RetryCount int
	UserAgent  string
}

// DefaultOptions returns sane defaults for a 10s-timeout, 3-retry client.
func DefaultOptions() Options {
	return Options{
		Timeout:    10 * time.Second,
		RetryCount: 3,
		UserAgent:  "forgecast/1.0",
	}
}

// New builds a resty client configured per opts. Retries back off from
// 500ms to 5s and only trigger on transport errors or a 429/5xx response,
// never on 4xx client errors (those are handled by provider logic, e.g.
// a 403/404 transcript lookup is a normal outcome, not a retryable fault).
func New(opts Options) *resty.Client {
	c := resty.New().
		SetTimeout(opts.Timeout).
		SetHeader("User-Agent", opts.UserAgent).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		})
	return c
}
