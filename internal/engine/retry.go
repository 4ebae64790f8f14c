package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/clashctl/clashctl/internal/cmn/backoff"
	"github.com/go-resty/resty/v2"
)

const (
	retryInitialInterval = 500 * time.Millisecond
	retryMaxInterval     = 5 * time.Second
	retryMaxRetries      = 2
	retryBackoffFactor   = 2.0
)

// newRequestRetryPolicy creates the standard retry policy for engine and
// release API calls: exponential backoff + full jitter.
func newRequestRetryPolicy() backoff.RetryPolicy {
	base := backoff.NewExponentialBackoffPolicy(retryInitialInterval)
	base.BackoffFactor = retryBackoffFactor
	base.MaxInterval = retryMaxInterval
	base.MaxRetries = retryMaxRetries
	return backoff.WithJitter(base, backoff.FullJitter)
}

// httpError carries an HTTP status code for retry classification.
type httpError struct {
	statusCode int
	message    string
}

func (e *httpError) Error() string { return e.message }

// isRetriableError classifies errors for retry decisions:
//   - httpError 408, 429, 500-504 → retry
//   - httpError other (4xx) → never retry
//   - everything else (network, io) → retry
func isRetriableError(err error) bool {
	var he *httpError
	if errors.As(err, &he) {
		switch he.statusCode {
		case 408, 429:
			return true
		}
		return he.statusCode >= 500 && he.statusCode <= 504
	}
	return true
}

// classifyResponse checks an HTTP response and returns an appropriate error:
// 2xx → nil, everything else → httpError carrying the status code.
func classifyResponse(resp *resty.Response) error {
	code := resp.StatusCode()
	if code >= 200 && code < 300 {
		return nil
	}
	return &httpError{
		statusCode: code,
		message:    fmt.Sprintf("HTTP %d: %s", code, truncate(resp.String(), 180)),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
