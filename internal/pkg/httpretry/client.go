// Package httpretry wraps an HTTP client with bounded retries and
// jittered exponential backoff for transient failures.
package httpretry

import (
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/ignite/quote-sender/internal/pkg/logger"
)

// Doer executes one HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client retries transient failures: network-level errors and the
// retryable server statuses 429, 500, 502, 503 and 504.
type Client struct {
	doer     Doer
	retries  int
	baseWait time.Duration
	maxWait  time.Duration
}

// New wraps doer. retries is the number of attempts after the first;
// zero keeps a single attempt. A nil doer gets a default client.
func New(doer Doer, retries int) *Client {
	if doer == nil {
		doer = &http.Client{Timeout: 30 * time.Second}
	}
	if retries < 0 {
		retries = 0
	}
	return &Client{
		doer:     doer,
		retries:  retries,
		baseWait: 500 * time.Millisecond,
		maxWait:  30 * time.Second,
	}
}

// Do executes the request. The final response is returned as-is so the
// caller can inspect its status and body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if err := req.Context().Err(); err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}
		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("httpretry: reset request body: %w", err)
				}
				req.Body = body
			}
			wait := c.backoff(attempt)
			logger.Debug("http retry",
				"attempt", fmt.Sprint(attempt), "host", req.URL.Host, "wait", wait.String())
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-req.Context().Done():
				timer.Stop()
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, req.Context().Err()
			}
		}

		resp, err := c.doer.Do(req)
		if err != nil {
			if req.Context().Err() != nil || !transientError(err) {
				return nil, err
			}
			lastErr = err
			continue
		}
		if !retryableStatus(resp.StatusCode) || attempt == c.retries {
			return resp, nil
		}
		// drain so the connection can be reused
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("httpretry: status %d", resp.StatusCode)
	}
	return nil, lastErr
}

// backoff waits base*2^(attempt-1) capped at maxWait, with full jitter
// and a 100ms floor.
func (c *Client) backoff(attempt int) time.Duration {
	wait := float64(c.baseWait) * math.Pow(2, float64(attempt-1))
	if wait > float64(c.maxWait) {
		wait = float64(c.maxWait)
	}
	jittered := time.Duration(rand.Float64() * wait)
	if jittered < 100*time.Millisecond {
		jittered = 100 * time.Millisecond
	}
	return jittered
}

// transientError reports whether the failure is worth another attempt.
// Anything that is not a network-level error, a redirect policy
// rejection for example, is final.
func transientError(err error) bool {
	// url.Error itself implements net.Error, so look at what it wraps
	var uerr *url.Error
	if errors.As(err, &uerr) {
		err = uerr.Err
	}
	var nerr net.Error
	return errors.As(err, &nerr)
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
