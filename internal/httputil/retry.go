// Copyright Peton Labs, 2026. All rights reserved.

// Package httputil provides HTTP helpers shared across stages.
package httputil

import (
	"context"
	"io"
	"math"
	"net/http"
	"time"
)

// RetryBaseDelay controls the base duration for exponential backoff on
// retryable failures. Tests override this to avoid real sleeps.
var RetryBaseDelay = 1 * time.Second

// RetryMaxDelay caps a single backoff wait.
var RetryMaxDelay = 60 * time.Second

const defaultMaxRetries = 3

// retryableStatus reports whether a status is worth retrying in place:
// 429 plus the transient gateway statuses. Other 5xx responses pass through
// so callers can classify them per source.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// DoWithRetry executes an HTTP request and retries transient failures —
// HTTP 429, 502, 503, 504, and network errors — with exponential backoff.
// The delay starts at RetryBaseDelay and doubles each attempt, capped at
// RetryMaxDelay.
//
// When maxRetries is 0 the default (3) is used. Request bodies are not
// replayed, so only idempotent requests belong here. On each retryable
// response the body is drained and closed before sleeping. If the context
// is cancelled during a wait the function returns ctx.Err(). After
// exhausting retries the last response or network error is returned so the
// caller can inspect it.
func DoWithRetry(ctx context.Context, client *http.Client, req *http.Request, maxRetries int) (*http.Response, error) {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	for attempt := 0; ; attempt++ {
		resp, err := client.Do(req.Clone(ctx))
		if err == nil && !retryableStatus(resp.StatusCode) {
			return resp, nil
		}
		if err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// Exhausted retries — hand back whatever happened last.
		if attempt >= maxRetries {
			return resp, err
		}

		if err == nil {
			// Drain and close the body before retrying.
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}

		backoff := time.Duration(math.Pow(2, float64(attempt))) * RetryBaseDelay
		if backoff > RetryMaxDelay {
			backoff = RetryMaxDelay
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
}
