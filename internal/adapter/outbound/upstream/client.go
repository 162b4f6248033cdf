// Package upstream provides the pooled HTTP client the transport handlers
// use to reach sse and streamable_http destinations, including the shared
// connect-retry policy.
package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Timeouts per the concurrency model: connects are bounded, discrete reads
// are bounded, streaming reads are not.
const (
	ConnectTimeout = 10 * time.Second
	ReadTimeout    = 60 * time.Second
)

// RetryDelays drive the connect retry policy. Attempts equal the slice
// length; there is no sleep after the final attempt.
var RetryDelays = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

// ErrUpstream marks failures that surface to clients as 502 after the retry
// budget is spent. The wrapped detail is for the audit record only.
var ErrUpstream = errors.New("upstream unavailable")

// Client wraps two pooled http.Clients: one with an overall deadline for
// buffered request/response exchanges, one without for SSE streams.
type Client struct {
	buffered  *http.Client
	streaming *http.Client
}

// NewClient builds the pooled client pair.
func NewClient() *Client {
	transport := func() *http.Transport {
		return &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   ConnectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: ConnectTimeout,
		}
	}
	return &Client{
		buffered: &http.Client{
			Timeout:   ReadTimeout,
			Transport: transport(),
		},
		streaming: &http.Client{
			// No overall deadline: SSE streams stay open until either
			// side disconnects.
			Transport: transport(),
		},
	}
}

// Do sends a discrete request and returns the response with its body open.
// Transport errors and 5xx responses are retried per RetryDelays; the last
// failure is wrapped in ErrUpstream.
func (c *Client) Do(ctx context.Context, method, url string, header http.Header, body []byte) (*http.Response, error) {
	return c.doWithRetry(ctx, c.buffered, method, url, header, body)
}

// Stream sends a request expecting a long-lived streaming response. The
// retry policy covers connection establishment only; once headers arrive the
// open response is returned, 4xx included, for the caller to relay.
func (c *Client) Stream(ctx context.Context, method, url string, header http.Header, body []byte) (*http.Response, error) {
	return c.doWithRetry(ctx, c.streaming, method, url, header, body)
}

func (c *Client) doWithRetry(ctx context.Context, hc *http.Client, method, url string, header http.Header, body []byte) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt < len(RetryDelays); attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build upstream request: %w", err)
		}
		if header != nil {
			req.Header = header.Clone()
		}

		resp, err := hc.Do(req)
		switch {
		case err != nil:
			lastErr = err
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("upstream returned %d", resp.StatusCode)
			// Drain so the pooled connection can be reused.
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
		default:
			return resp, nil
		}

		// Client cancellation is not retryable.
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrUpstream, ctx.Err())
		}
		if attempt < len(RetryDelays)-1 {
			select {
			case <-time.After(RetryDelays[attempt]):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrUpstream, ctx.Err())
			}
		}
	}

	return nil, fmt.Errorf("%w: %v", ErrUpstream, lastErr)
}
