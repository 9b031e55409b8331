// Package transport provides the HTTP plumbing shared by the IMDS and
// wireserver clients: client construction with independent connection and
// read timeouts, response classification, and a retrying request helper
// built on the retry package.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-logr/logr"

	"github.com/imamik/azinit/internal/util/retry"
)

// NewClient builds an HTTP client for a link-local platform endpoint. The
// connection timeout bounds transport establishment; the read timeout is
// enforced per attempt via request contexts in Do. Platform endpoints are
// link-local, so proxies are never consulted.
func NewClient(connectionTimeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: connectionTimeout}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:       nil,
			DialContext: dialer.DialContext,
		},
	}
}

// StatusError reports a non-2xx response from a platform endpoint.
type StatusError struct {
	Endpoint   string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP request did not succeed (HTTP %d from %s)", e.StatusCode, e.Endpoint)
}

// Transient reports whether the status is expected to self-resolve. The
// platform returns 404/410/429 while an endpoint is still warming up, and
// 5xx during transient service trouble; anything else (401, 403, 405, other
// 4xx) indicates a request the service will never accept.
func (e *StatusError) Transient() bool {
	switch e.StatusCode {
	case http.StatusNotFound, http.StatusGone, http.StatusTooManyRequests:
		return true
	}
	return e.StatusCode >= 500
}

// Request describes one logical exchange with a platform endpoint.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Do issues req under policy until the decode callback accepts a response
// body or the budget runs out.
//
// Classification: network errors and transient statuses are retried;
// non-transient statuses fail permanently. A decode error is treated as
// transient (the service may still be assembling its data) unless decode
// marks it permanent via retry.Permanent, which is how shape mismatches
// that cannot self-resolve are surfaced.
func Do(ctx context.Context, client *http.Client, policy retry.Policy, logger logr.Logger, req Request, decode func([]byte) error) error {
	op := func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, policy.ReadTimeout)
		defer cancel()

		var body io.Reader
		if req.Body != nil {
			body = bytes.NewReader(req.Body)
		}
		httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, req.URL, body)
		if err != nil {
			return retry.Permanent(fmt.Errorf("building request for %s: %w", req.URL, err))
		}
		for k, vs := range req.Header {
			for _, v := range vs {
				httpReq.Header.Add(k, v)
			}
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("requesting %s: %w", req.URL, err)
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading response from %s: %w", req.URL, err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			serr := &StatusError{Endpoint: req.URL, StatusCode: resp.StatusCode}
			if serr.Transient() {
				return serr
			}
			return retry.Permanent(serr)
		}

		if decode != nil {
			return decode(payload)
		}
		return nil
	}

	return policy.Do(ctx, logger, op)
}
