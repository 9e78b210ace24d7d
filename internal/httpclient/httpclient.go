// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package httpclient defines the narrow HTTP collaborator interface
// spec.md §6 describes the engine as consuming: post_json and
// lookup_dns. This package provides the interface (for testability —
// auth/egress/session depend on it, never on *http.Client directly)
// and one concrete, unremarkable net/http-backed implementation. This
// engine is not a general-purpose HTTP client (spec.md §1 Non-goals);
// it talks to exactly two backends over exactly one verb.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Request is one post_json call, per spec.md §6.
type Request struct {
	URL     string
	Headers map[string]string
	// Body is marshaled with encoding/json. Callers that already have
	// raw bytes (a proto-serialized body in the original) can set
	// RawBody instead; Body is ignored when RawBody is set.
	Body    any
	RawBody []byte
}

// Response is the result of a post_json call.
type Response struct {
	Code     int
	Message  string
	JSONBody []byte
}

// Client is the HTTP collaborator interface the engine consumes.
// auth.Client and egress.Client depend on this interface, not on a
// concrete transport, so tests can substitute a fake.
type Client interface {
	PostJSON(ctx context.Context, req Request) (*Response, error)
	LookupDNS(ctx context.Context, host string) (string, error)
}

// HTTPClient is the default Client implementation, a thin wrapper
// around *http.Client. Per-request timeouts are this collaborator's
// responsibility, not the Session's (spec.md §5).
type HTTPClient struct {
	inner *http.Client
}

// New returns an HTTPClient with the given per-request timeout.
func New(timeout time.Duration) *HTTPClient {
	return &HTTPClient{inner: &http.Client{Timeout: timeout}}
}

func (c *HTTPClient) PostJSON(ctx context.Context, req Request) (*Response, error) {
	body := req.RawBody
	if body == nil && req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("httpclient: marshaling request body: %w", err)
		}
		body = b
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("httpclient: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.inner.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("httpclient: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("httpclient: reading response body: %w", err)
	}
	return &Response{
		Code:     resp.StatusCode,
		Message:  resp.Status,
		JSONBody: respBody,
	}, nil
}

func (c *HTTPClient) LookupDNS(ctx context.Context, host string) (string, error) {
	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return "", fmt.Errorf("httpclient: looking up %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("httpclient: no addresses for %q", host)
	}
	return addrs[0], nil
}
