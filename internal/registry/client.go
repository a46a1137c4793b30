// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennant Contributors

// Package registry is the HTTP client for the registry service, the system of
// record the edge cache fetches through on a miss.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/pennanthq/pennant/internal/cache"
	"github.com/pennanthq/pennant/internal/features"
)

// APIKeyHeader authenticates the edge node to the registry service.
const APIKeyHeader = "X-Pennant-Cache-Token"

const (
	defaultTimeout = 10 * time.Second
	defaultRetries = 3
	retryBase      = 100 * time.Millisecond
)

// Client fetches environments and service accounts from the registry service.
// It implements cache.Fetcher.
type Client struct {
	base    *url.URL
	apiKey  string
	httpc   *http.Client
	retries uint64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) { c.httpc = httpc }
}

// WithRetries sets the retry budget for transient failures.
func WithRetries(n uint64) Option {
	return func(c *Client) { c.retries = n }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpc.Timeout = d }
}

// NewClient builds a client for the registry service at rawURL.
func NewClient(rawURL, apiKey string, opts ...Option) (*Client, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, oops.With("url", rawURL).Wrapf(err, "parse registry url")
	}
	c := &Client{
		base:    base,
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: defaultTimeout},
		retries: defaultRetries,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// FetchEnvironment retrieves a full environment by id.
func (c *Client) FetchEnvironment(ctx context.Context, id uuid.UUID) (*features.Environment, error) {
	var env features.Environment
	if err := c.get(ctx, "/api/v2/environments/"+id.String(), &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// FetchServiceAccount retrieves a service account by either of its evaluation
// credentials.
func (c *Client) FetchServiceAccount(ctx context.Context, credential string) (*features.ServiceAccount, error) {
	var account features.ServiceAccount
	if err := c.get(ctx, "/api/v2/service-accounts/key/"+url.PathEscape(credential), &account); err != nil {
		return nil, err
	}
	return &account, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	target := c.base.JoinPath(path).String()
	backoff := retry.WithMaxRetries(c.retries, retry.NewExponential(retryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return oops.With("url", target).Wrapf(err, "build registry request")
		}
		req.Header.Set(APIKeyHeader, c.apiKey)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpc.Do(req)
		if err != nil {
			return retry.RetryableError(oops.With("url", target).Wrapf(err, "registry request failed"))
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusOK:
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return oops.With("url", target).Wrapf(err, "decode registry response")
			}
			return nil
		case resp.StatusCode == http.StatusNotFound:
			return cache.ErrNotFound
		case resp.StatusCode >= 500:
			_, _ = io.Copy(io.Discard, resp.Body)
			return retry.RetryableError(
				oops.Code("REGISTRY_UNAVAILABLE").With("url", target, "status", resp.StatusCode).
					Errorf("registry returned %s", resp.Status))
		default:
			_, _ = io.Copy(io.Discard, resp.Body)
			return oops.Code("REGISTRY_REJECTED").With("url", target, "status", resp.StatusCode).
				Errorf("registry returned %s", resp.Status)
		}
	})
}

var _ cache.Fetcher = (*Client)(nil)

// String identifies the client target for logs.
func (c *Client) String() string {
	return fmt.Sprintf("registry[%s]", c.base.Host)
}
