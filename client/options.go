package client

import (
	"log/slog"
	"net/http"
	"time"
)

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent on client routes.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithExecutorKey sets the shared key sent on executor callbacks.
func WithExecutorKey(key string) Option {
	return func(c *Client) { c.executorKey = key }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithTimeout bounds each non-streaming request. Event streams are not
// subject to it.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}
