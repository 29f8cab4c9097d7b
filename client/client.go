// Package client provides a Go client for a remote Conductor server.
//
// Usage:
//
//	c := client.New("https://conductor.example.com",
//	    client.WithToken(jwt),
//	)
//
//	// Submit a job and follow it.
//	j, err := c.Submit(ctx, job.Spec{InputRef: in, OutputRef: out})
//	events, err := c.Events(ctx, j.ID)
//	for e := range events {
//	    fmt.Printf("%s %.0f%%\n", e.Type, e.Progress)
//	}
//
//	// Watch every lifecycle event of the caller.
//	ch, err := c.Subscribe(ctx)
//
// Executors that run outside the server report through the same client:
//
//	x := client.New(url, client.WithExecutorKey(key))
//	_, err := x.Claim(ctx, jobID, token)
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/rendiffdev/conductor"
)

// DefaultTimeout bounds each non-streaming request when no timeout is set.
const DefaultTimeout = 30 * time.Second

// Client talks to the Conductor HTTP API.
type Client struct {
	baseURL     string
	token       string
	executorKey string
	timeout     time.Duration
	httpClient  *http.Client
	logger      *slog.Logger

	http   *resty.Client
	stream *resty.Client
}

// New creates a Client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.http = c.newResty().SetTimeout(c.timeout)
	c.stream = c.newResty()
	return c
}

func (c *Client) newResty() *resty.Client {
	var r *resty.Client
	if c.httpClient != nil {
		r = resty.NewWithClient(c.httpClient)
	} else {
		r = resty.New()
	}
	r.SetBaseURL(c.baseURL).
		SetHeader("Accept", "application/json").
		SetLogger(restyLogger{c.logger})
	if c.token != "" {
		r.SetAuthToken(c.token)
	}
	return r
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int            `json:"-"`
	Message    string         `json:"error"`
	Kind       conductor.Kind `json:"kind"`
	Field      string         `json:"field,omitempty"`
	Current    *int           `json:"current,omitempty"`
	Limit      *int           `json:"limit,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("conductor/client: %d %s: %s", e.StatusCode, e.Kind, e.Message)
}

// Unwrap maps the error kind back to the matching root sentinel, so
// errors.Is(err, conductor.ErrAdmissionDenied) works across the wire.
func (e *APIError) Unwrap() error {
	switch e.Kind {
	case conductor.KindValidation:
		return conductor.ErrValidation
	case conductor.KindAdmissionDenied:
		return conductor.ErrAdmissionDenied
	case conductor.KindUnavailable:
		return conductor.ErrDispatchUnavailable
	case conductor.KindConflict:
		return conductor.ErrInvalidState
	}
	return nil
}

// IsNotFound reports whether err is a not-found response.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// request starts a client-route request.
func (c *Client) request(ctx context.Context) *resty.Request {
	return c.http.R().SetContext(ctx).SetError(&APIError{})
}

// executorRequest starts an executor callback request.
func (c *Client) executorRequest(ctx context.Context) *resty.Request {
	r := c.http.R().SetContext(ctx).SetError(&APIError{})
	if c.executorKey != "" {
		r.SetHeader("X-Executor-Key", c.executorKey)
	}
	return r
}

// check turns a failed round trip or non-2xx response into an error.
func check(op string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("conductor/client: %s: %w", op, err)
	}
	if !resp.IsError() {
		return nil
	}
	apiErr, ok := resp.Error().(*APIError)
	if !ok || apiErr == nil || apiErr.Message == "" {
		apiErr = &APIError{Message: strings.TrimSpace(resp.String())}
	}
	apiErr.StatusCode = resp.StatusCode()
	return apiErr
}

// restyLogger routes resty's warnings through slog.
type restyLogger struct{ l *slog.Logger }

func (r restyLogger) Errorf(format string, v ...any) { r.l.Error(fmt.Sprintf(format, v...)) }
func (r restyLogger) Warnf(format string, v ...any)  { r.l.Warn(fmt.Sprintf(format, v...)) }
func (r restyLogger) Debugf(format string, v ...any) { r.l.Debug(fmt.Sprintf(format, v...)) }
