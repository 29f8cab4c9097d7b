package client

import (
	"context"

	"github.com/rendiffdev/conductor/job"
)

// Quota is the caller's allowance and current use.
type Quota struct {
	ClientID          string  `json:"client_id"`
	MaxConcurrentJobs int     `json:"max_concurrent_jobs"`
	ActiveSlots       int     `json:"active_slots"`
	MonthlyMinutes    float64 `json:"monthly_minutes"`
	UsedMinutes       float64 `json:"used_minutes"`
	Default           bool    `json:"default"`
}

// Stats returns the caller's job counts by status.
func (c *Client) Stats(ctx context.Context) (map[job.Status]int64, error) {
	var out struct {
		Jobs map[job.Status]int64 `json:"jobs"`
	}
	resp, err := c.request(ctx).SetResult(&out).Get("/v1/stats")
	if err := check("stats", resp, err); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// Quota returns the caller's quota.
func (c *Client) Quota(ctx context.Context) (*Quota, error) {
	var out Quota
	resp, err := c.request(ctx).SetResult(&out).Get("/v1/quota")
	if err := check("quota", resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health pings the server's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).SetError(&APIError{}).Get("/healthz")
	return check("health", resp, err)
}
