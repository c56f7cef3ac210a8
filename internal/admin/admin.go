// Package admin implements the read-only operator helpers behind
// cmd/agentctl: stats, health, and peek, all fetched over HTTP from a
// running agent rather than by scanning a datastore directly.
//
// Grounded on the teacher's internal/admin/admin.go Stats/Peek shape
// (JSON result structs returned to a CLI for marshal-and-print), adapted
// from Redis key scans to HTTP calls against the agent's own /statsz and
// internal/queryapi endpoints.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Client calls a running agent's HTTP surface.
type Client struct {
	httpClient *http.Client
	agentBase  string // e.g. http://127.0.0.1:9090
	queryBase  string // e.g. http://127.0.0.1:9091, empty if queryapi is disabled
}

func NewClient(agentBase, queryBase string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{httpClient: httpClient, agentBase: agentBase, queryBase: queryBase}
}

// StatsResult mirrors internal/agent.Snapshot without importing it, so
// admin stays independent of the agent process's internal types.
type StatsResult struct {
	Listener struct {
		ActiveConnections int64 `json:"active_connections"`
		Goodbyes          int64 `json:"goodbyes"`
		EOFs              int64 `json:"eofs"`
		ParseErrors       int64 `json:"parse_errors"`
		Rejected          int64 `json:"rejected"`
	} `json:"listener"`
	Buffers  map[string]int    `json:"buffer_depths"`
	Breakers map[string]string `json:"breaker_states"`
}

func (c *Client) Stats(ctx context.Context) (StatsResult, error) {
	var out StatsResult
	err := c.getJSON(ctx, c.agentBase+"/statsz", &out)
	return out, err
}

// HealthResult reports the agent's readiness probe result.
type HealthResult struct {
	Ready   bool   `json:"ready"`
	Detail  string `json:"detail,omitempty"`
	Status  int    `json:"status_code"`
}

func (c *Client) Health(ctx context.Context) (HealthResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.agentBase+"/readyz", nil)
	if err != nil {
		return HealthResult{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return HealthResult{}, err
	}
	defer resp.Body.Close()
	return HealthResult{Ready: resp.StatusCode == http.StatusOK, Status: resp.StatusCode}, nil
}

// PeekJob fetches a single job projection by id from internal/queryapi.
func (c *Client) PeekJob(ctx context.Context, id string) (json.RawMessage, error) {
	if c.queryBase == "" {
		return nil, fmt.Errorf("queryapi base url not configured")
	}
	var out json.RawMessage
	err := c.getJSON(ctx, fmt.Sprintf("%s/v1/jobs/%s", c.queryBase, id), &out)
	return out, err
}

// PeekSubjob fetches a single subjob projection by id from internal/queryapi.
func (c *Client) PeekSubjob(ctx context.Context, id string) (json.RawMessage, error) {
	if c.queryBase == "" {
		return nil, fmt.Errorf("queryapi base url not configured")
	}
	var out json.RawMessage
	err := c.getJSON(ctx, fmt.Sprintf("%s/v1/subjobs/%s", c.queryBase, id), &out)
	return out, err
}

func (c *Client) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
