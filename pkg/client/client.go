package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/commonsmetrics/governance-collector/internal/orchestrator"
	"github.com/commonsmetrics/governance-collector/internal/report"
)

// Client is the API client for governance-collector
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Status retrieves the queue and rate limit status
func (c *Client) Status() (*report.SystemReport, error) {
	var response struct {
		Data *report.SystemReport `json:"data"`
	}
	if err := c.do(http.MethodGet, "/api/v1/status", nil, &response); err != nil {
		return nil, err
	}
	return response.Data, nil
}

// InitQueue replaces the queue with a fresh set of projects
func (c *Client) InitQueue(projects []string, category string) (*orchestrator.CommandResult, error) {
	body := map[string]interface{}{
		"projects": projects,
		"category": category,
	}

	var response struct {
		Data *orchestrator.CommandResult `json:"data"`
	}
	if err := c.do(http.MethodPost, "/api/v1/queue/init", body, &response); err != nil {
		return nil, err
	}
	return response.Data, nil
}

// AddProjects appends projects to the pending queue
func (c *Client) AddProjects(projects []string) (*orchestrator.CommandResult, error) {
	body := map[string]interface{}{
		"projects": projects,
	}

	var response struct {
		Data *orchestrator.CommandResult `json:"data"`
	}
	if err := c.do(http.MethodPost, "/api/v1/queue/projects", body, &response); err != nil {
		return nil, err
	}
	return response.Data, nil
}

// Collect runs a collection pass on the server
func (c *Client) Collect(limit int, wait bool) (*orchestrator.CommandResult, error) {
	body := map[string]interface{}{
		"limit": limit,
		"wait":  wait,
	}

	var response struct {
		Data *orchestrator.CommandResult `json:"data"`
	}
	if err := c.do(http.MethodPost, "/api/v1/collect", body, &response); err != nil {
		return nil, err
	}
	return response.Data, nil
}

// RetryFailed moves failed projects back to the pending queue
func (c *Client) RetryFailed() (*orchestrator.CommandResult, error) {
	var response struct {
		Data *orchestrator.CommandResult `json:"data"`
	}
	if err := c.do(http.MethodPost, "/api/v1/queue/retry", nil, &response); err != nil {
		return nil, err
	}
	return response.Data, nil
}

// ClearQueue removes all queue state
func (c *Client) ClearQueue() error {
	var response struct {
		Data *orchestrator.CommandResult `json:"data"`
	}
	return c.do(http.MethodDelete, "/api/v1/queue", nil, &response)
}

// HealthCheck checks if the API is healthy
func (c *Client) HealthCheck() error {
	var response struct {
		Status string `json:"status"`
	}
	if err := c.do(http.MethodGet, "/health", nil, &response); err != nil {
		return err
	}
	if response.Status != "ok" {
		return fmt.Errorf("unhealthy status: %s", response.Status)
	}
	return nil
}

func (c *Client) do(method, path string, body interface{}, result interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error: %s - %s", resp.Status, string(respBody))
	}

	return json.NewDecoder(resp.Body).Decode(result)
}
