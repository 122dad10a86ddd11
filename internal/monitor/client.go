package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	api "github.com/fyrsmithlabs/foundry/internal/http"
)

// StatusClient polls a foundry API server.
type StatusClient struct {
	baseURL string
	client  *http.Client
}

// NewStatusClient creates a client for the server at baseURL.
func NewStatusClient(baseURL string) *StatusClient {
	return &StatusClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

// Status fetches GET /api/v1/status.
func (c *StatusClient) Status(ctx context.Context) (api.StatusResponse, error) {
	u, err := url.Parse(c.baseURL + "/api/v1/status")
	if err != nil {
		return api.StatusResponse{}, fmt.Errorf("invalid base URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return api.StatusResponse{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return api.StatusResponse{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return api.StatusResponse{}, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	var status api.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return api.StatusResponse{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return status, nil
}
