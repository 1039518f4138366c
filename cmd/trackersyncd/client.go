package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/p-blackswan/trackersync/internal/models"
	"github.com/p-blackswan/trackersync/internal/server"
)

type apiFlags struct {
	addr  string
	token string
}

func (f *apiFlags) client() *apiClient {
	return &apiClient{
		baseURL: strings.TrimSuffix(f.addr, "/"),
		token:   f.token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// apiClient calls the management API of a running daemon.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func (c *apiClient) Health(ctx context.Context) (*server.HealthResponse, error) {
	var h server.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *apiClient) ListProjects(ctx context.Context) ([]models.Project, error) {
	var out struct {
		Projects []models.Project `json:"projects"`
	}
	if err := c.do(ctx, http.MethodGet, "/projects", nil, &out); err != nil {
		return nil, err
	}
	return out.Projects, nil
}

func (c *apiClient) AddProject(ctx context.Context, raw []byte) (*models.Project, error) {
	var probe models.Project
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("project must be a JSON object: %w", err)
	}
	var p models.Project
	if err := c.do(ctx, http.MethodPost, "/projects", raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *apiClient) RemoveProject(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/projects/"+url.PathEscape(id), nil, nil)
}

func (c *apiClient) Trigger(ctx context.Context, req server.TriggerRequest) (bool, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return false, err
	}
	var out struct {
		Queued bool `json:"queued"`
	}
	if err := c.do(ctx, http.MethodPost, "/sync/trigger", body, &out); err != nil {
		return false, err
	}
	return out.Queued, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var problem server.ProblemDetail
		if json.Unmarshal(data, &problem) == nil && problem.Detail != "" {
			return fmt.Errorf("%s %s: %s (%d)", method, path, problem.Detail, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
