package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/claude-cli-supervisor/internal/config"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/jobspec"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/supervisor"
	"github.com/hochfrequenz/claude-cli-supervisor/web/api"
)

// apiClient talks to a running "serve" process
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func serverURL(cfg *config.Config) string {
	host := cfg.Web.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Web.Port))
}

func (c *apiClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	return c.doType(ctx, method, path, "application/json", body, out)
}

func (c *apiClient) doType(ctx context.Context, method, path, contentType string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("is the supervisor running? %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = resp.Status
		}
		return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// SubmitJob sends the job as YAML, the format job files use
func (c *apiClient) SubmitJob(ctx context.Context, job *jobspec.Job) (api.JobResponse, error) {
	var resp api.JobResponse
	body, err := yaml.Marshal(job)
	if err != nil {
		return resp, err
	}
	err = c.doType(ctx, http.MethodPost, "/api/jobs", "application/yaml", body, &resp)
	return resp, err
}

func (c *apiClient) Cancel(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodPost, "/api/tasks/"+taskID+"/cancel", nil, nil)
}

func (c *apiClient) Pool(ctx context.Context) (supervisor.PoolStatus, error) {
	var pool supervisor.PoolStatus
	err := c.do(ctx, http.MethodGet, "/api/pool", nil, &pool)
	return pool, err
}

func (c *apiClient) KillAll(ctx context.Context) ([]int, error) {
	var resp struct {
		Killed []int `json:"killed"`
	}
	err := c.do(ctx, http.MethodPost, "/api/pool/kill", nil, &resp)
	return resp.Killed, err
}

func (c *apiClient) Invocations(ctx context.Context, sessionID string) (api.InvocationsResponse, error) {
	var resp api.InvocationsResponse
	err := c.do(ctx, http.MethodGet, "/api/sessions/"+sessionID+"/invocations", nil, &resp)
	return resp, err
}

func (c *apiClient) ResetInvocations(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/api/sessions/"+sessionID+"/invocations", nil, nil)
}
