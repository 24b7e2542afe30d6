package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hochfrequenz/agent-cycle-orchestrator/web/api"
)

// client talks to a running cycle-orch serve
type client struct {
	base  string
	owner string
	token string
	http  *http.Client
}

func newClient(base, owner, token string) *client {
	return &client{
		base:  strings.TrimRight(base, "/"),
		owner: owner,
		token: token,
		http:  &http.Client{},
	}
}

func (c *client) request(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.owner != "" {
		req.Header.Set(api.OwnerHeader, c.owner)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// do sends the request and decodes a JSON response into out
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.request(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contacting %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (%d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) createJob(ctx context.Context, spec any) (*api.JobResponse, error) {
	var job api.JobResponse
	if err := c.do(ctx, http.MethodPost, "/api/jobs", spec, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *client) action(ctx context.Context, jobID, action string) (*api.JobResponse, error) {
	var job api.JobResponse
	if err := c.do(ctx, http.MethodPost, "/api/jobs/"+jobID+"/"+action, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// events opens the job's SSE stream
func (c *client) events(ctx context.Context, jobID string) (*http.Response, error) {
	req, err := c.request(ctx, http.MethodGet, "/api/jobs/"+jobID+"/events", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contacting %s: %w", c.base, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET events: %s", resp.Status)
	}
	return resp, nil
}
