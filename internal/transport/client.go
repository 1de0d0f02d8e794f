// Package transport implements the outbound HTTP collaborator (spec
// §6): register, heartbeat, policy sync, event delivery, and
// unregister, each wrapped in internal/retry the way agent/main.go
// wraps its report loop in a *http.Client with a bounded timeout.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/haasonsaas/dlpagent/internal/events"
	"github.com/haasonsaas/dlpagent/internal/policy"
	"github.com/haasonsaas/dlpagent/internal/retry"
)

// RegisterRequest is the wire shape of POST /agents (spec §6).
type RegisterRequest struct {
	AgentID   string `json:"agent_id"`
	Name      string `json:"name"`
	Hostname  string `json:"hostname"`
	OS        string `json:"os"`
	OSVersion string `json:"os_version"`
	IPAddress string `json:"ip_address"`
	Version   string `json:"version"`
}

// HeartbeatRequest is the wire shape of PUT /agents/{id}/heartbeat.
type HeartbeatRequest struct {
	Timestamp     time.Time `json:"timestamp"`
	IPAddress     string    `json:"ip_address"`
	PolicyVersion string    `json:"policy_version,omitempty"`
}

// SyncRequest is the wire shape of POST /agents/{id}/policies/sync.
type SyncRequest struct {
	Platform         string `json:"platform"`
	InstalledVersion string `json:"installed_version,omitempty"`
}

// SyncResult is either {"status":"up_to_date"} or a full bundle (spec
// §6); Bundle is nil in the former case.
type SyncResult struct {
	UpToDate bool
	Bundle   *policy.Bundle
}

// Client is the transport contract every worker loop in
// internal/agent.Supervisor depends on.
type Client interface {
	Register(ctx context.Context, req RegisterRequest) error
	Heartbeat(ctx context.Context, agentID string, req HeartbeatRequest) error
	SyncPolicies(ctx context.Context, agentID string, req SyncRequest) (*SyncResult, error)
	SendEvent(ctx context.Context, ev events.Event) error
	Unregister(ctx context.Context, agentID string) error
}

type httpClient struct {
	baseURL string
	hc      *http.Client
	retrier *retry.Retrier
	log     zerolog.Logger
}

var _ events.Sender = (*httpClient)(nil)
var _ Client = (*httpClient)(nil)

func NewHTTPClient(baseURL string, timeout time.Duration, retrier *retry.Retrier, log zerolog.Logger) Client {
	return &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: timeout},
		retrier: retrier,
		log:     log,
	}
}

func (c *httpClient) Register(ctx context.Context, req RegisterRequest) error {
	return c.do(ctx, http.MethodPost, "/agents", req, nil)
}

func (c *httpClient) Heartbeat(ctx context.Context, agentID string, req HeartbeatRequest) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/agents/%s/heartbeat", agentID), req, nil)
}

func (c *httpClient) SyncPolicies(ctx context.Context, agentID string, req SyncRequest) (*SyncResult, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/agents/%s/policies/sync", agentID), req, &raw); err != nil {
		return nil, err
	}

	var status struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &status); err == nil && status.Status == "up_to_date" {
		return &SyncResult{UpToDate: true}, nil
	}

	bundle, err := policy.ParseBundle(raw)
	if err != nil {
		return nil, fmt.Errorf("parse policy sync response: %w", err)
	}
	return &SyncResult{Bundle: bundle}, nil
}

func (c *httpClient) SendEvent(ctx context.Context, ev events.Event) error {
	return c.do(ctx, http.MethodPost, "/events", ev, nil)
}

func (c *httpClient) Unregister(ctx context.Context, agentID string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/agents/%s/unregister", agentID), nil, nil)
}

// do performs a single request through the shared retrier (spec
// §7(a): "transport errors are retried silently across periodic
// loops; no backoff escalation").
func (c *httpClient) do(ctx context.Context, method, path string, body any, out any) error {
	return c.retrier.Do(func() error {
		return c.doOnce(ctx, method, path, body, out)
	}, retry.IsRetryableHTTP)
}

func (c *httpClient) doOnce(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if !retry.IsRetryableStatus(resp) && resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if resp.StatusCode >= 400 {
		return retry.StatusError{Status: resp.StatusCode}
	}

	if out != nil {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, out)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
