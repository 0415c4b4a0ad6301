package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/user/paywire/internal/orchestrator"
	"github.com/user/paywire/internal/types"
)

// Client is a typed client for the API server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error (status %d): %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Code)
}

// Health fetches the server health summary.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// RegisterAgent registers or replaces an agent and returns its id.
func (c *Client) RegisterAgent(ctx context.Context, req RegisterRequest) (types.AgentID, error) {
	var out struct {
		ID types.AgentID `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/register-agent", req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// Heartbeat refreshes an agent's liveness.
func (c *Client) Heartbeat(ctx context.Context, id types.AgentID) error {
	return c.do(ctx, http.MethodPost, "/api/heartbeat", HeartbeatRequest{AgentID: id}, nil)
}

// Agents lists registered agents.
func (c *Client) Agents(ctx context.Context) ([]types.AgentRecord, error) {
	var out []types.AgentRecord
	err := c.do(ctx, http.MethodGet, "/api/agents", nil, &out)
	return out, err
}

// Conversation returns the conversation log.
func (c *Client) Conversation(ctx context.Context) ([]types.Entry, error) {
	var out []types.Entry
	err := c.do(ctx, http.MethodGet, "/api/conversation", nil, &out)
	return out, err
}

// ClearConversation empties the conversation log.
func (c *Client) ClearConversation(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/conversation", nil, nil)
}

// StartDemo launches a purchase attempt and returns its id.
func (c *Client) StartDemo(ctx context.Context, req StartRequest) (types.AttemptID, error) {
	var out okBody
	if err := c.do(ctx, http.MethodPost, "/api/start-demo", req, &out); err != nil {
		return "", err
	}
	return out.AttemptID, nil
}

// Cancel aborts the in-flight attempt and reports whether there was one.
func (c *Client) Cancel(ctx context.Context) (bool, error) {
	var out struct {
		Cancelled bool `json:"cancelled"`
	}
	err := c.do(ctx, http.MethodPost, "/api/cancel", nil, &out)
	return out.Cancelled, err
}

// Attempt returns the current or most recent attempt.
func (c *Client) Attempt(ctx context.Context) (orchestrator.Snapshot, error) {
	var out orchestrator.Snapshot
	err := c.do(ctx, http.MethodGet, "/api/attempt", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &eb) != nil || eb.Error == "" {
			eb.Error = strings.TrimSpace(string(raw))
		}
		return &StatusError{StatusCode: resp.StatusCode, Code: eb.Error, Message: eb.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}
