// Package azureagent talks to the Azure AI Agents service: an authenticated
// JSON client plus the turn orchestrator that drives the
// thread/message/run/poll protocol for one chat turn.
package azureagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const apiVersion = "2025-05-01"

const (
	defaultPollInterval    = time.Second
	defaultMaxPollAttempts = 30
)

// TokenSource supplies the bearer presented on every upstream request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Config controls the upstream client.
type Config struct {
	// Endpoint is the agent service base URL (AZURE_AI_ENDPOINT).
	Endpoint string
	// AgentID is the configured assistant id (AZURE_AI_AGENT_ID).
	AgentID string
	// TokenSource supplies bearer tokens; required.
	TokenSource TokenSource
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
	// PollInterval defaults to 1s.
	PollInterval time.Duration
	// MaxPollAttempts defaults to 30.
	MaxPollAttempts int
	Logger          *slog.Logger
}

// Client performs authenticated JSON requests against the agent service.
type Client struct {
	endpoint        string
	agentID         string
	tokens          TokenSource
	httpClient      *http.Client
	pollInterval    time.Duration
	maxPollAttempts int
	logger          *slog.Logger
}

// New validates the config and builds a client.
func New(cfg Config) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("azureagent: endpoint is required")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("azureagent: invalid endpoint %q: %w", endpoint, err)
	}
	agentID := strings.TrimSpace(cfg.AgentID)
	if agentID == "" {
		return nil, fmt.Errorf("azureagent: agent id is required")
	}
	if cfg.TokenSource == nil {
		return nil, fmt.Errorf("azureagent: token source is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	maxPollAttempts := cfg.MaxPollAttempts
	if maxPollAttempts <= 0 {
		maxPollAttempts = defaultMaxPollAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}

	return &Client{
		endpoint:        strings.TrimRight(endpoint, "/"),
		agentID:         agentID,
		tokens:          cfg.TokenSource,
		httpClient:      httpClient,
		pollInterval:    pollInterval,
		maxPollAttempts: maxPollAttempts,
		logger:          logger,
	}, nil
}

// call performs one authenticated request. The api-version query parameter is
// appended with ? unless the path already carries a query string. A non-2xx
// status or transport failure yields an *UpstreamError; 2xx bodies are decoded
// into out when out is non-nil.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	target := c.endpoint + path + separator + "api-version=" + apiVersion

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("azureagent: encode request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return fmt.Errorf("azureagent: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("upstream.call", "method", method, "url", target)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &UpstreamError{cause: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &UpstreamError{cause: err}
	}

	c.logger.Debug("upstream.response", "method", method, "path", path, "statusCode", resp.StatusCode)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &UpstreamError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("azureagent: decode %s %s response: %w", method, path, err)
	}
	return nil
}
