package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/psantana5/ffbatch/pkg/models"
	"github.com/psantana5/ffbatch/pkg/orchestrator"
)

// Client talks to a running batch's control surface
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for baseURL. tlsConfig may be nil.
func NewClient(baseURL, token string, tlsConfig *tls.Config) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if tlsConfig != nil {
		transport.TLSClientConfig = tlsConfig
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
	}
}

// Status fetches the batch status
func (c *Client) Status(ctx context.Context) (*orchestrator.Status, error) {
	var st orchestrator.Status
	if err := c.do(ctx, http.MethodGet, "/api/v1/status", http.StatusOK, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Credentials fetches the per-credential view
func (c *Client) Credentials(ctx context.Context) ([]models.Credential, error) {
	var creds []models.Credential
	if err := c.do(ctx, http.MethodGet, "/api/v1/credentials", http.StatusOK, &creds); err != nil {
		return nil, err
	}
	return creds, nil
}

// Pause pauses the batch
func (c *Client) Pause(ctx context.Context) (*ActionResponse, error) {
	return c.action(ctx, "pause")
}

// Resume resumes the batch
func (c *Client) Resume(ctx context.Context) (*ActionResponse, error) {
	return c.action(ctx, "resume")
}

// Cancel cancels the batch
func (c *Client) Cancel(ctx context.Context) (*ActionResponse, error) {
	return c.action(ctx, "cancel")
}

// Checkpoint requests a manual checkpoint
func (c *Client) Checkpoint(ctx context.Context) (*models.CheckpointInfo, error) {
	var info models.CheckpointInfo
	if err := c.do(ctx, http.MethodPost, "/api/v1/checkpoint", http.StatusCreated, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) action(ctx context.Context, name string) (*ActionResponse, error) {
	var resp ActionResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/"+name, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, want int, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var e ErrorResponse
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, e.Error)
		}
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
