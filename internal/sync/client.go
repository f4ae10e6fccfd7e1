package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/tonimelisma/todosync/internal/api"
)

// defaultHTTPTimeout bounds every API call. A timed-out call aborts the
// cycle; the next scheduled cycle retries.
const defaultHTTPTimeout = 30 * time.Second

// ErrUnauthorized means the server rejected the bearer token. Fatal for the
// device until the operator fixes the configuration.
var ErrUnauthorized = errors.New("sync: server rejected bearer token")

// APIError is a non-2xx response from the coordination server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("sync: server returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}

	return fmt.Sprintf("sync: server returned %d: %s", e.StatusCode, e.Message)
}

// Transport is the slice of the coordination API the engine consumes.
// Defined at the consumer so tests can substitute a fake server.
type Transport interface {
	State(ctx context.Context) (api.State, error)
	Delta(ctx context.Context, since string) (api.DeltaResponse, error)
	Push(ctx context.Context, req api.PushRequest) (api.PushResponse, error)
}

// Client talks to the coordination server. It deliberately does not retry:
// all cycle state persists only at cycle end, so the next scheduled cycle
// is the retry.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Client for the server at baseURL authenticating with
// the given bearer token.
func NewClient(baseURL, token string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Health probes the unauthenticated health endpoint.
func (c *Client) Health(ctx context.Context) error {
	var resp struct {
		Status string `json:"status"`
	}

	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return err
	}

	if resp.Status != "ok" {
		return fmt.Errorf("sync: server health is %q", resp.Status)
	}

	return nil
}

// State fetches the full authoritative state (bootstrap path).
func (c *Client) State(ctx context.Context) (api.State, error) {
	var state api.State
	if err := c.do(ctx, http.MethodGet, "/state", nil, &state); err != nil {
		return api.State{}, err
	}

	return state, nil
}

// Delta fetches the incremental change feed since the given cursor.
func (c *Client) Delta(ctx context.Context, since string) (api.DeltaResponse, error) {
	path := "/delta?since=" + url.QueryEscape(since)

	var delta api.DeltaResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &delta); err != nil {
		return api.DeltaResponse{}, err
	}

	return delta, nil
}

// Push submits a batch of mutations and returns the merged outcome.
func (c *Client) Push(ctx context.Context, req api.PushRequest) (api.PushResponse, error) {
	var resp api.PushResponse
	if err := c.do(ctx, http.MethodPost, "/push", req, &resp); err != nil {
		return api.PushResponse{}, err
	}

	return resp, nil
}

// Reset wipes the server store. Destructive; exposed for test fixtures and
// the operator CLI.
func (c *Client) Reset(ctx context.Context) (int, error) {
	var resp struct {
		Success bool `json:"success"`
		Deleted struct {
			Todos int `json:"todos"`
		} `json:"deleted"`
	}

	if err := c.do(ctx, http.MethodDelete, "/reset", nil, &resp); err != nil {
		return 0, err
	}

	return resp.Deleted.Todos, nil
}

// do executes a single request and decodes the JSON response into out.
// 401 maps to ErrUnauthorized; other non-2xx statuses become an APIError.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("sync: encoding request body: %w", err)
		}

		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("sync: creating request: %w", err)
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sync: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		var apiErr api.ErrorResponse

		data, readErr := io.ReadAll(resp.Body)
		if readErr == nil {
			_ = json.Unmarshal(data, &apiErr)
		}

		msg := apiErr.Error
		if msg == "" {
			msg = string(data)
		}

		c.logger.Warn("api request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
		)

		return &APIError{
			StatusCode: resp.StatusCode,
			Code:       apiErr.Code,
			Message:    msg,
		}
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("sync: decoding %s %s response: %w", method, path, err)
	}

	return nil
}
