package chat

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// StatusError is returned when the completion endpoint answers with a
// non-success status. Message is the body's error field or "Error <status>".
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string { return e.Message }

// Streamer opens a streamed completion for the given history.
type Streamer interface {
	Stream(ctx context.Context, history []Turn) (io.ReadCloser, error)
}

// Client posts conversations to a streaming completion endpoint.
type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a client for url. A zero timeout leaves requests bounded
// only by their context.
func NewClient(url, apiKey string, timeout time.Duration) *Client {
	return &Client{
		url:        url,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type streamRequest struct {
	Messages []Turn `json:"messages"`
}

// Stream sends the history and returns the response body on a 2xx status.
// The caller must close it.
func (c *Client) Stream(ctx context.Context, history []Turn) (io.ReadCloser, error) {
	body, err := sonic.Marshal(streamRequest{Messages: history})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp.Body, nil
}

func statusError(resp *http.Response) *StatusError {
	e := &StatusError{Status: resp.StatusCode, Message: fmt.Sprintf("Error %d", resp.StatusCode)}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil || len(data) == 0 {
		return e
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := sonic.Unmarshal(data, &payload); err == nil && strings.TrimSpace(payload.Error) != "" {
		e.Message = payload.Error
	}
	return e
}
