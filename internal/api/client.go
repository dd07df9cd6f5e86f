package api

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

	"duocall/native/internal/domain"
)

// Client resolves and registers participants against the relay directory.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a directory client for the relay at baseURL
// (e.g., http://localhost:8080).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) endpoint(identity string) string {
	return c.baseURL + "/directory/" + url.PathEscape(identity)
}

// Resolve looks up the inbox of identity.
func (c *Client) Resolve(ctx context.Context, identity string) (domain.Route, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(identity), nil)
	if err != nil {
		return domain.Route{}, fmt.Errorf("create http request: %w", err)
	}

	var route domain.Route
	if err := c.do(httpReq, &route); err != nil {
		return domain.Route{}, err
	}
	return route, nil
}

// Register publishes where invites for route.Identity must be delivered.
func (c *Client) Register(ctx context.Context, route domain.Route) error {
	body, err := json.Marshal(route)
	if err != nil {
		return fmt.Errorf("marshal route: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, c.endpoint(route.Identity), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	return c.do(httpReq, nil)
}

func (c *Client) do(httpReq *http.Request, out any) error {
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.ErrUnknownParticipant
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
