package e2echeck

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// StatusError is returned for a response outside the expected statuses.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// client wraps http.Client with the service base URL and admin token.
type client struct {
	http    *http.Client
	baseURL string
	token   string
}

func newClient(baseURL, token string, timeout time.Duration) *client {
	return &client{
		http:    &http.Client{Timeout: timeout},
		baseURL: baseURL,
		token:   token,
	}
}

// do sends a JSON request and decodes the response into out when its
// status is one of want. It returns the status it got.
func (c *client) do(ctx context.Context, method, path string, in, out any, want ...int) (int, error) {
	var body io.Reader = http.NoBody
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("marshal %s body: %w", path, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read %s: %w", path, err)
	}

	for _, w := range want {
		if resp.StatusCode != w {
			continue
		}
		if out != nil {
			if err := json.Unmarshal(raw, out); err != nil {
				return resp.StatusCode, fmt.Errorf("decode %s: %w", path, err)
			}
		}
		return resp.StatusCode, nil
	}
	return resp.StatusCode, &StatusError{Method: method, Path: path, Status: resp.StatusCode, Body: string(bytes.TrimSpace(raw))}
}
