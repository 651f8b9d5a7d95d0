package main

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

	"github.com/phpack/phpack/internal/fault"
)

// apiClient talks to a running "phpack api" process, which owns the
// preview servers started through it
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(addr string) *apiClient {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &apiClient{
		base: strings.TrimRight(base, "/") + "/api/v1",
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

type apiError struct {
	Kind    fault.Kind `json:"kind"`
	Message string     `json:"message"`
	Output  string     `json:"output"`
}

// do sends body as JSON and decodes the response into out when non-nil.
// Error responses are turned back into faults of the same kind.
func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fault.Wrapf(fault.KindNotRunning, "cli.api", err, "phpack api is not reachable at %s (start it with \"phpack api\")", c.base)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var e apiError
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Kind == "" {
			return fault.New(fault.KindInternal, "cli.api", "%s %s: %s", method, path, resp.Status)
		}
		// the message already carries the server side op
		return fault.New(e.Kind, "", "%s", e.Message).WithOutput(e.Output)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
