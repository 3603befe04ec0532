// Package planeclient is the controller HTTP client the plane CLI drives.
// It talks the same JSON envelope the websocket collaborators' HTTP-side
// handlers speak in internal/controllerapi, just from the other end.
package planeclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/plane-run/plane/internal/httpserver"
	"github.com/plane-run/plane/pkg/protocol"
	"github.com/plane-run/plane/pkg/types"
)

// Client is a thin wrapper over http.Client scoped to one controller and
// cluster.
type Client struct {
	baseURL string
	cluster types.ClusterName
	http    *http.Client
}

// New constructs a Client. baseURL is the controller's address (e.g.
// "http://localhost:8080"); timeout bounds every non-streaming call.
func New(baseURL string, cluster types.ClusterName, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		cluster: cluster,
		http:    &http.Client{Timeout: timeout},
	}
}

// Status fetches the controller's /status endpoint.
func (c *Client) Status(ctx context.Context) (*protocol.StatusResponse, error) {
	var resp protocol.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Connect calls POST /c/:cluster/connect.
func (c *Client) Connect(ctx context.Context, req types.ConnectRequest) (*types.ConnectResponse, error) {
	var resp types.ConnectResponse
	path := fmt.Sprintf("/c/%s/connect", c.cluster)
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Terminate calls the soft- or hard-terminate endpoint for backend.
func (c *Client) Terminate(ctx context.Context, backend types.BackendName, hard bool) error {
	verb := "soft-terminate"
	if hard {
		verb = "hard-terminate"
	}
	path := fmt.Sprintf("/c/%s/b/%s/%s", c.cluster, backend, verb)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// Drain sets or clears the draining flag on drone.
func (c *Client) Drain(ctx context.Context, drone types.NodeId, cancel bool) error {
	path := fmt.Sprintf("/c/%s/d/%d/drain", c.cluster, drone)
	if cancel {
		path += "?cancel=true"
	}
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// BackendStatus fetches the latest status entry for backend.
func (c *Client) BackendStatus(ctx context.Context, backend types.BackendName) (*types.BackendStatusStreamEntry, error) {
	var entry types.BackendStatusStreamEntry
	path := fmt.Sprintf("/c/%s/b/%s/status", c.cluster, backend)
	if err := c.do(ctx, http.MethodGet, path, nil, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// WaitForTerminal streams /status-stream and calls onEntry for every entry
// until the state is terminal (backing the CLI's `terminate --wait`) or ctx
// is cancelled.
func (c *Client) WaitForTerminal(ctx context.Context, backend types.BackendName, onEntry func(types.BackendStatusStreamEntry)) error {
	path := fmt.Sprintf("/c/%s/b/%s/status-stream", c.cluster, backend)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	// Streaming requests are not bounded by the client's blanket timeout.
	httpClient := &http.Client{}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("opening status stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeApiError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var entry types.BackendStatusStreamEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			return fmt.Errorf("decoding status-stream entry: %w", err)
		}
		onEntry(entry)
		if entry.State.IsTerminal() {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading status stream: %w", err)
	}
	return ctx.Err()
}

// ListDrones calls the supplemented GET /c/:cluster/d admin listing.
func (c *Client) ListDrones(ctx context.Context) ([]types.Node, error) {
	var nodes []types.Node
	path := fmt.Sprintf("/c/%s/d", c.cluster)
	if err := c.do(ctx, http.MethodGet, path, nil, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// ListBackends calls the supplemented, paginated GET /c/:cluster/b admin
// listing.
func (c *Client) ListBackends(ctx context.Context, page, pageSize int) (httpserver.OffsetPage[types.Backend], error) {
	var page_ httpserver.OffsetPage[types.Backend]
	path := fmt.Sprintf("/c/%s/b?page=%d&page_size=%d", c.cluster, page, pageSize)
	if err := c.do(ctx, http.MethodGet, path, nil, &page_); err != nil {
		return httpserver.OffsetPage[types.Backend]{}, err
	}
	return page_, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeApiError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response from %s %s: %w", method, path, err)
	}
	return nil
}

func decodeApiError(resp *http.Response) error {
	var apiErr types.ApiError
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Kind == "" {
		return fmt.Errorf("unexpected status %s", strconv.Itoa(resp.StatusCode))
	}
	return &apiErr
}
