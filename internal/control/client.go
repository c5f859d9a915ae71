package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"syscall"

	"github.com/goccy/go-json"
)

// ErrNotRunning means no daemon is listening on the socket.
var ErrNotRunning = errors.New("daemon not running")

// Client talks to a running daemon over its control socket.
type Client struct {
	http *http.Client
}

// NewClient returns a client for the socket at socketPath. Nothing is dialed
// until the first request.
func NewClient(socketPath string) *Client {
	tr := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &Client{http: &http.Client{Transport: tr}}
}

// Status fetches the daemon status.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var st Status
	if _, err := c.do(ctx, http.MethodGet, "/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Sync asks the daemon for a cycle and waits for it. A cycle that ran and
// failed returns its report along with the error.
func (c *Client) Sync(ctx context.Context) (*SyncReport, error) {
	var rep SyncReport
	code, err := c.do(ctx, http.MethodPost, "/sync", &rep)
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return &rep, fmt.Errorf("sync failed: %s", rep.Error)
	}
	return &rep, nil
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func (c *Client) do(ctx context.Context, method, path string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, "http://setud"+path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
			return 0, ErrNotRunning
		}
		return 0, fmt.Errorf("control request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("read control response: %w", err)
	}
	if resp.StatusCode == http.StatusServiceUnavailable {
		var e errorBody
		_ = json.Unmarshal(body, &e)
		return resp.StatusCode, fmt.Errorf("daemon: %s", e.Error)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return 0, fmt.Errorf("decode control response: %w", err)
	}
	return resp.StatusCode, nil
}
