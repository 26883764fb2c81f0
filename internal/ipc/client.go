package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Client sends commands to a running daemon over its unix socket.
type Client struct {
	http *http.Client
}

// NewClient dials the socket at socketPath for every request.
func NewClient(socketPath string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// Do sends one command and returns the daemon's response.
func (c *Client) Do(ctx context.Context, command string, args map[string]interface{}) (Response, error) {
	body, err := json.Marshal(Request{Command: command, Args: args})
	if err != nil {
		return Response{}, fmt.Errorf("failed to encode request: %w", err)
	}

	// host is ignored for unix sockets but required by net/http
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://acme"+CommandPath, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("daemon unreachable: %w", err)
	}
	defer httpResp.Body.Close()

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("malformed daemon response: %w", err)
	}
	return resp, nil
}
