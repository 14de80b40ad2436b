// Package client is a thin HTTP client for the crank agent's control
// socket. It speaks the canonical command envelope; the CLI and TUI layer
// formatting on top.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hostcrank/crank/internal/protocol"
	"github.com/hostcrank/crank/internal/server/control/events"
)

// APIError is a structured error answer from the agent.
type APIError struct {
	Kind    protocol.ErrorKind
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Client talks to one agent over its unix control socket.
type Client struct {
	socketPath string
	httpClient *http.Client
}

// New returns a client for the agent listening on socketPath.
func New(socketPath string) *Client {
	dialer := &net.Dialer{}
	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return dialer.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// Do sends one command envelope and decodes the response envelope. Errors
// reported by the agent come back as *APIError.
func (c *Client) Do(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("client: encode request: %w", err)
	}

	// The host in the URL is a placeholder; the transport dials the socket.
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://crank/api/v1/command", bytes.NewReader(body))
	if err != nil {
		return protocol.Response{}, fmt.Errorf("client: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("client: reach agent at %s: %w", c.socketPath, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("client: read response: %w", err)
	}

	var resp protocol.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return protocol.Response{}, fmt.Errorf("client: decode response: %w", err)
	}
	if resp.Status == protocol.StatusError {
		detail := resp.Error
		if detail == nil {
			return protocol.Response{}, &APIError{Kind: protocol.KindInternal, Message: "agent reported an error without detail"}
		}
		return protocol.Response{}, &APIError{Kind: detail.Kind, Message: detail.Message}
	}
	return resp, nil
}

// Start launches the named guest.
func (c *Client) Start(ctx context.Context, guest string) (protocol.GuestSnapshot, error) {
	return c.guestCommand(ctx, protocol.CommandStart, guest)
}

// Stop initiates a graceful shutdown of the named guest.
func (c *Client) Stop(ctx context.Context, guest string) (protocol.GuestSnapshot, error) {
	return c.guestCommand(ctx, protocol.CommandStop, guest)
}

// Status reports the named guest's runtime state.
func (c *Client) Status(ctx context.Context, guest string) (protocol.GuestSnapshot, error) {
	return c.guestCommand(ctx, protocol.CommandStatus, guest)
}

// List reports every known guest.
func (c *Client) List(ctx context.Context) ([]protocol.GuestSnapshot, error) {
	resp, err := c.Do(ctx, protocol.NewRequest(protocol.CommandList, ""))
	if err != nil {
		return nil, err
	}
	return resp.Guests, nil
}

// Healthy reports whether the agent answers its health endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://crank/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: reach agent at %s: %w", c.socketPath, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("client: agent unhealthy (status %d)", resp.StatusCode)
	}
	return nil
}

func (c *Client) guestCommand(ctx context.Context, cmd protocol.Command, guest string) (protocol.GuestSnapshot, error) {
	resp, err := c.Do(ctx, protocol.NewRequest(cmd, guest))
	if err != nil {
		return protocol.GuestSnapshot{}, err
	}
	if resp.Guest == nil {
		return protocol.GuestSnapshot{}, fmt.Errorf("client: agent response missing guest snapshot")
	}
	return *resp.Guest, nil
}

// WatchEvents subscribes to the agent's lifecycle event stream. Events are
// delivered on the returned channel until ctx is cancelled or the stream
// breaks; the channel is closed either way.
func (c *Client) WatchEvents(ctx context.Context) (<-chan events.GuestEvent, error) {
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", c.socketPath)
		},
	}
	conn, resp, err := dialer.DialContext(ctx, "ws://crank/ws/v1/events", nil)
	if err != nil {
		return nil, fmt.Errorf("client: open event stream: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	out := make(chan events.GuestEvent, 16)
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var ev events.GuestEvent
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()
	return out, nil
}
