package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"appvol/internal/audio"
)

// Client sends requests to a running daemon. Each call uses its own connection.
type Client struct {
	SocketPath string
	// Timeout bounds one round trip. Zero means 5s.
	Timeout time.Duration
}

// NewClient returns a client for socketPath.
func NewClient(socketPath string) *Client {
	return &Client{SocketPath: socketPath}
}

// Do sends req and returns the response. A status "error" response is returned
// as a *RemoteError.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.SocketPath)
	if err != nil {
		return Response{}, fmt.Errorf("connect to %s: %w", c.SocketPath, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	data, err := MarshalRequest(req)
	if err != nil {
		return Response{}, err
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.Status != StatusOK {
		return resp, &RemoteError{Code: resp.Code, Message: resp.Error}
	}
	return resp, nil
}

// State fetches the current audio view.
func (c *Client) State(ctx context.Context) (audio.View, error) {
	resp, err := c.Do(ctx, GetState{})
	if err != nil {
		return audio.View{}, err
	}
	if resp.State == nil {
		return audio.View{}, errors.New("get_state: response carries no state")
	}
	return *resp.State, nil
}

// Status fetches daemon health.
func (c *Client) Status(ctx context.Context) (DaemonStatus, error) {
	resp, err := c.Do(ctx, GetStatus{})
	if err != nil {
		return DaemonStatus{}, err
	}
	if resp.Daemon == nil {
		return DaemonStatus{}, nil
	}
	return *resp.Daemon, nil
}

// SetVolume sets target's volume and returns the resulting view.
func (c *Client) SetVolume(ctx context.Context, target audio.Target, v float64) (audio.View, error) {
	var req Request = SetSystemVolume{Volume: v}
	if !target.System {
		req = SetStreamVolume{ID: target.ID, Volume: v}
	}
	return c.stateOf(c.Do(ctx, req))
}

// SetMute sets target's mute flag and returns the resulting view.
func (c *Client) SetMute(ctx context.Context, target audio.Target, muted bool) (audio.View, error) {
	var req Request = SetSystemMute{Muted: muted}
	if !target.System {
		req = SetStreamMute{ID: target.ID, Muted: muted}
	}
	return c.stateOf(c.Do(ctx, req))
}

func (c *Client) stateOf(resp Response, err error) (audio.View, error) {
	if err != nil {
		return audio.View{}, err
	}
	if resp.State == nil {
		return audio.View{}, nil
	}
	return *resp.State, nil
}
