// Package ipc is the daemon's control socket: line-delimited JSON requests over a
// Unix domain socket, one response line per request.
//
// Request:  {"type": "set_stream_volume", "data": {"id": "42", "volume": 0.5}}
// Response: {"status": "ok", "state": {...}} or
//
//	{"status": "error", "code": "stale_target", "error": "stream(42): no such stream"}
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"appvol/internal/audio"
	"appvol/internal/poller"
)

// Request is a marker interface for every message a client can send.
type Request interface {
	requestType() string
}

// GetState asks for the current audio view.
type GetState struct{}

// GetStatus asks for daemon health: poller counters and websocket clients.
type GetStatus struct{}

// SetSystemVolume sets the default sink volume, in [0,1].
type SetSystemVolume struct {
	Volume float64 `json:"volume"`
}

// SetStreamVolume sets one stream's volume, in [0,1].
type SetStreamVolume struct {
	ID     audio.StreamID `json:"id"`
	Volume float64        `json:"volume"`
}

// SetSystemMute mutes or unmutes the default sink.
type SetSystemMute struct {
	Muted bool `json:"muted"`
}

// SetStreamMute mutes or unmutes one stream.
type SetStreamMute struct {
	ID    audio.StreamID `json:"id"`
	Muted bool           `json:"muted"`
}

func (GetState) requestType() string        { return "get_state" }
func (GetStatus) requestType() string       { return "get_status" }
func (SetSystemVolume) requestType() string { return "set_system_volume" }
func (SetStreamVolume) requestType() string { return "set_stream_volume" }
func (SetSystemMute) requestType() string   { return "set_system_mute" }
func (SetStreamMute) requestType() string   { return "set_stream_mute" }

// Envelope wraps a request with its type discriminator.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ErrUnknownType is wrapped by UnmarshalRequest for an unrecognised type.
var ErrUnknownType = errors.New("unknown request type")

// MarshalRequest encodes req in its envelope.
func MarshalRequest(req Request) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", req.requestType(), err)
	}
	return json.Marshal(Envelope{Type: req.requestType(), Data: data})
}

// UnmarshalRequest decodes one envelope into a concrete Request.
func UnmarshalRequest(line []byte) (Request, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case "get_state":
		return GetState{}, nil
	case "get_status":
		return GetStatus{}, nil
	case "set_system_volume":
		return decodeData[SetSystemVolume](env)
	case "set_stream_volume":
		r, err := decodeData[SetStreamVolume](env)
		if err == nil && r.ID == "" {
			return nil, errors.New("set_stream_volume: missing id")
		}
		return r, err
	case "set_system_mute":
		return decodeData[SetSystemMute](env)
	case "set_stream_mute":
		r, err := decodeData[SetStreamMute](env)
		if err == nil && r.ID == "" {
			return nil, errors.New("set_stream_mute: missing id")
		}
		return r, err
	case "":
		return nil, errors.New("missing request type")
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func decodeData[T Request](env Envelope) (T, error) {
	var v T
	if len(env.Data) == 0 {
		return v, fmt.Errorf("%s: missing data", env.Type)
	}
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return v, fmt.Errorf("unmarshal %s: %w", env.Type, err)
	}
	return v, nil
}

// Response status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Error codes carried in Response.Code.
const (
	CodeBadRequest  = "bad_request"
	CodeUnknownType = "unknown_type"
	CodeStaleTarget = "stale_target"
	CodeExecFailed  = "exec_failed"
	CodeInternal    = "internal"
)

// DaemonStatus is the get_status payload.
type DaemonStatus struct {
	Version   string       `json:"version"`
	Poll      poller.Stats `json:"poll"`
	WSClients int          `json:"ws_clients"`
}

// Response is sent back for every request line.
type Response struct {
	Status string        `json:"status"`
	Code   string        `json:"code,omitempty"`
	Error  string        `json:"error,omitempty"`
	State  *audio.View   `json:"state,omitempty"`
	Daemon *DaemonStatus `json:"daemon,omitempty"`
}

// RemoteError is a Response with status "error", surfaced by the Client.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return "ipc error: " + e.Message
	}
	return fmt.Sprintf("ipc error (%s): %s", e.Code, e.Message)
}

// DefaultSocketPath is $XDG_RUNTIME_DIR/appvol.sock, or /tmp/appvol-<uid>.sock
// when no runtime directory is set.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "appvol.sock")
	}
	return filepath.Join(os.TempDir(), "appvol-"+strconv.Itoa(unix.Getuid())+".sock")
}
