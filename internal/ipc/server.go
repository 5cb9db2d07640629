package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"appvol/internal/audio"
	"appvol/internal/commander"
)

// Controller is the write side the server drives. *commander.Commander implements it.
type Controller interface {
	SetSystemVolume(ctx context.Context, v float64) error
	SetStreamVolume(ctx context.Context, id audio.StreamID, v float64) error
	SetSystemMute(ctx context.Context, muted bool) error
	SetStreamMute(ctx context.Context, id audio.StreamID, muted bool) error
}

// StateSource is the read side. *audio.Store implements it.
type StateSource interface {
	View() audio.View
}

// Server serves the control socket.
type Server struct {
	SocketPath string
	State      StateSource
	Control    Controller
	// Status fills get_status responses. Optional.
	Status func() DaemonStatus
	Logger *slog.Logger
}

// Run listens on SocketPath until ctx is canceled. It closes the listener and
// all open connections on shutdown and returns once every handler has exited.
func (s *Server) Run(ctx context.Context) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Remove a stale socket left by a previous run.
	if err := os.RemoveAll(s.SocketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := listenPrivate(s.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.SocketPath, err)
	}
	defer os.Remove(s.SocketPath)
	defer listener.Close()

	logger.Info("IPC listening", "socket", s.SocketPath)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		conns = make(map[net.Conn]struct{})
	)
	defer wg.Wait()

	// Close the listener and live connections on shutdown. This unblocks Accept and Scan.
	stop := context.AfterFunc(ctx, func() {
		_ = listener.Close()
		mu.Lock()
		for c := range conns {
			_ = c.Close()
		}
		mu.Unlock()
	})
	defer stop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("IPC listener closed (shutdown)")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				logger.Debug("IPC listener closed")
				return nil
			}
			logger.Error("IPC accept error", "error", err)
			continue
		}

		mu.Lock()
		if ctx.Err() != nil {
			mu.Unlock()
			_ = conn.Close()
			return nil
		}
		conns[conn] = struct{}{}
		mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				mu.Lock()
				delete(conns, conn)
				mu.Unlock()
			}()
			s.handleConn(ctx, conn, logger)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn, logger *slog.Logger) {
	defer conn.Close()

	logger.Debug("IPC connection", "remote_addr", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		logger.Debug("IPC received", "line", line)

		resp := s.Handle(ctx, []byte(line))
		if err := encoder.Encode(resp); err != nil {
			logger.Error("IPC failed to send response", "error", err)
			return
		}
	}

	logger.Debug("IPC connection closed")
}

// Handle decodes and executes one request line.
func (s *Server) Handle(ctx context.Context, line []byte) Response {
	req, err := UnmarshalRequest(line)
	if err != nil {
		code := CodeBadRequest
		if errors.Is(err, ErrUnknownType) {
			code = CodeUnknownType
		}
		return errorResponse(code, err)
	}

	switch r := req.(type) {
	case GetState:
		return s.okWithState()

	case GetStatus:
		if s.Status == nil {
			return Response{Status: StatusOK}
		}
		st := s.Status()
		return Response{Status: StatusOK, Daemon: &st}

	case SetSystemVolume:
		err = s.Control.SetSystemVolume(ctx, r.Volume)
	case SetStreamVolume:
		err = s.Control.SetStreamVolume(ctx, r.ID, r.Volume)
	case SetSystemMute:
		err = s.Control.SetSystemMute(ctx, r.Muted)
	case SetStreamMute:
		err = s.Control.SetStreamMute(ctx, r.ID, r.Muted)

	default:
		return errorResponse(CodeInternal, fmt.Errorf("unhandled request %T", req))
	}

	if err != nil {
		return errorResponse(commandCode(err), err)
	}
	return s.okWithState()
}

func (s *Server) okWithState() Response {
	v := s.State.View()
	return Response{Status: StatusOK, State: &v}
}

func commandCode(err error) string {
	switch {
	case errors.Is(err, commander.ErrStaleTarget):
		return CodeStaleTarget
	case errors.Is(err, commander.ErrExecFailed):
		return CodeExecFailed
	default:
		return CodeInternal
	}
}

func errorResponse(code string, err error) Response {
	return Response{Status: StatusError, Code: code, Error: err.Error()}
}

// umaskMu serializes the process-wide umask change in listenPrivate.
var umaskMu sync.Mutex

// listenPrivate binds a unix socket that is created with mode 0600, so it is
// never reachable by other users, not even briefly.
func listenPrivate(path string) (net.Listener, error) {
	umaskMu.Lock()
	defer umaskMu.Unlock()

	old := unix.Umask(0o177)
	defer unix.Umask(old)

	return net.Listen("unix", path)
}
