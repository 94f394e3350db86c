package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"
)

// ============================================================================
// IPC Server - Unix Domain Socket Interface
// ============================================================================
// External clients (gyroaim-ctl, scripts, a settings UI) drive the daemon by
// sending JSON actions over a Unix domain socket. Every action goes through
// the daemon loop and the client gets the engine's verdict back.
//
// Protocol: Line-delimited JSON
//   - Client sends: {"type": "action_name", "data": {...}}
//   - Server responds: {"status": "ok"} or {"status": "error", "error": "msg"}
//   - "status" requests get {"status": "ok", "data": <StatusSnapshot>}
// ============================================================================

// IPCResponse represents the response sent back to IPC clients
type IPCResponse struct {
	Status string          `json:"status"`          // "ok" or "error"
	Error  string          `json:"error,omitempty"` // error message if status == "error"
	Data   json.RawMessage `json:"data,omitempty"`
}

var errReplyTimeout = errors.New("daemon did not reply in time")

func ipcError(err error) IPCResponse {
	return IPCResponse{Status: "error", Error: err.Error()}
}

// runIPCServer serves the socket until ctx is canceled.
func runIPCServer(ctx context.Context, socketPath string, events chan<- Event, timeout time.Duration, logger *slog.Logger) error {
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer os.Remove(socketPath)

	// Make socket accessible (consider security implications in production)
	if err := os.Chmod(socketPath, 0666); err != nil {
		listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	if timeout <= 0 {
		timeout = defaultIPCReplyTimeout
	}
	logger.Info("IPC listening", "socket", socketPath)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				logger.Debug("IPC listener closed")
				return nil
			}
			logger.Warn("IPC accept error", "error", err)
			continue
		}
		go handleIPCConnection(ctx, conn, events, timeout, logger)
	}
}

// handleIPCConnection processes a single IPC client connection
func handleIPCConnection(ctx context.Context, conn net.Conn, events chan<- Event, timeout time.Duration, logger *slog.Logger) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		logger.Debug("IPC received", "line", string(line))

		resp := handleIPCLine(ctx, line, events, timeout)
		if err := encoder.Encode(resp); err != nil {
			logger.Warn("IPC failed to send response", "error", err)
			return
		}
	}

	if err := scanner.Err(); err != nil {
		logger.Warn("IPC scanner error", "error", err)
	}
}

// handleIPCLine decodes one request, submits it to the daemon loop and waits
// for the outcome.
func handleIPCLine(ctx context.Context, line []byte, events chan<- Event, timeout time.Duration) IPCResponse {
	action, err := UnmarshalAction(line)
	if err != nil {
		return ipcError(fmt.Errorf("parse action: %w", err))
	}

	var status chan StatusSnapshot
	if _, ok := action.(RequestStatus); ok {
		status = make(chan StatusSnapshot, 1)
		action = RequestStatus{Reply: status}
	}

	reply := make(chan error, 1)
	req := ActionRequest{Action: action, Reply: reply, At: time.Now()}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case events <- req:
	case <-waitCtx.Done():
		return ipcError(errReplyTimeout)
	}

	select {
	case err := <-reply:
		if err != nil {
			return ipcError(err)
		}
	case <-waitCtx.Done():
		return ipcError(errReplyTimeout)
	}

	if status == nil {
		return IPCResponse{Status: "ok"}
	}

	// The snapshot is delivered before the reply, so it is already here.
	select {
	case snap := <-status:
		data, err := json.Marshal(snap)
		if err != nil {
			return ipcError(fmt.Errorf("marshal status: %w", err))
		}
		return IPCResponse{Status: "ok", Data: data}
	default:
		return ipcError(errors.New("status snapshot missing"))
	}
}
