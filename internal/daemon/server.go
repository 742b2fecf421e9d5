package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

const (
	// maxMessageSize bounds one request. Backlogs travel in create_run, so
	// this is larger than a control message needs.
	maxMessageSize = 8 * 1024 * 1024
	readTimeout    = 30 * time.Second
	// drainTimeout bounds how long Stop waits for in-flight requests.
	drainTimeout      = 5 * time.Second
	socketPermissions = 0600
)

// Start listens on the Unix socket and serves requests until ctx is
// cancelled or a stop request arrives. Runs started over RPC are bound to
// ctx.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return errors.New("daemon already running")
	}
	d.mu.Unlock()

	listener, err := listenUnix(d.sockPath)
	if err != nil {
		return err
	}

	stopped, finished := make(chan struct{}), make(chan struct{})
	d.mu.Lock()
	d.listener = listener
	d.running = true
	d.startTime = time.Now()
	d.runCtx = ctx
	d.stopped = stopped
	d.finished = finished
	d.mu.Unlock()

	d.logger.Info("daemon started", "socket", d.sockPath)
	go d.serve(listener)

	select {
	case <-ctx.Done():
	case <-stopped:
	}
	err = d.Stop()
	// A stop request may be draining in another goroutine.
	<-finished
	return err
}

// listenUnix replaces any socket file left at path and restricts it to
// the owner.
func listenUnix(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(path, socketPermissions); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("set socket permissions: %w", err)
	}
	return listener, nil
}

// Stop closes the listener, waits briefly for in-flight requests, and
// removes the socket. Calling Stop on a stopped daemon is a no-op.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	listener, finished := d.listener, d.finished
	d.listener, d.finished = nil, nil
	if d.stopped != nil {
		close(d.stopped)
		d.stopped = nil
	}
	d.mu.Unlock()

	if listener != nil {
		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			d.logger.Error("error closing listener", "error", err)
		}
	}

	drained := make(chan struct{})
	go func() {
		d.conns.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		d.logger.Warn("requests still in flight at shutdown")
	}

	_ = os.Remove(d.sockPath)
	d.logger.Info("daemon stopped")
	if finished != nil {
		close(finished)
	}
	return nil
}

func (d *Daemon) serve(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !d.Running() {
				return
			}
			d.logger.Error("accept error", "error", err)
			continue
		}

		// Registering under the lock orders every Add before Stop's Wait.
		d.mu.Lock()
		if !d.running {
			d.mu.Unlock()
			_ = conn.Close()
			return
		}
		d.conns.Add(1)
		d.mu.Unlock()

		go func() {
			defer d.conns.Done()
			d.handleConnection(conn)
		}()
	}
}

// handleConnection serves one request per connection.
func (d *Daemon) handleConnection(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		d.logger.Error("set read deadline error", "error", err)
		return
	}
	encoder := json.NewEncoder(conn)

	var req Request
	if err := json.NewDecoder(io.LimitReader(conn, maxMessageSize)).Decode(&req); err != nil {
		_ = encoder.Encode(Response{Error: fmt.Sprintf("decode error: %v", err), Code: CodeInvalidInput})
		return
	}

	start := time.Now()
	resp := d.handleRequest(d.lifetime(), &req)
	resp.ID = req.ID
	d.logger.Debug("rpc",
		"method", req.Method,
		"id", req.ID,
		"code", resp.Code,
		"duration_ms", time.Since(start).Milliseconds())

	if err := encoder.Encode(resp); err != nil {
		d.logger.Warn("write response failed", "method", req.Method, "error", err)
	}
}
