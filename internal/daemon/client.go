package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/npratt/foundry/internal/buildrun"
	"github.com/npratt/foundry/internal/ticket"
)

const (
	// DefaultClientTimeout is the default timeout for client operations.
	DefaultClientTimeout = 5 * time.Second
)

// ErrNotRunning is returned when no daemon listens on the socket.
var ErrNotRunning = errors.New("daemon not running")

// Client connects to the daemon via Unix socket.
type Client struct {
	sockPath string
	timeout  time.Duration
}

// NewClient creates a new daemon client.
func NewClient(sockPath string) *Client {
	return &Client{
		sockPath: sockPath,
		timeout:  DefaultClientTimeout,
	}
}

// SetTimeout sets the timeout for client operations.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// call sends a JSON-RPC request to the daemon and returns the response.
// A response carrying an error is returned alongside it.
func (c *Client) call(method string, params any) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.sockPath, c.timeout)
	if err != nil {
		return nil, c.wrapConnError(err)
	}
	defer func() { _ = conn.Close() }()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	req := Request{Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		req.Params = raw
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, errors.New("daemon request timed out")
		}
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.Error != "" {
		return &resp, remoteError(resp)
	}

	return &resp, nil
}

// remoteError rebuilds a sentinel-wrapped error from a response code.
func remoteError(resp Response) error {
	var sentinel error
	switch resp.Code {
	case CodeInvalidInput:
		sentinel = buildrun.ErrInvalidInput
	case CodeNotFound:
		sentinel = buildrun.ErrRunNotFound
	case CodeSandboxBusy:
		sentinel = buildrun.ErrSandboxBusy
	case CodeProviderUnavailable:
		sentinel = buildrun.ErrProviderUnavailable
	case CodeIllegalMove:
		sentinel = buildrun.ErrIllegalMove
	case CodeConfirmationRequired:
		sentinel = buildrun.ErrConfirmationRequired
	case CodeTicketInFlight:
		sentinel = buildrun.ErrTicketInFlight
	}
	if sentinel == nil {
		return fmt.Errorf("daemon error: %s", resp.Error)
	}
	return &RemoteError{Message: resp.Error, Code: resp.Code, sentinel: sentinel}
}

// RemoteError is a daemon-side failure that matches its buildrun sentinel
// with errors.Is.
type RemoteError struct {
	Message  string
	Code     string
	sentinel error
}

func (e *RemoteError) Error() string { return "daemon error: " + e.Message }

func (e *RemoteError) Unwrap() error { return e.sentinel }

// wrapConnError converts connection errors to user-friendly messages.
func (c *Client) wrapConnError(err error) error {
	var sysErr syscall.Errno
	if errors.As(err, &sysErr) {
		switch sysErr {
		case syscall.ENOENT:
			return fmt.Errorf("%w (socket not found)", ErrNotRunning)
		case syscall.ECONNREFUSED:
			return fmt.Errorf("%w (connection refused)", ErrNotRunning)
		}
	}

	if os.IsNotExist(err) {
		return fmt.Errorf("%w (socket not found)", ErrNotRunning)
	}

	if errors.Is(err, os.ErrDeadlineExceeded) {
		return errors.New("daemon request timed out")
	}

	return fmt.Errorf("connect to daemon: %w", err)
}

// decodeResult re-marshals the generic result into out.
func decodeResult(resp *Response, out any) error {
	data, err := json.Marshal(resp.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal result: %w", err)
	}
	return nil
}

// Status returns the current daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	resp, err := c.call(MethodStatus, nil)
	if err != nil {
		return nil, err
	}
	var status StatusResponse
	if err := decodeResult(resp, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// CreateRun creates a run, starting it when start is true.
func (c *Client) CreateRun(in buildrun.Input, baseURL string, start bool) (*buildrun.Run, error) {
	resp, err := c.call(MethodCreateRun, CreateRunParams{Input: in, BaseURL: baseURL, Start: start})
	if err != nil {
		return nil, err
	}
	var run buildrun.Run
	if err := decodeResult(resp, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// StartRun starts a pending run.
func (c *Client) StartRun(runID string) error {
	_, err := c.call(MethodStartRun, RunParams{RunID: runID})
	return err
}

// CancelRun asks a run to stop.
func (c *Client) CancelRun(runID string) error {
	_, err := c.call(MethodCancelRun, RunParams{RunID: runID})
	return err
}

// GetRun returns a snapshot of one run.
func (c *Client) GetRun(runID string) (*buildrun.Run, error) {
	resp, err := c.call(MethodGetRun, RunParams{RunID: runID})
	if err != nil {
		return nil, err
	}
	var run buildrun.Run
	if err := decodeResult(resp, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns every run the daemon knows, oldest first.
func (c *Client) ListRuns() ([]buildrun.Run, error) {
	resp, err := c.call(MethodListRuns, nil)
	if err != nil {
		return nil, err
	}
	var runs []buildrun.Run
	if err := decodeResult(resp, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// MoveTicket moves a ticket on a run's board. The move result is returned
// with refusals too, so callers can see whether confirmation would help.
func (c *Client) MoveTicket(params MoveTicketParams) (*ticket.MoveResult, error) {
	resp, callErr := c.call(MethodMoveTicket, params)
	if resp == nil {
		return nil, callErr
	}
	var res ticket.MoveResult
	if resp.Result != nil {
		if err := decodeResult(resp, &res); err != nil {
			return nil, err
		}
	}
	return &res, callErr
}

// Stop requests the daemon to stop. If force is true, unfinished runs are
// cancelled first.
func (c *Client) Stop(force bool) error {
	_, err := c.call(MethodStop, StopParams{Force: force})
	return err
}

// IsRunning checks if the daemon is running by attempting to connect.
func (c *Client) IsRunning() bool {
	conn, err := net.DialTimeout("unix", c.sockPath, time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
