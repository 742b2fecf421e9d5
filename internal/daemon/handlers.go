package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/npratt/foundry/internal/buildrun"
)

// handleRequest dispatches the request to the appropriate handler.
func (d *Daemon) handleRequest(ctx context.Context, req *Request) Response {
	if d.runs == nil && req.Method != MethodStop {
		return Response{Error: "no run service available", Code: CodeInternal}
	}

	switch req.Method {
	case MethodCreateRun:
		return d.handleCreateRun(req)
	case MethodStartRun:
		return d.handleStartRun(req)
	case MethodCancelRun:
		return d.handleCancelRun(req)
	case MethodGetRun:
		return d.handleGetRun(req)
	case MethodListRuns:
		return Response{Result: d.runs.ListRuns()}
	case MethodMoveTicket:
		return d.handleMoveTicket(req)
	case MethodStatus:
		return d.handleStatus()
	case MethodStop:
		return d.handleStop(req)
	default:
		return Response{Error: fmt.Sprintf("unknown method: %s", req.Method), Code: CodeUnknownMethod}
	}
}

// decodeParams unmarshals request params into v. Missing params leave v
// at its zero value.
func decodeParams(req *Request, v any) error {
	if len(req.Params) == 0 || string(req.Params) == "null" {
		return nil
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return fmt.Errorf("%w: decode %s params: %v", buildrun.ErrInvalidInput, req.Method, err)
	}
	return nil
}

// errorResponse converts a service error into a response with its code.
func errorResponse(err error) Response {
	return Response{Error: err.Error(), Code: codeFor(err)}
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, buildrun.ErrInvalidInput):
		return CodeInvalidInput
	case errors.Is(err, buildrun.ErrRunNotFound):
		return CodeNotFound
	case errors.Is(err, buildrun.ErrSandboxBusy):
		return CodeSandboxBusy
	case errors.Is(err, buildrun.ErrProviderUnavailable):
		return CodeProviderUnavailable
	case errors.Is(err, buildrun.ErrConfirmationRequired):
		return CodeConfirmationRequired
	case errors.Is(err, buildrun.ErrIllegalMove):
		return CodeIllegalMove
	case errors.Is(err, buildrun.ErrTicketInFlight):
		return CodeTicketInFlight
	default:
		return CodeInternal
	}
}

func (d *Daemon) lifetime() context.Context {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.runCtx
}

func (d *Daemon) handleCreateRun(req *Request) Response {
	var params CreateRunParams
	if err := decodeParams(req, &params); err != nil {
		return errorResponse(err)
	}

	run, err := d.runs.CreateRun(params.Input, params.BaseURL)
	if err != nil {
		return errorResponse(err)
	}
	d.logger.Info("run created over rpc", "run_id", run.ID, "start", params.Start)

	if params.Start {
		if err := d.runs.Start(d.lifetime(), run.ID); err != nil {
			return errorResponse(err)
		}
		started, err := d.runs.GetRun(run.ID)
		if err != nil {
			return errorResponse(err)
		}
		return Response{Result: started}
	}
	return Response{Result: run}
}

func (d *Daemon) runParams(req *Request) (string, error) {
	var params RunParams
	if err := decodeParams(req, &params); err != nil {
		return "", err
	}
	if params.RunID == "" {
		return "", fmt.Errorf("%w: run_id is required", buildrun.ErrInvalidInput)
	}
	return params.RunID, nil
}

func (d *Daemon) handleStartRun(req *Request) Response {
	runID, err := d.runParams(req)
	if err != nil {
		return errorResponse(err)
	}
	if err := d.runs.Start(d.lifetime(), runID); err != nil {
		return errorResponse(err)
	}
	return Response{Result: "started"}
}

func (d *Daemon) handleCancelRun(req *Request) Response {
	runID, err := d.runParams(req)
	if err != nil {
		return errorResponse(err)
	}
	if err := d.runs.Cancel(runID); err != nil {
		return errorResponse(err)
	}
	return Response{Result: "cancelling"}
}

func (d *Daemon) handleGetRun(req *Request) Response {
	runID, err := d.runParams(req)
	if err != nil {
		return errorResponse(err)
	}
	run, err := d.runs.GetRun(runID)
	if err != nil {
		return errorResponse(err)
	}
	return Response{Result: run}
}

// handleMoveTicket returns the move result even when the move is refused,
// so clients can show why and whether confirmation would help.
func (d *Daemon) handleMoveTicket(req *Request) Response {
	var params MoveTicketParams
	if err := decodeParams(req, &params); err != nil {
		return errorResponse(err)
	}
	if params.RunID == "" || params.TicketID == "" || params.To == "" {
		return errorResponse(fmt.Errorf("%w: run_id, ticket_id and to are required", buildrun.ErrInvalidInput))
	}

	res, err := d.runs.MoveTicket(params.RunID, params.TicketID, params.To, params.Confirmed)
	if err != nil {
		resp := errorResponse(err)
		resp.Result = res
		return resp
	}
	return Response{Result: res}
}

// handleStatus returns the current daemon status.
func (d *Daemon) handleStatus() Response {
	d.mu.RLock()
	startTime := d.startTime
	d.mu.RUnlock()

	stats := StatusStats{}
	for _, r := range d.runs.ListRuns() {
		stats.Total++
		switch r.Status {
		case buildrun.StatusPending:
			stats.Pending++
		case buildrun.StatusRunning:
			stats.Running++
		case buildrun.StatusCompleted:
			stats.Completed++
		case buildrun.StatusFailed:
			stats.Failed++
		case buildrun.StatusCancelled:
			stats.Cancelled++
		}
	}

	status := "idle"
	if stats.Running > 0 {
		status = "running"
	}

	return Response{
		Result: StatusResponse{
			Status:    status,
			Uptime:    time.Since(startTime).Truncate(time.Second).String(),
			StartTime: startTime.Format(time.RFC3339),
			Stats:     stats,
		},
	}
}

// handleStop schedules daemon shutdown. With force, unfinished runs are
// cancelled first.
func (d *Daemon) handleStop(req *Request) Response {
	var params StopParams
	if err := decodeParams(req, &params); err != nil {
		return errorResponse(err)
	}

	if params.Force && d.runs != nil {
		d.runs.CancelAll()
	}

	// Stop drains in-flight requests, so this response is still written.
	go func() { _ = d.Stop() }()

	return Response{Result: "stopping"}
}
