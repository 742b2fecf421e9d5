package daemon

import (
	"encoding/json"

	"github.com/npratt/foundry/internal/buildrun"
	"github.com/npratt/foundry/internal/ticket"
)

// RPC method names.
const (
	MethodCreateRun  = "create_run"
	MethodStartRun   = "start_run"
	MethodCancelRun  = "cancel_run"
	MethodGetRun     = "get_run"
	MethodListRuns   = "list_runs"
	MethodMoveTicket = "move_ticket"
	MethodStatus     = "status"
	MethodStop       = "stop"
)

// Request represents a JSON-RPC request from a client.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	ID     int             `json:"id,omitempty"`
}

// Response represents a JSON-RPC response to a client. Code names the
// failure class so clients can map it back to a sentinel error.
type Response struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	Code   string `json:"code,omitempty"`
	ID     int    `json:"id,omitempty"`
}

// Error codes carried in Response.Code.
const (
	CodeInvalidInput         = "invalid_input"
	CodeNotFound             = "not_found"
	CodeSandboxBusy          = "sandbox_busy"
	CodeProviderUnavailable  = "provider_unavailable"
	CodeIllegalMove          = "illegal_move"
	CodeConfirmationRequired = "confirmation_required"
	CodeTicketInFlight       = "ticket_in_flight"
	CodeUnknownMethod        = "unknown_method"
	CodeInternal             = "internal"
)

// CreateRunParams contains parameters for the create_run method. Start
// launches the run immediately after it is created.
type CreateRunParams struct {
	Input   buildrun.Input `json:"input"`
	BaseURL string         `json:"base_url,omitempty"`
	Start   bool           `json:"start,omitempty"`
}

// RunParams identifies a run for start_run, cancel_run and get_run.
type RunParams struct {
	RunID string `json:"run_id"`
}

// MoveTicketParams contains parameters for the move_ticket method.
type MoveTicketParams struct {
	RunID     string        `json:"run_id"`
	TicketID  string        `json:"ticket_id"`
	To        ticket.Status `json:"to"`
	Confirmed bool          `json:"confirmed,omitempty"`
}

// StatusResponse contains daemon status information.
type StatusResponse struct {
	Status    string      `json:"status"`
	Uptime    string      `json:"uptime"`
	StartTime string      `json:"start_time"`
	Stats     StatusStats `json:"stats"`
}

// StatusStats counts runs by status.
type StatusStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// StopParams contains parameters for the stop method. Force cancels every
// run that has not finished before the daemon exits.
type StopParams struct {
	Force bool `json:"force,omitempty"`
}
