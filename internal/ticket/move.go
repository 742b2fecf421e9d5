package ticket

import "fmt"

// MoveResult describes whether a board move from one column to another
// is legal.
type MoveResult struct {
	Valid                bool   `json:"valid"`
	IsBackward           bool   `json:"is_backward"`
	RequiresConfirmation bool   `json:"requires_confirmation"`
	Message              string `json:"message,omitempty"`
}

// ValidateMove applies the column rules:
//   - same column is a valid no-op
//   - forward by one column is valid
//   - forward by more than one column is rejected
//   - backward is valid; leaving testing, pr_review or done needs confirmation
//   - failed and skipped are side-exits from any non-terminal column
//   - failed and skipped tickets can only be reopened to backlog
func ValidateMove(from, to Status) MoveResult {
	if !from.Valid() || !to.Valid() {
		return MoveResult{Message: fmt.Sprintf("unknown status: %s -> %s", from, to)}
	}

	if from == to {
		return MoveResult{Valid: true, Message: "no change"}
	}

	if to == StatusFailed || to == StatusSkipped {
		if from.Terminal() {
			return MoveResult{Message: fmt.Sprintf("cannot move a %s ticket to %s", from, to)}
		}
		return MoveResult{Valid: true}
	}

	if from == StatusFailed || from == StatusSkipped {
		if to != StatusBacklog {
			return MoveResult{Message: fmt.Sprintf("%s tickets can only be reopened to %s", from, StatusBacklog)}
		}
		return MoveResult{Valid: true, IsBackward: true}
	}

	fromCol, toCol := from.Column(), to.Column()
	switch {
	case toCol == fromCol+1:
		return MoveResult{Valid: true}
	case toCol > fromCol:
		return MoveResult{Message: fmt.Sprintf("cannot skip columns: %s -> %s", from, to)}
	}

	result := MoveResult{Valid: true, IsBackward: true}
	if revertsWork(from) {
		result.RequiresConfirmation = true
		result.Message = fmt.Sprintf("moving back from %s reverts completed work on this ticket", from)
	}
	return result
}

// revertsWork reports whether leaving s backwards discards verified work.
func revertsWork(s Status) bool {
	return s == StatusTesting || s == StatusPRReview || s == StatusDone
}
