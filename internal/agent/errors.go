package agent

import "fmt"

// TurnError wraps a turn-fatal failure with the iteration it occurred in.
// The loop converts it into a single synthetic error message and terminates
// without raising further.
type TurnError struct {
	Iteration int
	Cause     error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed at iteration %d: %v", e.Iteration, e.Cause)
}

func (e *TurnError) Unwrap() error {
	return e.Cause
}
