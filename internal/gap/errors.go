package gap

import (
	"errors"
	"fmt"
	"strings"
)

// ErrStartup indicates the engine process could not be spawned or initialized.
// Fatal to the session; callers must not retry without operator intervention.
var ErrStartup = errors.New("gap engine startup failed")

// ErrChannelBroken indicates the command channel is desynchronized: a pipe
// write failed, a stream hit EOF mid-protocol, or the execute deadline
// expired. Recoverable via one supervised Restart followed by at most one
// retry of the original command.
var ErrChannelBroken = errors.New("gap command channel broken")

// EngineError reports a runtime error the engine emitted for one command.
// The session remains usable; the error is surfaced verbatim and never
// retried.
type EngineError struct {
	Message string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("GAP Error: %s", e.Message)
}

// Is enables errors.Is checks against the EngineError class.
func (e *EngineError) Is(target error) bool {
	_, ok := target.(*EngineError)
	return ok
}

// RejectedError reports a command refused before any engine interaction.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return e.Reason
}

// Is enables errors.Is checks against the RejectedError class.
func (e *RejectedError) Is(target error) bool {
	_, ok := target.(*RejectedError)
	return ok
}

// IllegalTransitionError is returned for a disallowed lifecycle transition.
type IllegalTransitionError struct {
	SessionID string
	FromState State
	ToState   State
	Reason    string
}

func (e *IllegalTransitionError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "illegal transition for session lifecycle"
	}
	return fmt.Sprintf(
		"cannot transition session %q from %q to %q: %s",
		e.SessionID,
		e.FromState,
		e.ToState,
		reason,
	)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}
