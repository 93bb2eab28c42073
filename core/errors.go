package core

import (
	"errors"
	"fmt"

	"github.com/samber/oops"
)

// Stable error codes carried by error events and oops errors.
const (
	CodeActionNotFound   = "ACTION_NOT_FOUND"
	CodeActionFailed     = "ACTION_FAILED"
	CodeInvalidParams    = "INVALID_PARAMS"
	CodeNoRoute          = "NO_ROUTE"
	CodeInvalidToken     = "INVALID_TOKEN"
	CodeTokenReplayed    = "TOKEN_REPLAYED"
	CodeApprovalRejected = "APPROVAL_REJECTED"
	CodeStreamClosed     = "STREAM_CLOSED"
	CodeWeakSecret       = "WEAK_SECRET"
	CodeDepthExceeded    = "DISPATCH_DEPTH_EXCEEDED"
	CodeHookFailed       = "HOOK_FAILED"
	CodeInvalidEvent     = "INVALID_EVENT"
	CodeRunNotFound      = "RUN_NOT_FOUND"
	CodeRunActive        = "RUN_ACTIVE"
)

var (
	// ErrStreamClosed is returned by RunContext.Emit once the consumer stopped
	// pulling events. Actions must return promptly when they see it.
	ErrStreamClosed = errors.New("event stream closed by consumer")

	// ErrActionNotFound is returned when an action name is not registered.
	ErrActionNotFound = errors.New("action not found")
)

// streamClosed wraps ErrStreamClosed with its error code.
func streamClosed() error {
	return oops.In("core").Code(CodeStreamClosed).Wrap(ErrStreamClosed)
}

// Suspension is the error value that deliberately halts a run. It is not a
// fault: the engine emits Event as the terminal event of the run.
type Suspension struct {
	Event Event
}

// Error implements error.
func (s *Suspension) Error() string {
	return fmt.Sprintf("run suspended (%s)", s.Event.Type)
}

// AsSuspension unwraps err into a *Suspension when one is present.
func AsSuspension(err error) (*Suspension, bool) {
	var s *Suspension
	if errors.As(err, &s) {
		return s, true
	}
	return nil, false
}

// ErrorCode returns the oops code attached to err, or fallback when err
// carries none.
func ErrorCode(err error, fallback string) string {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return fallback
	}
	if code := fmt.Sprint(oopsErr.Code()); code != "" && code != "<nil>" {
		return code
	}
	return fallback
}

// ErrorMessage returns the most specific human readable message of err.
func ErrorMessage(err error) string {
	if oopsErr, ok := oops.AsOops(err); ok {
		return oopsErr.Error()
	}
	return err.Error()
}
