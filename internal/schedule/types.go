// Package schedule runs batches of model-proposed tool calls through
// validation, policy consult, human confirmation, and execution. Calls in a
// batch run concurrently up to a slot limit, except calls that touch the
// same resource, which run one at a time in proposal order.
package schedule

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of one call in a batch.
type Status string

const (
	StatusValidating       Status = "validating"
	StatusScheduled        Status = "scheduled"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusExecuting        Status = "executing"
	StatusSuccess          Status = "success"
	StatusError            Status = "error"
	StatusCancelled        Status = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusCancelled
}

// ErrorKind classifies why a call ended in StatusError.
type ErrorKind string

const (
	KindValidation         ErrorKind = "validation"
	KindPolicyDenied       ErrorKind = "policy_denied"
	KindConfirmationDenied ErrorKind = "confirmation_denied"
	KindExecution          ErrorKind = "execution"
	KindInternal           ErrorKind = "internal"
)

// CallError carries the failure classification back to the model so it can
// react differently to a denial than to a tool crash.
type CallError struct {
	Kind    ErrorKind
	Message string
	Rule    string
}

func (e *CallError) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Rule)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ErrBatchCancelled is returned by Dispatch when the batch context was
// cancelled before every call reached a terminal state on its own.
var ErrBatchCancelled = errors.New("batch cancelled")

// Request is one proposed tool call.
type Request struct {
	CallID   string
	ToolName string
	ArgsJSON string
}

// Result is the terminal outcome of one call. Results come back in the same
// order the requests were given, whatever order execution finished in.
type Result struct {
	CallID   string
	ToolName string
	Status   Status
	Output   string
	Err      *CallError
	Duration time.Duration
}

// Event is a status transition, published to observers as it happens.
type Event struct {
	CallID   string
	ToolName string
	Status   Status
	Detail   string
	At       time.Time
}
