// Package fault implements the error taxonomy and the restart, retry,
// and backoff policies applied to agent, communication, and workflow
// failures.
package fault

import (
	"errors"
	"fmt"
)

// AgentError is a local handler failure, recoverable by an in-place
// restart of the agent.
type AgentError struct {
	AgentID string
	Err     error
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent %s: %v", e.AgentID, e.Err)
}

func (e *AgentError) Unwrap() error { return e.Err }

// CommunicationError is a delivery or timeout failure, recoverable by
// retry with backoff; it degrades visibly after the policy exhausts.
type CommunicationError struct {
	Source string
	Target string
	Err    error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("communication %s -> %s: %v", e.Source, e.Target, e.Err)
}

func (e *CommunicationError) Unwrap() error { return e.Err }

// WorkflowError is a step business-logic failure. It is the only
// category allowed to change externally visible instance state.
type WorkflowError struct {
	WorkflowID string
	Step       string
	Err        error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("workflow %s step %s: %v", e.WorkflowID, e.Step, e.Err)
}

func (e *WorkflowError) Unwrap() error { return e.Err }

// DataError marks a malformed message, rejected at construction and
// never delivered. Data errors are never retried.
type DataError struct {
	Err error
}

func (e *DataError) Error() string { return fmt.Sprintf("malformed message: %v", e.Err) }

func (e *DataError) Unwrap() error { return e.Err }

// ExternalServiceError wraps an LLM, search, or render failure. The
// calling agent surfaces it through the ordinary agent-error path.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("external service %s: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// permanentError marks an error that must not be retried regardless of
// category.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retriable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err is marked non-retriable or is a data
// error.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var pe *permanentError
	if errors.As(err, &pe) {
		return true
	}
	var de *DataError
	return errors.As(err, &de)
}

// Category returns the taxonomy bucket of err for logs and metrics:
// "agent", "communication", "workflow", "data", "external", or "other".
func Category(err error) string {
	if err == nil {
		return ""
	}
	var (
		ae *AgentError
		ce *CommunicationError
		we *WorkflowError
		de *DataError
		xe *ExternalServiceError
	)
	switch {
	case errors.As(err, &de):
		return "data"
	case errors.As(err, &ce):
		return "communication"
	case errors.As(err, &we):
		return "workflow"
	case errors.As(err, &xe):
		return "external"
	case errors.As(err, &ae):
		return "agent"
	default:
		return "other"
	}
}
