package core

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a correlation waiter exceeds its deadline.
	ErrTimeout = errors.New("timeout waiting for correlated response")

	// ErrCancelled resolves suspended operations when their owning run is
	// torn down, instead of letting them time out naturally.
	ErrCancelled = errors.New("operation cancelled by run teardown")

	// ErrTargetGone is returned when an operation names a terminated or
	// unknown agent. Terminated agent ids are never reused.
	ErrTargetGone = errors.New("target agent terminated or unknown")

	// ErrRunNotFound is returned when an orchestration run id does not
	// resolve to an active run.
	ErrRunNotFound = errors.New("orchestration run not found")
)

// SchemaError reports event data failing registry validation. The event is
// rejected before any dispatch happens.
type SchemaError struct {
	Event  string
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("schema validation failed for %q: field %q %s", e.Event, e.Field, e.Reason)
	}
	return fmt.Sprintf("schema validation failed for %q: %s", e.Event, e.Reason)
}

// TemplateResolutionError reports a strict-mode placeholder with no value in
// the resolution context. It is raised at the point of resolution, never
// deferred, so malformed events fail where they are built.
type TemplateResolutionError struct {
	Template    string
	MissingPath string
}

func (e *TemplateResolutionError) Error() string {
	return fmt.Sprintf("template %q: no value for %q", e.Template, e.MissingPath)
}

// AwaitTimeoutError reports an AWAIT primitive that hit its deadline without
// reaching min_responses and was not configured to collect partial results.
type AwaitTimeoutError struct {
	AwaitID   string
	Collected int
	Required  int
}

func (e *AwaitTimeoutError) Error() string {
	return fmt.Sprintf("await %s timed out with %d of %d required responses", e.AwaitID, e.Collected, e.Required)
}

// CoordinationTimeoutError reports a COORDINATE sub-protocol whose deadline
// elapsed before every named agent arrived. Missing lists the absentees.
type CoordinationTimeoutError struct {
	Kind    string
	Missing []string
}

func (e *CoordinationTimeoutError) Error() string {
	return fmt.Sprintf("coordination %q timed out waiting for %v", e.Kind, e.Missing)
}

// SpawnError reports a failed or partially failed SPAWN batch. Spawned holds
// the agent ids that did come up; callers must check both the error and the
// successful subset.
type SpawnError struct {
	Profile string
	Spawned []string
	Errs    []error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn of profile %q: %d succeeded, %d failed: %v", e.Profile, len(e.Spawned), len(e.Errs), errors.Join(e.Errs...))
}

func (e *SpawnError) Unwrap() []error { return e.Errs }

// QueryError reports a malformed QUERY primitive call.
type QueryError struct {
	QueryType string
	Reason    string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query %q: %s", e.QueryType, e.Reason)
}

// HandlerError wraps an error (or recovered panic) raised inside an event
// handler. It is isolated per handler: dispatch to other handlers continues,
// but it propagates as the failure result to direct correlation waiters.
type HandlerError struct {
	Event   string
	Handler string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %q failed for event %q: %v", e.Handler, e.Event, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
