package failure

import (
	"fmt"
	"maps"
	"time"
)

// Context describes where an error happened.
type Context struct {
	Operation  string
	Component  string
	UserID     string
	SessionID  string
	Metadata   map[string]any
	Timestamp  time.Time
	RetryCount int
}

func (c Context) clone() Context {
	if c.Metadata != nil {
		c.Metadata = maps.Clone(c.Metadata)
	}
	return c
}

// Error is a classified failure. It is immutable once created.
type Error struct {
	kind      Kind
	severity  Severity
	human     string
	technical string
	ctx       Context
	retryable bool
	action    RecoveryAction
	original  any
}

// New creates an error whose classification is already known, such as an
// app-breaking startup failure. The retry invariant is enforced.
func New(k Kind, s Severity, retryable bool, action RecoveryAction, technical string, c Context) *Error {
	c.Timestamp = now()
	return newError(k, s, retryable, action, technical, c, nil)
}

func newError(k Kind, s Severity, retryable bool, action RecoveryAction, technical string, c Context, original any) *Error {
	if retryable {
		action = ActionRetry
	} else if action == ActionRetry {
		action = ActionNone
	}
	return &Error{
		kind:      k,
		severity:  s,
		human:     humanMessage(k, s),
		technical: technical,
		ctx:       c.clone(),
		retryable: retryable,
		action:    action,
		original:  original,
	}
}

func (e *Error) Kind() Kind                     { return e.kind }
func (e *Error) Severity() Severity             { return e.severity }
func (e *Error) HumanMessage() string           { return e.human }
func (e *Error) TechnicalMessage() string       { return e.technical }
func (e *Error) Retryable() bool                { return e.retryable }
func (e *Error) RecoveryAction() RecoveryAction { return e.action }

// Original returns the raw value the error was classified from. It is for
// diagnostics only.
func (e *Error) Original() any { return e.original }

// Context returns a copy of the error context.
func (e *Error) Context() Context { return e.ctx.clone() }

// RetryKey identifies the logical operation for retry deduplication.
func (e *Error) RetryKey() string {
	return e.ctx.Operation + ":" + e.ctx.UserID
}

// WithRetry returns a copy with the retry count incremented by one.
func (e *Error) WithRetry() *Error {
	c := *e
	c.ctx = e.ctx.clone()
	c.ctx.RetryCount++
	return &c
}

// AtRetry returns a copy whose retry count is n. It is used when an error
// raised by a retry attempt must continue the backoff of the one it replaces.
func (e *Error) AtRetry(n int) *Error {
	c := *e
	c.ctx = e.ctx.clone()
	c.ctx.RetryCount = n
	return &c
}

// restamp returns a copy carrying c, filled in from the original context
// where c leaves a field empty. The retry count never goes backwards.
func (e *Error) restamp(c Context) *Error {
	out := *e
	if c.Operation == "" {
		c.Operation = e.ctx.Operation
	}
	if c.Component == "" {
		c.Component = e.ctx.Component
	}
	if c.UserID == "" {
		c.UserID = e.ctx.UserID
	}
	if c.SessionID == "" {
		c.SessionID = e.ctx.SessionID
	}
	if c.Metadata == nil {
		c.Metadata = e.ctx.Metadata
	}
	c.RetryCount = max(c.RetryCount, e.ctx.RetryCount)
	out.ctx = c.clone()
	return &out
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s [%s/%s]: %s", e.ctx.Operation, e.kind, e.severity, e.technical)
}

// Unwrap exposes the original error, if it was one.
func (e *Error) Unwrap() error {
	if err, ok := e.original.(error); ok {
		return err
	}
	return nil
}

func humanMessage(k Kind, s Severity) string {
	switch k {
	case KindNetwork:
		return "Connection problem. We'll keep trying in the background."
	case KindAuth:
		if s == SeverityLow {
			return "Your session has ended. Please sign in again."
		}
		return "Please sign in again to continue."
	case KindQuota:
		if s == SeverityHigh {
			return "You've reached your plan limit. Upgrade to keep going."
		}
		return "Too many requests right now. Please wait a moment."
	case KindPermission:
		return "You don't have permission to do that."
	case KindValidation:
		return "Some of the information provided isn't valid."
	case KindStorage:
		return "We couldn't save your file. Please try again."
	case KindProcessing:
		return "We couldn't process your material. Please try again."
	default:
		return "Something went wrong. Please try again."
	}
}
