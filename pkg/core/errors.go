package core

import (
	"errors"
	"fmt"
)

// Error is the engine's typed error. Every failure that reaches the host is
// classified by Kind so the UI can pick a message without string matching.
type Error struct {
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
	Op        string `json:"op,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	Err       error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Kind categorizes errors.
type Kind string

const (
	// KindDevice: no microphone or permission denied. Fatal for the session.
	KindDevice Kind = "device_error"
	// KindConnection: handshake or send failure. Retried, then fatal.
	KindConnection Kind = "connection_error"
	// KindToolValidation: malformed tool call from the remote model.
	KindToolValidation Kind = "tool_validation_error"
	// KindPersistence: recovery bridge failures. Logged only.
	KindPersistence Kind = "persistence_error"
	// KindCommandAmbiguity: unrecognised voice input while a selection is open.
	KindCommandAmbiguity Kind = "command_ambiguity_error"
	// KindInvalidRequest: caller supplied an invalid argument.
	KindInvalidRequest Kind = "invalid_request_error"
)

// NewDeviceError creates a device error.
func NewDeviceError(message string, err error) *Error {
	return &Error{Kind: KindDevice, Message: message, Err: err}
}

// NewConnectionError creates a connection error. Connection errors are
// retryable until the reconnection policy gives up.
func NewConnectionError(op, message string, err error) *Error {
	return &Error{Kind: KindConnection, Op: op, Message: message, Retryable: true, Err: err}
}

// NewToolValidationError creates a tool validation error.
func NewToolValidationError(tool, message string) *Error {
	return &Error{Kind: KindToolValidation, Op: tool, Message: message}
}

// NewPersistenceError creates a persistence error.
func NewPersistenceError(op string, err error) *Error {
	return &Error{Kind: KindPersistence, Op: op, Message: "recovery store failure", Err: err}
}

// NewCommandAmbiguityError creates a command ambiguity error.
func NewCommandAmbiguityError(message string) *Error {
	return &Error{Kind: KindCommandAmbiguity, Message: message}
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{Kind: KindInvalidRequest, Message: message}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable returns true if the error is retryable.
func (e *Error) IsRetryable() bool {
	if e == nil {
		return false
	}
	if e.Retryable {
		return true
	}
	return e.Kind == KindConnection
}
