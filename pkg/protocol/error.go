package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Error exposes methods useful for categorizing errors.
type Error interface {
	error

	// MayHaveSucceeded returns true if the Error was triggered by a command that might have been
	// executed. For example, if a client times out while waiting for a status update, then the
	// client cannot tell if the command was received by the vehicle.
	MayHaveSucceeded() bool

	// Temporary returns true if the Error might be the result of a transient condition, such as
	// the Transport being between reconnection attempts.
	Temporary() bool
}

var (
	// ErrNoVehicleSelected indicates a command was sent before a vehicle was selected.
	ErrNoVehicleSelected = NewError("no vehicle selected", false, false)
	// ErrPinInputCancelled indicates the user dismissed the PIN prompt of a PIN-gated command.
	ErrPinInputCancelled = NewError("pin input cancelled", false, false)
	// ErrPinProviderMissing indicates a PIN-gated command was sent by a client that cannot
	// prompt for a PIN.
	ErrPinProviderMissing = NewError("command requires a pin but no pin provider is configured", false, false)
	// ErrCommandUnavailable indicates the command is neither a plain nor a PIN-gated command.
	ErrCommandUnavailable = NewError("command unavailable", false, false)
	// ErrNoInternetConnection indicates the Transport was not connected when the command was
	// about to be sent.
	ErrNoInternetConnection = NewError("no internet connection", false, true)
	// ErrSerialization indicates a command could not be encoded.
	ErrSerialization = NewError("command serialization failed", false, false)
	// ErrCommandTimeout indicates no terminal status arrived for a command in time. The vehicle
	// may still execute the command.
	ErrCommandTimeout = NewError("command timed out", true, true)
	// ErrNotConnected indicates a frame could not be sent because the Transport is not connected.
	ErrNotConnected = NewError("not connected", false, true)
	// ErrSessionClosed indicates the session was stopped while a command was in flight.
	ErrSessionClosed = NewError("session closed", true, false)
	// ErrBadMessage indicates an inbound frame could not be decoded.
	ErrBadMessage = errors.New("malformed message")
	// ErrEmptyMessage indicates an inbound frame did not contain any known payload.
	ErrEmptyMessage = fmt.Errorf("%w: no payload", ErrBadMessage)
)

type CommandError struct {
	Err               error
	PossibleSuccess   bool
	PossibleTemporary bool
}

func NewError(message string, mayHaveSucceeded bool, temporary bool) error {
	return &CommandError{Err: errors.New(message), PossibleSuccess: mayHaveSucceeded, PossibleTemporary: temporary}
}

func (e *CommandError) Error() string {
	return e.Err.Error()
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func (e *CommandError) MayHaveSucceeded() bool {
	return e.PossibleSuccess
}

func (e *CommandError) Temporary() bool {
	return e.PossibleTemporary
}

// SerializationError wraps the reason a command could not be encoded. It matches ErrSerialization
// with errors.Is.
type SerializationError struct {
	Command string
	Err     error
}

func (e *SerializationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s produced no payload", ErrSerialization, e.Command)
	}
	return fmt.Sprintf("%s: %s: %s", ErrSerialization, e.Command, e.Err)
}

func (e *SerializationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSerialization}
	}
	return []error{ErrSerialization, e.Err}
}

func (e *SerializationError) MayHaveSucceeded() bool {
	return false
}

func (e *SerializationError) Temporary() bool {
	return false
}

// CommandFailedError indicates the backend reported a command as failed.
type CommandFailedError struct {
	Status *CommandStatus
}

func (e *CommandFailedError) Error() string {
	if e.Status == nil || len(e.Status.Errors) == 0 {
		return "vehicle could not execute command"
	}
	var codes []string
	for _, detail := range e.Status.Errors {
		codes = append(codes, detail.String())
	}
	return "vehicle could not execute command: " + strings.Join(codes, ", ")
}

func (e *CommandFailedError) MayHaveSucceeded() bool {
	return false
}

func (e *CommandFailedError) Temporary() bool {
	return false
}

// MayHaveSucceeded returns true if err is a CommandError that indicates the command may have been
// executed but the client did not receive a confirmation from the backend.
func MayHaveSucceeded(err error) bool {
	if commErr, ok := err.(Error); ok && commErr.MayHaveSucceeded() {
		return true
	}
	return false
}

// Temporary returns true if err is a CommandError that indicates the command failed due to possibly
// transient conditions that do not require user action to resolve.
func Temporary(err error) bool {
	if commErr, ok := err.(Error); ok && commErr.Temporary() {
		return true
	}
	return false
}

// ShouldRetry returns true if the client should retry to issue the command that triggered an error.
// The session never retries on its own; this is a hint for callers.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := err.(Error); ok {
		if e.MayHaveSucceeded() {
			return false
		}
		if e.Temporary() {
			return true
		}
	}
	return false
}
