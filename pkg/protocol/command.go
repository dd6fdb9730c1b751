package protocol

import (
	"fmt"
	"time"
)

// CommandState is the processing stage of a command as reported by the backend.
type CommandState int32

const (
	CommandStateUnknown    CommandState = 0
	CommandStateInitiation CommandState = 1
	CommandStateEnqueued   CommandState = 2
	CommandStateProcessing CommandState = 3
	CommandStateWaiting    CommandState = 4
	CommandStateFinished   CommandState = 5
	CommandStateFailed     CommandState = 6
)

var commandStateNames = map[CommandState]string{
	CommandStateUnknown:    "unknown",
	CommandStateInitiation: "initiation",
	CommandStateEnqueued:   "enqueued",
	CommandStateProcessing: "processing",
	CommandStateWaiting:    "waiting",
	CommandStateFinished:   "finished",
	CommandStateFailed:     "failed",
}

func (s CommandState) String() string {
	if name, ok := commandStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unrecognized(%d)", int32(s))
}

// Terminal returns true if no further status updates are expected after s. Unrecognized states
// are terminal.
func (s CommandState) Terminal() bool {
	switch s {
	case CommandStateInitiation, CommandStateEnqueued, CommandStateProcessing, CommandStateWaiting:
		return false
	}
	return true
}

// CommandErrorDetail is an error code attached to a failed command.
type CommandErrorDetail struct {
	Code    string
	Message string
}

func (d CommandErrorDetail) String() string {
	if d.Message == "" {
		return d.Code
	}
	return d.Code + " (" + d.Message + ")"
}

// CommandStatus reports the progress of one command, identified by its correlation id.
type CommandStatus struct {
	VIN       string
	RequestID string
	ProcessID int64
	Command   string
	State     CommandState
	Errors    []CommandErrorDetail
	Timestamp time.Time
}

// Result is delivered to a command's completion callback. A command produces zero or more
// non-terminal results followed by exactly one terminal result.
type Result struct {
	// AboutToSend is set on the progress notification emitted just before transmission.
	AboutToSend bool

	// Status is the most recent status update from the backend, if any.
	Status *CommandStatus

	// Err is non-nil if the command failed.
	Err error
}

// Failed returns true if r reports an error.
func (r Result) Failed() bool {
	return r.Err != nil
}

// Terminal returns true if no further results will follow r.
func (r Result) Terminal() bool {
	if r.Err != nil {
		return true
	}
	return r.Status != nil && r.Status.State.Terminal()
}

// ResultForStatus converts a backend status into a Result. Failed states carry a
// CommandFailedError.
func ResultForStatus(status *CommandStatus) Result {
	if status.State == CommandStateFailed {
		return Result{Status: status, Err: &CommandFailedError{Status: status}}
	}
	return Result{Status: status}
}

// Completion receives the results of a command.
type Completion func(Result)

// Command is an operation that can be sent to a vehicle. The concrete type is either *PlainCommand
// or *PinCommand; the dispatcher rejects any other implementation as unavailable.
type Command interface {
	Name() string
}

// PlainCommand can be sent without user confirmation.
type PlainCommand struct {
	name      string
	serialize func(requestID, vin string) ([]byte, error)
}

// PinCommand must be confirmed with the user's PIN before it is sent.
type PinCommand struct {
	name string

	// Reason is shown to the user when prompting for the PIN.
	Reason string

	// PreventReuseAlert asks the PIN provider not to offer a remembered PIN.
	PreventReuseAlert bool

	serialize func(requestID, vin, pin string) ([]byte, error)
}

func (c *PlainCommand) Name() string { return c.name }
func (c *PinCommand) Name() string   { return c.name }

// Serialize encodes c for vin under correlation id requestID.
func (c *PlainCommand) Serialize(requestID, vin string) ([]byte, error) {
	return c.serialize(requestID, vin)
}

// Serialize encodes c for vin under correlation id requestID, embedding pin.
func (c *PinCommand) Serialize(requestID, vin, pin string) ([]byte, error) {
	return c.serialize(requestID, vin, pin)
}

// Parameter is a named command argument.
type Parameter struct {
	Name  string
	Value string
}

// NewPlainCommand returns a command encoded as a CommandRequest.
func NewPlainCommand(name string, params ...Parameter) *PlainCommand {
	return NewPlainCommandFunc(name, func(requestID, vin string) ([]byte, error) {
		return EncodeCommandRequest(&CommandRequest{VIN: vin, RequestID: requestID, Command: name, Parameters: params})
	})
}

// NewPlainCommandFunc returns a command with a custom encoding.
func NewPlainCommandFunc(name string, serialize func(requestID, vin string) ([]byte, error)) *PlainCommand {
	return &PlainCommand{name: name, serialize: serialize}
}

// NewPinCommand returns a PIN-gated command encoded as a CommandRequest.
func NewPinCommand(name, reason string, params ...Parameter) *PinCommand {
	return NewPinCommandFunc(name, reason, func(requestID, vin, pin string) ([]byte, error) {
		return EncodeCommandRequest(&CommandRequest{VIN: vin, RequestID: requestID, Command: name, PIN: pin, Parameters: params})
	})
}

// NewPinCommandFunc returns a PIN-gated command with a custom encoding.
func NewPinCommandFunc(name, reason string, serialize func(requestID, vin, pin string) ([]byte, error)) *PinCommand {
	return &PinCommand{name: name, Reason: reason, serialize: serialize}
}

// CommandRequest is the client message that asks the backend to execute a command.
type CommandRequest struct {
	TrackingID string
	VIN        string
	RequestID  string
	Command    string
	PIN        string
	Parameters []Parameter
}
