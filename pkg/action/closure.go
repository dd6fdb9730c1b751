package action

import (
	"fmt"

	"github.com/teslamotors/vehicle-session/pkg/protocol"
)

// Closure represents a part of the vehicle that opens and closes.
type Closure string

const (
	ClosureWindows Closure = "windows"
	ClosureSunroof Closure = "sunroof"
)

// Lock locks all doors.
func Lock() *protocol.PlainCommand {
	return protocol.NewPlainCommand("doors-lock")
}

// Unlock unlocks all doors. The user must confirm with their PIN.
func Unlock() *protocol.PinCommand {
	return protocol.NewPinCommand("doors-unlock", "Enter your PIN to unlock the vehicle")
}

// OpenWindows opens all windows. The user must confirm with their PIN.
func OpenWindows() *protocol.PinCommand {
	return buildClosureOpen(ClosureWindows, "Enter your PIN to open the windows")
}

// CloseWindows closes all windows.
func CloseWindows() *protocol.PlainCommand {
	return buildClosureClose(ClosureWindows)
}

// VentWindows opens every window to level percent. Not all vehicles support partial positions.
func VentWindows(level int) (*protocol.PinCommand, error) {
	if level < 0 || level > 100 {
		return nil, fmt.Errorf("window level must be between 0 and 100")
	}
	return protocol.NewPinCommand("windows-move", "Enter your PIN to move the windows",
		protocol.Parameter{Name: "level", Value: fmt.Sprintf("%d", level)}), nil
}

// OpenSunroof opens the sunroof on vehicles that have one.
func OpenSunroof() *protocol.PinCommand {
	return buildClosureOpen(ClosureSunroof, "Enter your PIN to open the sunroof")
}

// CloseSunroof closes the sunroof on vehicles that have one.
func CloseSunroof() *protocol.PlainCommand {
	return buildClosureClose(ClosureSunroof)
}

func buildClosureOpen(closure Closure, reason string) *protocol.PinCommand {
	return protocol.NewPinCommand(string(closure)+"-open", reason)
}

func buildClosureClose(closure Closure) *protocol.PlainCommand {
	return protocol.NewPlainCommand(string(closure) + "-close")
}
