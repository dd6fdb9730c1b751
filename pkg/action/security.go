package action

import (
	"github.com/teslamotors/vehicle-session/pkg/protocol"
)

// EngineStart starts the engine remotely. The user must confirm with their PIN.
func EngineStart() *protocol.PinCommand {
	return protocol.NewPinCommand("engine-start", "Enter your PIN to start the engine")
}

// EngineStop stops a remotely started engine.
func EngineStop() *protocol.PlainCommand {
	return protocol.NewPlainCommand("engine-stop")
}

// TheftAlarmSelectInterior enables or disables the interior motion sensor of the theft alarm.
func TheftAlarmSelectInterior(enabled bool) *protocol.PlainCommand {
	if enabled {
		return protocol.NewPlainCommand("theft-alarm-select-interior")
	}
	return protocol.NewPlainCommand("theft-alarm-deselect-interior")
}

// TheftAlarmStop silences a triggered theft alarm.
func TheftAlarmStop() *protocol.PlainCommand {
	return protocol.NewPlainCommand("theft-alarm-stop")
}
