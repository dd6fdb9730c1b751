package action

import (
	"fmt"

	"github.com/teslamotors/vehicle-session/pkg/protocol"
)

// AuxHeatStart turns on the auxiliary heater.
func AuxHeatStart() *protocol.PlainCommand {
	return protocol.NewPlainCommand("auxheat-start")
}

// AuxHeatStop turns off the auxiliary heater.
func AuxHeatStop() *protocol.PlainCommand {
	return protocol.NewPlainCommand("auxheat-stop")
}

// Level selects the aux heat program slot.
type Level int

const (
	LevelOff Level = iota
	LevelLow
	LevelMed
	LevelHigh
)

// AuxHeatConfigure selects the heater level and departure time in minutes after midnight.
func AuxHeatConfigure(level Level, minutesAfterMidnight int) (*protocol.PlainCommand, error) {
	if level < LevelOff || level > LevelHigh {
		return nil, fmt.Errorf("invalid heater level")
	}
	if minutesAfterMidnight < 0 || minutesAfterMidnight >= 24*60 {
		return nil, fmt.Errorf("departure time must be within one day")
	}
	return protocol.NewPlainCommand("auxheat-configure",
		protocol.Parameter{Name: "level", Value: fmt.Sprintf("%d", level)},
		protocol.Parameter{Name: "departure", Value: fmt.Sprintf("%d", minutesAfterMidnight)},
	), nil
}

// PreconditionStart starts cabin preconditioning on electric vehicles.
func PreconditionStart() *protocol.PlainCommand {
	return protocol.NewPlainCommand("zev-precondition-start")
}

// PreconditionStop stops cabin preconditioning.
func PreconditionStop() *protocol.PlainCommand {
	return protocol.NewPlainCommand("zev-precondition-stop")
}
