package action

import (
	"fmt"
	"strconv"

	"github.com/teslamotors/vehicle-session/pkg/protocol"
)

// ChargeProgram controls when charging should occur.
type ChargeProgram int

const (
	ChargeProgramDefault ChargeProgram = iota
	ChargeProgramInstant
	ChargeProgramHome
	ChargeProgramWork
)

// ChargeOptimization enables or disables battery-friendly charge optimization.
func ChargeOptimization(enabled bool) *protocol.PlainCommand {
	return protocol.NewPlainCommand("charge-optimization",
		protocol.Parameter{Name: "enabled", Value: strconv.FormatBool(enabled)})
}

// ChargeProgramSelect selects a charge program and the state of charge at which charging stops.
func ChargeProgramSelect(program ChargeProgram, maxSOC int) (*protocol.PlainCommand, error) {
	if program < ChargeProgramDefault || program > ChargeProgramWork {
		return nil, fmt.Errorf("invalid charge program")
	}
	// The vehicle accepts limits in steps of ten.
	if maxSOC < 50 || maxSOC > 100 || maxSOC%10 != 0 {
		return nil, fmt.Errorf("charge limit must be a multiple of 10 between 50 and 100")
	}
	return protocol.NewPlainCommand("charge-program",
		protocol.Parameter{Name: "program", Value: strconv.Itoa(int(program))},
		protocol.Parameter{Name: "max_soc", Value: strconv.Itoa(maxSOC)},
	), nil
}
