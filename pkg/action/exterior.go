package action

import (
	"fmt"
	"strconv"
	"time"

	"github.com/teslamotors/vehicle-session/pkg/protocol"
)

// SignalType selects how the vehicle makes itself noticed.
type SignalType string

const (
	SignalLights     SignalType = "lights"
	SignalHornLights SignalType = "horn-lights"
	SignalPanicAlarm SignalType = "panic"
)

const maxSignalDuration = 30 * time.Second

// Signal flashes the exterior lights and optionally honks the horn for duration, to help the user
// find the vehicle.
func Signal(kind SignalType, duration time.Duration) (*protocol.PlainCommand, error) {
	switch kind {
	case SignalLights, SignalHornLights, SignalPanicAlarm:
	default:
		return nil, fmt.Errorf("unknown signal type %q", kind)
	}
	if duration <= 0 || duration > maxSignalDuration {
		return nil, fmt.Errorf("signal duration must be positive and at most %s", maxSignalDuration)
	}
	return protocol.NewPlainCommand("signal-position",
		protocol.Parameter{Name: "type", Value: string(kind)},
		protocol.Parameter{Name: "seconds", Value: strconv.Itoa(int(duration.Seconds()))},
	), nil
}
