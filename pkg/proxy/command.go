package proxy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/teslamotors/vehicle-session/pkg/action"
	"github.com/teslamotors/vehicle-session/pkg/protocol"
)

var (
	// ErrUnknownCommand indicates the proxy does not know a command by that name.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrInvalidParameter indicates a request parameter is missing or has the wrong type.
	ErrInvalidParameter = errors.New("invalid request parameter")
)

func missingParamError(key string) error {
	return fmt.Errorf("%w: missing %s param", ErrInvalidParameter, key)
}

func invalidParamError(key string) error {
	return fmt.Errorf("%w: invalid %s param", ErrInvalidParameter, key)
}

// RequestParameters holds the decoded JSON body of a command request.
type RequestParameters map[string]interface{}

func (p RequestParameters) getString(key string, required bool) (string, error) {
	if value, ok := p[key]; ok {
		if s, ok := value.(string); ok {
			return s, nil
		}
		return "", invalidParamError(key)
	} else if !required {
		return "", nil
	}
	return "", missingParamError(key)
}

func (p RequestParameters) getBool(key string, required bool) (bool, error) {
	if value, ok := p[key]; ok {
		if b, ok := value.(bool); ok {
			return b, nil
		}
		return false, invalidParamError(key)
	} else if !required {
		return false, nil
	}
	return false, missingParamError(key)
}

// getNumber accepts JSON numbers only. encoding/json decodes those as float64.
func (p RequestParameters) getNumber(key string, required bool) (float64, error) {
	if value, ok := p[key]; ok {
		if n, ok := value.(float64); ok {
			return n, nil
		}
		return 0, invalidParamError(key)
	} else if !required {
		return 0, nil
	}
	return 0, missingParamError(key)
}

var auxHeatLevels = map[string]action.Level{
	"off":  action.LevelOff,
	"low":  action.LevelLow,
	"med":  action.LevelMed,
	"high": action.LevelHigh,
}

var chargePrograms = map[string]action.ChargeProgram{
	"default": action.ChargeProgramDefault,
	"instant": action.ChargeProgramInstant,
	"home":    action.ChargeProgramHome,
	"work":    action.ChargeProgramWork,
}

// wrapParam marks an error returned by an action constructor as a parameter error.
func wrapParam(cmd *protocol.PlainCommand, err error) (protocol.Command, error) {
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidParameter, err)
	}
	return cmd, nil
}

// ExtractCommand maps a REST command name and its parameters to a vehicle command.
func ExtractCommand(command string, params RequestParameters) (protocol.Command, error) {
	switch command {
	// Doors and security
	case "door_lock":
		return action.Lock(), nil
	case "door_unlock":
		return action.Unlock(), nil
	case "remote_start":
		return action.EngineStart(), nil
	case "remote_stop":
		return action.EngineStop(), nil
	case "set_theft_interior":
		on, err := params.getBool("on", true)
		if err != nil {
			return nil, err
		}
		return action.TheftAlarmSelectInterior(on), nil
	case "theft_alarm_stop":
		return action.TheftAlarmStop(), nil
	// Climate
	case "auxheat_start":
		return action.AuxHeatStart(), nil
	case "auxheat_stop":
		return action.AuxHeatStop(), nil
	case "set_auxheat":
		name, err := params.getString("level", true)
		if err != nil {
			return nil, err
		}
		level, ok := auxHeatLevels[strings.ToLower(name)]
		if !ok {
			return nil, invalidParamError("level")
		}
		departure, err := params.getNumber("departure_time", true)
		if err != nil {
			return nil, err
		}
		return wrapParam(action.AuxHeatConfigure(level, int(departure)))
	case "precondition_start":
		return action.PreconditionStart(), nil
	case "precondition_stop":
		return action.PreconditionStop(), nil
	// Closures
	case "window_control":
		name, err := params.getString("command", true)
		if err != nil {
			return nil, err
		}
		switch name {
		case "open":
			return action.OpenWindows(), nil
		case "close":
			return action.CloseWindows(), nil
		case "vent":
			level, err := params.getNumber("level", true)
			if err != nil {
				return nil, err
			}
			cmd, err := action.VentWindows(int(level))
			if err != nil {
				return nil, fmt.Errorf("%w: %s", ErrInvalidParameter, err)
			}
			return cmd, nil
		}
		return nil, invalidParamError("command")
	case "sun_roof_control":
		state, err := params.getString("state", true)
		if err != nil {
			return nil, err
		}
		switch state {
		case "open":
			return action.OpenSunroof(), nil
		case "close":
			return action.CloseSunroof(), nil
		}
		return nil, invalidParamError("state")
	// Charging
	case "set_charge_optimization":
		on, err := params.getBool("on", true)
		if err != nil {
			return nil, err
		}
		return action.ChargeOptimization(on), nil
	case "set_charge_program":
		name, err := params.getString("program", true)
		if err != nil {
			return nil, err
		}
		program, ok := chargePrograms[strings.ToLower(name)]
		if !ok {
			return nil, invalidParamError("program")
		}
		limit, err := params.getNumber("percent", true)
		if err != nil {
			return nil, err
		}
		return wrapParam(action.ChargeProgramSelect(program, int(limit)))
	// Exterior
	case "honk_horn":
		return wrapParam(action.Signal(action.SignalHornLights, 3*time.Second))
	case "flash_lights":
		return wrapParam(action.Signal(action.SignalLights, 3*time.Second))
	case "signal":
		kind, err := params.getString("type", true)
		if err != nil {
			return nil, err
		}
		seconds, err := params.getNumber("duration", false)
		if err != nil {
			return nil, err
		}
		if seconds == 0 {
			seconds = 10
		}
		return wrapParam(action.Signal(action.SignalType(kind), time.Duration(seconds*float64(time.Second))))
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, command)
}
