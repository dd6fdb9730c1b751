package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/teslamotors/vehicle-session/internal/log"
	"github.com/teslamotors/vehicle-session/pkg/account"
	"github.com/teslamotors/vehicle-session/pkg/action"
	"github.com/teslamotors/vehicle-session/pkg/protocol"
	"github.com/teslamotors/vehicle-session/pkg/session"
)

var (
	ErrCommandLineArgs = errors.New("invalid command line arguments")
	ErrInvalidTime     = errors.New("invalid time")
	ErrRequiresVIN     = errors.New("command requires a VIN")
	ErrRequiresAPIHost = errors.New("command requires an API host")
	ErrUnknownCommand  = errors.New("unrecognized command")
)

type Argument struct {
	name string
	help string
}

// environment holds what a Handler may act on. acct is nil if no API host is configured.
type environment struct {
	session  *session.Session
	vehicles *session.Selection
	acct     *account.Account
}

type Handler func(ctx context.Context, env *environment, args map[string]string) error

type Command struct {
	help        string
	requiresVIN bool // True if command targets the selected vehicle
	requiresAPI bool // True if command queries the account REST API
	unbounded   bool // True if the command manages its own deadline
	args        []Argument
	optional    []Argument
	handler     Handler
}

func MinutesAfterMidnight(hoursAndMinutes string) (int, error) {
	components := strings.Split(hoursAndMinutes, ":")
	if len(components) != 2 {
		return 0, fmt.Errorf("%w: expected HH:MM", ErrInvalidTime)
	}
	hours, err := strconv.Atoi(components[0])
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidTime, err)
	}
	minutes, err := strconv.Atoi(components[1])
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidTime, err)
	}

	if hours > 23 || hours < 0 || minutes > 59 || minutes < 0 {
		return 0, fmt.Errorf("%w: hours or minutes outside valid range", ErrInvalidTime)
	}
	return 60*hours + minutes, nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("%w: expected on or off", ErrCommandLineArgs)
}

func parseLevel(value string) (action.Level, error) {
	switch strings.ToLower(value) {
	case "off":
		return action.LevelOff, nil
	case "low":
		return action.LevelLow, nil
	case "med", "medium":
		return action.LevelMed, nil
	case "high":
		return action.LevelHigh, nil
	}
	return 0, fmt.Errorf("%w: level must be off|low|med|high", ErrCommandLineArgs)
}

func parseChargeProgram(value string) (action.ChargeProgram, error) {
	switch strings.ToLower(value) {
	case "default":
		return action.ChargeProgramDefault, nil
	case "instant":
		return action.ChargeProgramInstant, nil
	case "home":
		return action.ChargeProgramHome, nil
	case "work":
		return action.ChargeProgramWork, nil
	}
	return 0, fmt.Errorf("%w: program must be default|instant|home|work", ErrCommandLineArgs)
}

func checkReadiness(commandName string, haveVIN, haveAPI bool) (*Command, error) {
	info, ok := commands[commandName]
	if !ok {
		return nil, ErrUnknownCommand
	}
	if info.requiresVIN && !haveVIN {
		return nil, ErrRequiresVIN
	}
	if info.requiresAPI && !haveAPI {
		return nil, ErrRequiresAPIHost
	}
	return info, nil
}

func execute(ctx context.Context, env *environment, args []string) error {
	if len(args) == 0 {
		return errors.New("missing COMMAND")
	}

	var haveVIN bool
	if env.vehicles != nil {
		haveVIN = env.vehicles.SelectedVIN() != ""
	}
	info, err := checkReadiness(args[0], haveVIN, env.acct != nil)
	if err != nil {
		return err
	}

	if len(args)-1 < len(info.args) || len(args)-1 > len(info.args)+len(info.optional) {
		writeErr("Invalid number of command line arguments: %d (%d required, %d optional).", len(args)-1, len(info.args), len(info.optional))
		err = ErrCommandLineArgs
	} else {
		keywords := make(map[string]string)
		for i, argInfo := range info.args {
			keywords[argInfo.name] = args[i+1]
		}
		index := len(info.args) + 1
		for _, argInfo := range info.optional {
			if index >= len(args) {
				break
			}
			keywords[argInfo.name] = args[index]
			index++
		}
		err = info.handler(ctx, env, keywords)
	}

	// Print command-specific help
	if errors.Is(err, ErrCommandLineArgs) {
		info.Usage(args[0])
	}
	return err
}

func (c *Command) Usage(name string) {
	fmt.Printf("Usage: %s", name)
	maxLength := 0
	for _, arg := range c.args {
		fmt.Printf(" %s", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	if len(c.optional) > 0 {
		fmt.Printf(" [")
	}
	for _, arg := range c.optional {
		fmt.Printf(" %s", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	if len(c.optional) > 0 {
		fmt.Printf(" ]")
	}
	fmt.Printf("\n%s\n", c.help)
	maxLength++
	for _, arg := range c.args {
		fmt.Printf("    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
	for _, arg := range c.optional {
		fmt.Printf("    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
}

// send issues cmd and blocks until its terminal result arrives or ctx expires.
func send(ctx context.Context, s *session.Session, cmd protocol.Command) error {
	done := make(chan protocol.Result, 1)
	s.Send(cmd, func(result protocol.Result) {
		if !result.Terminal() {
			if result.AboutToSend {
				log.Debug("Sending %s...", cmd.Name())
			} else if result.Status != nil {
				log.Info("%s: %s", cmd.Name(), result.Status.State)
			}
			return
		}
		done <- result
	})
	select {
	case result := <-done:
		if result.Err != nil {
			return result.Err
		}
		fmt.Printf("%s: %s\n", cmd.Name(), result.Status.State)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendFunc builds a Handler for commands without arguments.
func sendFunc(build func() protocol.Command) Handler {
	return func(ctx context.Context, env *environment, _ map[string]string) error {
		return send(ctx, env.session, build())
	}
}

func printGroup(group protocol.AttributeGroup) {
	names := make([]string, 0, len(group.Attributes))
	for name := range group.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-40s %s\n", name, group.Attributes[name].Format())
	}
}

func printStatus(env *environment, types protocol.UpdateTypes) {
	store := env.session.Store()
	status := store.Status.Value()
	if status == nil {
		fmt.Println("No status received yet")
		return
	}
	fmt.Printf("%s (sequence %d, updated %s)\n", status.VIN, store.SequenceNumber.Value(), status.UpdatedAt.Format(time.RFC3339))
	for _, t := range types.Types() {
		group := store.Group(t).Value()
		if len(group.Attributes) == 0 {
			continue
		}
		fmt.Printf("%s:\n", t)
		printGroup(group)
	}
}

func updateTypesArg(args map[string]string) (protocol.UpdateTypes, error) {
	name, ok := args["TYPE"]
	if !ok {
		return protocol.AllUpdateTypes, nil
	}
	t, ok := protocol.ParseUpdateType(name)
	if !ok {
		return 0, fmt.Errorf("%w: unknown status type %s", ErrCommandLineArgs, name)
	}
	return protocol.NewUpdateTypes(t), nil
}

var typeHelp = "one of auxheat|battery|charging|doors|ecoscore|engine|headunit|location|statistics|tank|theft|tires|vehicle|warnings|windows|zev"

var commands = map[string]*Command{
	"lock": {
		help:        "Lock vehicle",
		requiresVIN: true,
		handler:     sendFunc(func() protocol.Command { return action.Lock() }),
	},
	"unlock": {
		help:        "Unlock vehicle",
		requiresVIN: true,
		handler:     sendFunc(func() protocol.Command { return action.Unlock() }),
	},
	"engine-start": {
		help:        "Start the engine remotely",
		requiresVIN: true,
		handler:     sendFunc(func() protocol.Command { return action.EngineStart() }),
	},
	"engine-stop": {
		help:        "Stop a remotely started engine",
		requiresVIN: true,
		handler:     sendFunc(func() protocol.Command { return action.EngineStop() }),
	},
	"auxheat-start": {
		help:        "Turn on the auxiliary heater",
		requiresVIN: true,
		handler:     sendFunc(func() protocol.Command { return action.AuxHeatStart() }),
	},
	"auxheat-stop": {
		help:        "Turn off the auxiliary heater",
		requiresVIN: true,
		handler:     sendFunc(func() protocol.Command { return action.AuxHeatStop() }),
	},
	"auxheat-configure": {
		help:        "Set the auxiliary heater LEVEL and departure TIME",
		requiresVIN: true,
		args: []Argument{
			{name: "LEVEL", help: "off|low|med|high"},
			{name: "TIME", help: "Time of departure in 24-hour HH:MM format"},
		},
		handler: func(ctx context.Context, env *environment, args map[string]string) error {
			level, err := parseLevel(args["LEVEL"])
			if err != nil {
				return err
			}
			minutes, err := MinutesAfterMidnight(args["TIME"])
			if err != nil {
				return err
			}
			cmd, err := action.AuxHeatConfigure(level, minutes)
			if err != nil {
				return err
			}
			return send(ctx, env.session, cmd)
		},
	},
	"precondition-start": {
		help:        "Start cabin preconditioning",
		requiresVIN: true,
		handler:     sendFunc(func() protocol.Command { return action.PreconditionStart() }),
	},
	"precondition-stop": {
		help:        "Stop cabin preconditioning",
		requiresVIN: true,
		handler:     sendFunc(func() protocol.Command { return action.PreconditionStop() }),
	},
	"windows-open": {
		help:        "Open all windows",
		requiresVIN: true,
		handler:     sendFunc(func() protocol.Command { return action.OpenWindows() }),
	},
	"windows-close": {
		help:        "Close all windows",
		requiresVIN: true,
		handler:     sendFunc(func() protocol.Command { return action.CloseWindows() }),
	},
	"windows-vent": {
		help:        "Move all windows to LEVEL",
		requiresVIN: true,
		args: []Argument{
			{name: "LEVEL", help: "Window position in percent, 0 is closed"},
		},
		handler: func(ctx context.Context, env *environment, args map[string]string) error {
			level, err := strconv.Atoi(args["LEVEL"])
			if err != nil {
				return fmt.Errorf("%w: LEVEL must be a number", ErrCommandLineArgs)
			}
			cmd, err := action.VentWindows(level)
			if err != nil {
				return err
			}
			return send(ctx, env.session, cmd)
		},
	},
	"sunroof-open": {
		help:        "Open the sunroof",
		requiresVIN: true,
		handler:     sendFunc(func() protocol.Command { return action.OpenSunroof() }),
	},
	"sunroof-close": {
		help:        "Close the sunroof",
		requiresVIN: true,
		handler:     sendFunc(func() protocol.Command { return action.CloseSunroof() }),
	},
	"charge-optimization": {
		help:        "Enable or disable battery-friendly charging",
		requiresVIN: true,
		args: []Argument{
			{name: "STATE", help: "on or off"},
		},
		handler: func(ctx context.Context, env *environment, args map[string]string) error {
			enabled, err := parseBool(args["STATE"])
			if err != nil {
				return err
			}
			return send(ctx, env.session, action.ChargeOptimization(enabled))
		},
	},
	"charge-program": {
		help:        "Select charge PROGRAM and stop charging at LIMIT percent",
		requiresVIN: true,
		args: []Argument{
			{name: "PROGRAM", help: "default|instant|home|work"},
			{name: "LIMIT", help: "Multiple of 10 between 50 and 100"},
		},
		handler: func(ctx context.Context, env *environment, args map[string]string) error {
			program, err := parseChargeProgram(args["PROGRAM"])
			if err != nil {
				return err
			}
			limit, err := strconv.Atoi(args["LIMIT"])
			if err != nil {
				return fmt.Errorf("%w: LIMIT must be a number", ErrCommandLineArgs)
			}
			cmd, err := action.ChargeProgramSelect(program, limit)
			if err != nil {
				return err
			}
			return send(ctx, env.session, cmd)
		},
	},
	"signal": {
		help:        "Flash lights and optionally honk to locate the vehicle",
		requiresVIN: true,
		args: []Argument{
			{name: "TYPE", help: "lights|horn-lights|panic"},
		},
		optional: []Argument{
			{name: "DURATION", help: "How long to signal, for example 10s (default 10s)"},
		},
		handler: func(ctx context.Context, env *environment, args map[string]string) error {
			duration := 10 * time.Second
			if d, ok := args["DURATION"]; ok {
				var err error
				if duration, err = time.ParseDuration(d); err != nil {
					return fmt.Errorf("%w: %s", ErrCommandLineArgs, err)
				}
			}
			cmd, err := action.Signal(action.SignalType(args["TYPE"]), duration)
			if err != nil {
				return err
			}
			return send(ctx, env.session, cmd)
		},
	},
	"theft-interior": {
		help:        "Enable or disable the interior motion sensor of the theft alarm",
		requiresVIN: true,
		args: []Argument{
			{name: "STATE", help: "on or off"},
		},
		handler: func(ctx context.Context, env *environment, args map[string]string) error {
			enabled, err := parseBool(args["STATE"])
			if err != nil {
				return err
			}
			return send(ctx, env.session, action.TheftAlarmSelectInterior(enabled))
		},
	},
	"theft-alarm-stop": {
		help:        "Silence a triggered theft alarm",
		requiresVIN: true,
		handler:     sendFunc(func() protocol.Command { return action.TheftAlarmStop() }),
	},
	"status": {
		help:        "Print the last known status of the selected vehicle",
		requiresVIN: true,
		optional: []Argument{
			{name: "TYPE", help: typeHelp},
		},
		handler: func(_ context.Context, env *environment, args map[string]string) error {
			types, err := updateTypesArg(args)
			if err != nil {
				return err
			}
			printStatus(env, types)
			return nil
		},
	},
	"watch": {
		help:        "Print status changes as they arrive",
		requiresVIN: true,
		unbounded:   true,
		args: []Argument{
			{name: "DURATION", help: "How long to watch, for example 5m"},
		},
		optional: []Argument{
			{name: "TYPE", help: typeHelp},
		},
		handler: func(ctx context.Context, env *environment, args map[string]string) error {
			duration, err := time.ParseDuration(args["DURATION"])
			if err != nil {
				return fmt.Errorf("%w: %s", ErrCommandLineArgs, err)
			}
			types, err := updateTypesArg(args)
			if err != nil {
				return err
			}
			store := env.session.Store()
			for _, t := range types.Types() {
				t := t
				field := store.Group(t)
				id := field.Subscribe(func(group protocol.AttributeGroup) {
					fmt.Printf("%s %s:\n", group.UpdatedAt.Format(time.RFC3339), t)
					printGroup(group)
				})
				defer field.Unsubscribe(id)
			}
			ctx, cancel := context.WithTimeout(ctx, duration)
			defer cancel()
			<-ctx.Done()
			return nil
		},
	},
	"refresh": {
		help:        "Reload every status field from the status cache",
		requiresVIN: true,
		handler: func(_ context.Context, env *environment, _ map[string]string) error {
			env.session.RefreshFields(true)
			return nil
		},
	},
	"select": {
		help: "Select the vehicle that commands are sent to",
		args: []Argument{
			{name: "VIN", help: "Vehicle Identification Number"},
		},
		handler: func(_ context.Context, env *environment, args map[string]string) error {
			env.vehicles.Select(args["VIN"])
			env.session.RefreshFields(true)
			return nil
		},
	},
	"reconnect": {
		help: "Fetch a new token and reopen the connection",
		handler: func(_ context.Context, env *environment, _ map[string]string) error {
			env.session.Reconnect(true)
			return nil
		},
	},
	"connection": {
		help: "Print the connection state",
		handler: func(_ context.Context, env *environment, _ map[string]string) error {
			fmt.Println(env.session.State())
			return nil
		},
	},
	"vehicles": {
		help:        "List the vehicles of the account",
		requiresAPI: true,
		handler: func(ctx context.Context, env *environment, _ map[string]string) error {
			if err := env.acct.RefreshVehicles(ctx, nil); err != nil {
				return err
			}
			for _, v := range env.acct.Vehicles() {
				fmt.Printf("%s\t%s\tauthorized=%t\n", v.VIN, v.DisplayName, v.Authorized)
			}
			return nil
		},
	},
	"services": {
		help:        "List the services of the selected vehicle",
		requiresVIN: true,
		requiresAPI: true,
		handler: func(ctx context.Context, env *environment, _ map[string]string) error {
			vin := env.vehicles.SelectedVIN()
			if err := env.acct.RefreshServices(ctx, vin, nil); err != nil {
				return err
			}
			for _, service := range env.acct.Services(vin) {
				fmt.Printf("%d\t%s\t%s\n", service.ID, service.Name, service.Status)
			}
			return nil
		},
	},
	"pending": {
		help:        "List commands the backend is still processing",
		requiresAPI: true,
		handler: func(_ context.Context, env *environment, _ map[string]string) error {
			fmt.Printf("%d commands awaiting status\n", env.session.PendingCommands())
			for _, c := range env.acct.PendingCommands() {
				fmt.Printf("%s\t%s\t%s\n", c.RequestID, c.VIN, c.Command)
			}
			return nil
		},
	},
}
