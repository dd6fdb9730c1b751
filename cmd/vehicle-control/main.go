package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/teslamotors/vehicle-session/internal/log"
	"github.com/teslamotors/vehicle-session/pkg/cli"
	"github.com/teslamotors/vehicle-session/pkg/connector"
	"github.com/teslamotors/vehicle-session/pkg/protocol"
)

func writeErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprintf(os.Stderr, "\n")
}

const usage = `
 * All commands require a backend server URL, a token URL and an OAuth refresh token.
 * Vehicle commands require a VIN.
 * Account commands require an API host.`

func Usage() {
	fmt.Printf("Usage: %s [OPTION...] COMMAND [ARG...]\n", os.Args[0])
	fmt.Printf("\nRun %s help COMMAND for more information. Valid COMMANDs are listed below.", os.Args[0])
	fmt.Println("")
	fmt.Println(usage)
	fmt.Println("")

	fmt.Printf("Available OPTIONs:\n")
	flag.PrintDefaults()
	fmt.Println("")
	fmt.Printf("Available COMMANDs:\n")
	maxLength := 0
	var labels []string
	for command := range commands {
		labels = append(labels, command)
		if len(command) > maxLength {
			maxLength = len(command)
		}
	}
	sort.Strings(labels)
	for _, command := range labels {
		info := commands[command]
		fmt.Printf("  %s%s %s\n", command, strings.Repeat(" ", maxLength-len(command)), info.help)
	}
}

func runCommand(env *environment, args []string, timeout time.Duration) int {
	ctx := context.Background()
	if info, ok := commands[args[0]]; !ok || !info.unbounded {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := execute(ctx, env, args); err != nil {
		if protocol.MayHaveSucceeded(err) {
			writeErr("Couldn't verify success: %s", err)
		} else if errors.Is(err, protocol.ErrPinInputCancelled) {
			writeErr("Command cancelled")
		} else {
			writeErr("Failed to execute command: %s", err)
		}
		return 1
	}
	return 0
}

func runInteractiveShell(env *environment, timeout time.Duration) int {
	scanner := bufio.NewScanner(os.Stdin)
	for fmt.Printf("> "); scanner.Scan(); fmt.Printf("> ") {
		args, err := shlex.Split(scanner.Text())
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" {
			return 0
		}
		if err != nil {
			writeErr("Invalid command: %s", err)
			continue
		}
		if args[0] == "help" {
			if len(args) > 1 {
				if info, ok := commands[args[1]]; ok {
					info.Usage(args[1])
					continue
				}
			}
			Usage()
			continue
		}
		runCommand(env, args, timeout)
	}
	if err := scanner.Err(); err != nil {
		writeErr("Error reading command: %s", err)
		return 1
	}
	return 0
}

// awaitConnection blocks until states reports a connection or ctx expires.
func awaitConnection(ctx context.Context, initial connector.State, states <-chan connector.State) error {
	state := initial
	for state.Status != connector.StatusConnected {
		select {
		case state = <-states:
			log.Debug("Connection state: %s", state)
			if state.Status == connector.StatusClosed {
				return errors.New("connection closed")
			}
		case <-ctx.Done():
			return fmt.Errorf("could not connect (last state %s): %w", state, ctx.Err())
		}
	}
	return nil
}

func main() {
	status := 1
	defer func() {
		os.Exit(status)
	}()

	var (
		debug       bool
		connTimeout time.Duration
	)
	config, err := cli.NewConfig(cli.FlagAll)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load credential configuration: %s\n", err)
		os.Exit(1)
	}
	flag.Usage = Usage
	flag.BoolVar(&debug, "debug", false, "Enable verbose debugging messages")
	flag.DurationVar(&connTimeout, "connect-timeout", 20*time.Second, "Set timeout for establishing initial connection.")

	config.RegisterCommandLineFlags()
	flag.Parse()
	if !debug {
		if debugEnv, ok := os.LookupEnv("VEHICLE_VERBOSE"); ok {
			debug = debugEnv != "false" && debugEnv != "0"
		}
	}
	config.ReadFromEnvironment()
	if err := config.LoadConfigFile(); err != nil {
		writeErr("Error loading configuration file: %s", err)
		return
	}
	if debug {
		log.SetLevel(log.LevelDebug)
	}

	args := flag.Args()
	if len(args) > 0 && args[0] == "help" {
		if len(args) == 1 {
			Usage()
			status = 0
			return
		}
		info, ok := commands[args[1]]
		if !ok {
			writeErr("Unrecognized command: %s", args[1])
			return
		}
		info.Usage(args[1])
		status = 0
		return
	}
	if len(args) > 0 {
		if _, err := checkReadiness(args[0], config.VIN != "", config.APIHost != ""); err != nil {
			writeErr("Cannot run %s: %s", args[0], err)
			return
		}
	}

	if err := config.LoadCredentials(); err != nil {
		writeErr("Error loading credentials: %s", err)
		return
	}

	s, vehicles, acct, err := config.Connect(newTerminalPins(), nil)
	if err != nil {
		writeErr("Error: %s", err)
		return
	}
	defer s.Stop()

	states := make(chan connector.State, 16)
	initial, _, observer := s.Connect(func(state connector.State) {
		select {
		case states <- state:
		default:
		}
	})
	defer s.Unregister(observer, true)

	ctx, cancel := context.WithTimeout(context.Background(), connTimeout)
	defer cancel()
	if err := awaitConnection(ctx, initial, states); err != nil {
		writeErr("Error: %s", err)
		return
	}

	// The session fails commands after CommandTimeout; wait a little longer so that its error is
	// reported rather than our own deadline.
	timeout := config.CommandTimeout + 2*time.Second
	env := &environment{session: s, vehicles: vehicles, acct: acct}
	if flag.NArg() > 0 {
		status = runCommand(env, flag.Args(), timeout)
	} else {
		status = runInteractiveShell(env, timeout)
	}
}
