// Utility for storing OAuth refresh tokens in the system keyring

package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/teslamotors/vehicle-session/pkg/cli"
)

func usage() {
	w := flag.CommandLine.Output()
	fmt.Fprintf(w, "usage: %s [-token-name token_name] [-delete] [file]\n", filepath.Base(os.Args[0]))
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Reads an OAuth refresh token from stdin or file and saves it under token_name in the")
	fmt.Fprintf(w, "system keyring. The token_name defaults to $%s.\n", cli.EnvVehicleTokenName)
	fmt.Fprintln(w, "")
	flag.PrintDefaults()
}

func main() {
	returnCode := 1
	defer func() {
		os.Exit(returnCode)
	}()

	config, err := cli.NewConfig(cli.FlagOAuth)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load credential configuration: %s\n", err)
		return
	}

	var remove bool
	flag.StringVar(&config.KeyringTokenName, "token-name", "", "Name to use for keyring entry")
	flag.BoolVar(&remove, "delete", false, "Remove the keyring entry instead of writing it")
	flag.Usage = usage
	flag.Parse()
	config.ReadFromEnvironment()
	if err := config.LoadConfigFile(); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration file: %s\n", err)
		return
	}

	if config.KeyringTokenName == "" {
		fmt.Fprintf(os.Stderr, "Must provide system keyring name to save OAuth token under using -token-name or $%s\n", cli.EnvVehicleTokenName)
		return
	}

	if remove {
		if err := config.DeleteTokenFromKeyring(); err != nil {
			fmt.Fprintf(os.Stderr, "Error removing token from keyring: %s\n", err)
			return
		}
		returnCode = 0
		return
	}

	var token []byte
	switch flag.NArg() {
	case 0:
		token, err = io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading token from stdin: %s\n", err)
			return
		}
	case 1:
		token, err = os.ReadFile(flag.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading token from file: %s\n", err)
			return
		}
	default:
		fmt.Fprintln(os.Stderr, "Too many command-line arguments")
		return
	}

	refreshToken := strings.TrimSpace(string(token))
	if refreshToken == "" {
		fmt.Fprintln(os.Stderr, "Token is empty")
		return
	}
	if err := config.SaveTokenToKeyring(refreshToken); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving token to keyring: %s\n", err)
		return
	}

	returnCode = 0
}
