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

	"github.com/fdfe-tools/market-session/pkg/cli"
	"github.com/fdfe-tools/market-session/pkg/market"
	"github.com/fdfe-tools/market-session/pkg/protocol"
)

const usage = `
 * Every command other than login and logout requires a device id.
 * A token is loaded from the token file or keyring, or obtained with the account
   email and password when none is stored.`

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
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := execute(ctx, env, args); err != nil {
		var fatal *protocol.FatalAuthError
		var failure *protocol.RequestFailure
		switch {
		case errors.As(err, &fatal):
			writeErr("Could not obtain a valid token: %s", err)
			writeErr("Run '%s login' to replace the stored token, or pass -relogin.", os.Args[0])
		case errors.Is(err, protocol.ErrNoCredentials):
			writeErr("An account email and password are required (use -email and $%s)", cli.EnvMarketPassword)
		case errors.As(err, &failure):
			writeErr("Request failed: %s", err)
		case errors.Is(err, market.ErrMissingPayload):
			writeErr("Unexpected response: %s", err)
		default:
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
		runCommand(env, args, timeout)
	}
	if err := scanner.Err(); err != nil {
		writeErr("Error reading command: %s", err)
		return 1
	}
	return 0
}

func main() {
	status := 1
	defer func() {
		os.Exit(status)
	}()

	var (
		debug          bool
		raw            bool
		commandTimeout time.Duration
	)
	config, err := cli.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %s\n", err)
		return
	}
	flag.Usage = Usage
	flag.BoolVar(&debug, "debug", false, "Enable verbose debugging messages")
	flag.BoolVar(&raw, "raw", false, "Write response payloads as raw protobuf instead of a hex dump")
	flag.DurationVar(&commandTimeout, "command-timeout", 2*time.Minute, "Set timeout for each command, including retries.")

	config.RegisterCommandLineFlags()
	flag.Parse()
	if !debug {
		if debugEnv, ok := os.LookupEnv("MARKET_VERBOSE"); ok {
			debug = debugEnv != "false" && debugEnv != "0"
		}
	}
	if debug {
		config.LogLevel = "debug"
	}
	config.ReadFromEnvironment()
	if err := config.ReadConfigFile(); err != nil {
		writeErr("Error loading configuration: %s", err)
		return
	}

	logger, closeLog, err := config.Logger()
	if err != nil {
		writeErr("Error configuring logging: %s", err)
		return
	}
	defer closeLog()

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
		if _, ok := commands[args[0]]; !ok {
			writeErr("Unrecognized command: %s", args[0])
			return
		}
	}

	env := &environment{config: config, logger: logger, out: os.Stdout, raw: raw}
	if len(args) > 0 {
		status = runCommand(env, args, commandTimeout)
	} else {
		status = runInteractiveShell(env, commandTimeout)
	}
}
