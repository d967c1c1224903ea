package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/fdfe-tools/market-session/internal/log"
	"github.com/fdfe-tools/market-session/pkg/cli"
	"github.com/fdfe-tools/market-session/pkg/market"
	"github.com/fdfe-tools/market-session/pkg/session"
	"github.com/fdfe-tools/market-session/pkg/wire"
)

var (
	ErrCommandLineArgs = errors.New("invalid command line arguments")
	ErrUnknownCommand  = errors.New("unrecognized command")
)

type Argument struct {
	name string
	help string
}

// environment holds what handlers need. The session is created on first use so that commands
// that only touch the token store never contact the API.
type environment struct {
	config  *cli.Config
	logger  *log.Logger
	session *session.Session
	out     io.Writer
	raw     bool
}

func (e *environment) Session(ctx context.Context) (*session.Session, error) {
	if e.session == nil {
		s, err := e.config.Session(ctx, e.logger)
		if err != nil {
			return nil, err
		}
		e.session = s
	}
	return e.session, nil
}

func (e *environment) Client(ctx context.Context) (*market.Client, error) {
	s, err := e.Session(ctx)
	if err != nil {
		return nil, err
	}
	return market.NewClient(s, e.logger), nil
}

func (e *environment) print(msg wire.Message) error {
	if e.raw {
		_, err := e.out.Write(msg)
		return err
	}
	fmt.Fprintf(e.out, "%d bytes\n", len(msg))
	_, err := io.WriteString(e.out, hex.Dump(msg))
	return err
}

type Handler func(ctx context.Context, env *environment, args map[string]string) error

type Command struct {
	help     string
	args     []Argument
	optional []Argument
	handler  Handler
}

func parseOptionalInt(args map[string]string, name string) (*int, error) {
	value, ok := args[name]
	if !ok {
		return nil, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("%w: %s must be a non-negative integer", ErrCommandLineArgs, name)
	}
	return &n, nil
}

// reviewOptions translates command-line arguments into market.ReviewOptions.
func reviewOptions(args map[string]string) (market.ReviewOptions, error) {
	var opts market.ReviewOptions
	var err error
	if s, ok := args["SORT"]; ok {
		if opts.Sort, err = market.ParseSort(s); err != nil {
			return opts, fmt.Errorf("%w: %s", ErrCommandLineArgs, err)
		}
	}
	if opts.NumResults, err = parseOptionalInt(args, "COUNT"); err != nil {
		return opts, err
	}
	if opts.Offset, err = parseOptionalInt(args, "OFFSET"); err != nil {
		return opts, err
	}
	if f, ok := args["DEVICE_FILTER"]; ok {
		if opts.FilterByDevice, err = strconv.ParseBool(f); err != nil {
			return opts, fmt.Errorf("%w: DEVICE_FILTER must be true or false", ErrCommandLineArgs)
		}
	}
	return opts, nil
}

func execute(ctx context.Context, env *environment, args []string) error {
	if len(args) == 0 {
		return errors.New("missing COMMAND")
	}

	info, ok := commands[args[0]]
	if !ok {
		return ErrUnknownCommand
	}

	var err error
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

var commands = map[string]*Command{
	"reviews": &Command{
		help: "Fetch reviews of an app",
		args: []Argument{
			Argument{name: "PACKAGE", help: "Package name, e.g. com.example.app"},
		},
		optional: []Argument{
			Argument{name: "SORT", help: "One of: newest, rating, helpful (default newest)"},
			Argument{name: "COUNT", help: "Number of reviews to return"},
			Argument{name: "OFFSET", help: "Index of the first review to return"},
			Argument{name: "DEVICE_FILTER", help: "true to only include reviews from similar devices"},
		},
		handler: func(ctx context.Context, env *environment, args map[string]string) error {
			opts, err := reviewOptions(args)
			if err != nil {
				return err
			}
			client, err := env.Client(ctx)
			if err != nil {
				return err
			}
			msg, err := client.Reviews(ctx, args["PACKAGE"], opts)
			if err != nil {
				return err
			}
			return env.print(msg)
		},
	},
	"details": &Command{
		help: "Fetch the details page (including aggregate rating) of an app",
		args: []Argument{
			Argument{name: "PACKAGE", help: "Package name, e.g. com.example.app"},
		},
		handler: func(ctx context.Context, env *environment, args map[string]string) error {
			client, err := env.Client(ctx)
			if err != nil {
				return err
			}
			msg, err := client.Details(ctx, args["PACKAGE"])
			if err != nil {
				return err
			}
			return env.print(msg)
		},
	},
	"browse": &Command{
		help: "Fetch the top-level category listing",
		handler: func(ctx context.Context, env *environment, args map[string]string) error {
			client, err := env.Client(ctx)
			if err != nil {
				return err
			}
			msg, err := client.Browse(ctx)
			if err != nil {
				return err
			}
			return env.print(msg)
		},
	},
	"get": &Command{
		help: "Request an arbitrary API path and print the response payload",
		args: []Argument{
			Argument{name: "PATH", help: "Path relative to the API base URL, e.g. details?doc=com.example.app"},
		},
		handler: func(ctx context.Context, env *environment, args map[string]string) error {
			s, err := env.Session(ctx)
			if err != nil {
				return err
			}
			rsp, err := s.Execute(ctx, args["PATH"], nil)
			if err != nil {
				return err
			}
			return env.print(rsp.Payload)
		},
	},
	"validate": &Command{
		help: "Check whether the stored token is accepted",
		handler: func(ctx context.Context, env *environment, args map[string]string) error {
			s, err := env.Session(ctx)
			if err != nil {
				return err
			}
			if !s.Validate(ctx) {
				return errors.New("token rejected")
			}
			fmt.Fprintln(env.out, "Token accepted")
			return nil
		},
	},
	"login": &Command{
		help: "Obtain a new token and store it, replacing any existing one",
		handler: func(ctx context.Context, env *environment, args map[string]string) error {
			authenticator := env.config.Authenticator(env.logger)
			token, err := authenticator.Login(ctx, env.config.Email, "")
			if err != nil {
				return err
			}
			if err := env.config.Store(env.logger).Save(ctx, token); err != nil {
				return err
			}
			// A session opened earlier in the shell still holds the old token.
			env.session = nil
			fmt.Fprintln(env.out, "Login successful")
			return nil
		},
	},
	"logout": &Command{
		help: "Delete the stored token",
		handler: func(ctx context.Context, env *environment, args map[string]string) error {
			if env.session != nil {
				err := env.session.Logout(ctx)
				env.session = nil
				return err
			}
			return env.config.Store(env.logger).Invalidate(ctx)
		},
	},
}

func writeErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprintf(os.Stderr, "\n")
}
