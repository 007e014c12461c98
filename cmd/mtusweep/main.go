// SPDX-License-Identifier: GPL-3.0-or-later

// Command mtusweep finds the best MTU pair for a point-to-point tunnel.
//
// Run `mtusweep coordinator` on one end of the tunnel and `mtusweep
// responder` on the other, or `mtusweep simulate` to run both roles
// in-process over a simulated tunnel.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
)

var (
	// args contains the command line arguments (overridable in tests).
	args = os.Args

	// output is the writer for the command output (overridable in tests).
	output io.Writer = os.Stdout

	// exit terminates the process (overridable in tests).
	exit = os.Exit
)

// envVarPrefix is the prefix of the environment variables overriding flags.
const envVarPrefix = "MTUSWEEP"

// ffOptions returns the options shared by all the subcommands.
func ffOptions() []ff.Option {
	return []ff.Option{
		ff.WithEnvVarPrefix(envVarPrefix),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
	}
}

// newRootCommand creates the root command and its subcommands.
func newRootCommand() *ffcli.Command {
	rootFlags := flag.NewFlagSet("mtusweep", flag.ContinueOnError)
	rootFlags.SetOutput(output)
	return &ffcli.Command{
		Name:       "mtusweep",
		ShortUsage: "mtusweep <coordinator|responder|simulate> [flags]",
		ShortHelp:  "Find the best MTU pair for a point-to-point tunnel.",
		FlagSet:    rootFlags,
		Subcommands: []*ffcli.Command{
			newCoordinatorCommand(),
			newResponderCommand(),
			newSimulateCommand(),
		},
		Exec: func(ctx context.Context, args []string) error {
			return flag.ErrHelp
		},
	}
}

func main() {
	// 1. cancel everything on SIGINT and SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// 2. parse and run the selected subcommand
	err := newRootCommand().ParseAndRun(ctx, args[1:])
	switch {
	case err == nil:
		return
	case errors.Is(err, flag.ErrHelp):
		exit(2)
	default:
		fmt.Fprintf(os.Stderr, "mtusweep: %s\n", err.Error())
		exit(1)
	}
}
