// Package main implements pio, a command line driver for the parallel I/O
// runtime. Commands that need a world start their ranks inside the process,
// one goroutine per rank, connected by in-memory communicators.
//
// Commands:
//
//	strerror CODE...   print the message of status codes
//	mapgen PATH        write a block decomposition map file
//	mapinfo PATH       summarize a map file
//	create PATH        create a file collectively
//	open PATH          open a file collectively, with optional serial retry
//	write PATH         create a file and write block-decomposed variables
//	health             check the HTTP endpoints of running pionode ranks
//
// Tunables come from the PIO_* environment variables, with an optional
// dotenv file (--env-file) filling in the unset ones.
//
// Example usage:
//
//	pio mapgen --np 4 --dims 16,8 decomp.dat.gz
//	pio open --np 4 --io 2 --async --iotype pnetcdf --retry data.nc
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dreamware/pario/internal/config"
	piolog "github.com/dreamware/pario/internal/log"
)

// exit is a variable to allow mocking os.Exit in tests.
var exit = os.Exit

// globals holds the flags shared by every command.
type globals struct {
	stderr    io.Writer
	envFile   string
	verbose   int
	logFormat string
	metrics   bool
}

func (g *globals) tunables() (config.Tunables, error) {
	if g.envFile == "" {
		return config.FromEnv()
	}
	return config.FromEnv(g.envFile)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globals{stderr: stderr}
	root := &cobra.Command{
		Use:           "pio",
		Short:         "Drive the parallel I/O runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	fs := root.PersistentFlags()
	fs.StringVar(&g.envFile, "env-file", "", "dotenv file read for unset PIO_* variables")
	fs.CountVarP(&g.verbose, "verbose", "v", "log verbosity, repeat for more")
	fs.StringVar(&g.logFormat, "log-format", piolog.FormatConsole, "log encoding: console or json")
	fs.BoolVar(&g.metrics, "metrics", false, "print runtime counters when the command ends")

	root.AddCommand(
		newStrerrorCmd(),
		newMapgenCmd(g),
		newMapinfoCmd(),
		newOpenCmd(g, true),
		newOpenCmd(g, false),
		newWriteCmd(g),
		newHealthCmd(g),
	)
	return root
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "pio: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
