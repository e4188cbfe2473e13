// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/juju/cmd/v4"
	"github.com/juju/loggo"

	"github.com/juju/dray/version"
)

var logger = loggo.GetLogger("dray.cmd.drayd")

const (
	// exit_err is the value that is returned when the command cannot
	// even be set up.
	exit_err = 2
	// exit_panic is the value that is returned when we exit due to an
	// unhandled panic.
	exit_panic = 3
)

const draydDoc = `
drayd serves the SFTP subsystem over SSH, storing files in an S3
compatible bucket.

Configuration is read from an optional YAML file given with --config,
and from DRAY_ environment variables, which take precedence.
`

// NewDraydCommand returns the drayd super command with every subcommand
// registered. The version subcommand is provided by the super command.
func NewDraydCommand() *cmd.SuperCommand {
	drayd := cmd.NewSuperCommand(cmd.SuperCommandParams{
		Name:      "drayd",
		Purpose:   "SFTP server backed by object storage",
		Doc:       draydDoc,
		Version:   version.Binary().String(),
		NotifyRun: runNotifier,
	})
	drayd.Register(newRunCommand())
	drayd.Register(newHealthCheckCommand())
	return drayd
}

func runNotifier(name string) {
	logger.Debugf("running %s [%s %s %s]", name, version.Current, runtime.Compiler, runtime.Version())
}

// Main runs drayd with args, returning the exit code.
func Main(args []string) int {
	ctx, err := cmd.DefaultContext()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exit_err
	}
	return cmd.Main(NewDraydCommand(), ctx, args[1:])
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			logger.Criticalf("Unhandled panic: \n%v\n%s", r, debug.Stack())
			os.Exit(exit_panic)
		}
	}()
	os.Exit(Main(os.Args))
}
