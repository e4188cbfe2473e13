// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/cmd/v4"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo"
	"github.com/juju/worker/v4"

	"github.com/juju/dray/internal/agent"
	"github.com/juju/dray/internal/config"
)

const runDoc = `
Runs the SSH server and the HTTP health endpoint until interrupted.
Storage is checked before any connection is accepted; the server waits
up to startup-timeout for it to become available.
`

type runCommand struct {
	cmd.CommandBase

	configFile cmd.FileVar

	lookupEnv config.LookupEnvFunc
	newAgent  func(agent.Config) (worker.Worker, error)

	// notifyStop arranges for the signals that stop the server to be
	// delivered on ch, returning a func that undoes it.
	notifyStop func(ch chan<- os.Signal) func()
}

func newRunCommand() *runCommand {
	return &runCommand{
		lookupEnv: os.LookupEnv,
		newAgent: func(config agent.Config) (worker.Worker, error) {
			return agent.New(config)
		},
		notifyStop: func(ch chan<- os.Signal) func() {
			signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
			return func() { signal.Stop(ch) }
		},
	}
}

// Info is part of the cmd.Command interface.
func (c *runCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "run",
		Purpose: "Run the SFTP server.",
		Doc:     runDoc,
	}
}

// SetFlags is part of the cmd.Command interface.
func (c *runCommand) SetFlags(f *gnuflag.FlagSet) {
	f.Var(&c.configFile, "config", "Path to a YAML configuration file")
}

// Init is part of the cmd.Command interface.
func (c *runCommand) Init(args []string) error {
	return cmd.CheckEmpty(args)
}

// Run is part of the cmd.Command interface.
func (c *runCommand) Run(ctx *cmd.Context) error {
	cfg, err := config.Read(configPath(ctx, c.configFile), c.lookupEnv)
	if err != nil {
		return errors.Trace(err)
	}
	if err := loggo.ConfigureLoggers(cfg.LoggingConfig); err != nil {
		return errors.Trace(err)
	}

	stopping := make(chan os.Signal, 1)
	stopNotify := c.notifyStop(stopping)
	defer stopNotify()

	w, err := c.newAgent(agent.DefaultConfig(cfg))
	if err != nil {
		return errors.Trace(err)
	}
	done := make(chan error, 1)
	go func() {
		done <- w.Wait()
	}()

	select {
	case sig := <-stopping:
		logger.Infof("received %v, shutting down", sig)
		w.Kill()
		return errors.Trace(<-done)
	case err := <-done:
		return errors.Trace(err)
	}
}

// configPath returns the absolute path of the config file, or "" when
// none was given.
func configPath(ctx *cmd.Context, f cmd.FileVar) string {
	if f.Path == "" {
		return ""
	}
	return ctx.AbsPath(f.Path)
}
