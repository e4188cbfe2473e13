// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"os"
	"time"

	"github.com/juju/clock"
	"github.com/juju/cmd/v4"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/juju/dray/internal/agent"
	"github.com/juju/dray/internal/config"
)

const healthCheckDoc = `
Checks once that the configured storage is reachable, prints the result
and exits non-zero if it is not. Intended for container health checks.
`

const defaultHealthCheckTimeout = 10 * time.Second

type healthCheckCommand struct {
	cmd.CommandBase

	out        cmd.Output
	configFile cmd.FileVar
	timeout    time.Duration

	lookupEnv  config.LookupEnvFunc
	newStorage agent.NewStorageFunc
	clock      clock.Clock
}

func newHealthCheckCommand() *healthCheckCommand {
	return &healthCheckCommand{
		lookupEnv:  os.LookupEnv,
		newStorage: agent.NewStorage,
		clock:      clock.WallClock,
	}
}

// Info is part of the cmd.Command interface.
func (c *healthCheckCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "health-check",
		Purpose: "Check that storage is reachable.",
		Doc:     healthCheckDoc,
	}
}

// SetFlags is part of the cmd.Command interface.
func (c *healthCheckCommand) SetFlags(f *gnuflag.FlagSet) {
	f.Var(&c.configFile, "config", "Path to a YAML configuration file")
	f.DurationVar(&c.timeout, "timeout", defaultHealthCheckTimeout, "How long to wait for storage")
	c.out.AddFlags(f, "yaml", map[string]cmd.Formatter{
		"yaml": cmd.FormatYaml,
		"json": cmd.FormatJson,
	})
}

// Init is part of the cmd.Command interface.
func (c *healthCheckCommand) Init(args []string) error {
	if c.timeout <= 0 {
		return errors.NotValidf("timeout %v", c.timeout)
	}
	return cmd.CheckEmpty(args)
}

// Run is part of the cmd.Command interface.
func (c *healthCheckCommand) Run(ctx *cmd.Context) error {
	cfg, err := config.Read(configPath(ctx, c.configFile), c.lookupEnv)
	if err != nil {
		return errors.Trace(err)
	}

	stdctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	store, err := c.newStorage(stdctx, cfg)
	if err != nil {
		return errors.Trace(err)
	}

	report, checkErr := agent.CheckHealth(stdctx, c.clock, cfg.Storage, store)
	if err := c.out.Write(ctx, report); err != nil {
		return errors.Trace(err)
	}
	if checkErr != nil {
		return cmd.ErrSilent
	}
	return nil
}
