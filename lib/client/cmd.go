// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package client implements the "run" command, which runs one shell
// command on a slave and copies its log to stdout.
package client

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"git.cibroker.org/cibroker.git/lib/cmd"
	"git.cibroker.org/cibroker.git/lib/config"
	"git.cibroker.org/cibroker.git/lib/dispatch"
	"git.cibroker.org/cibroker.git/sdk/go/cibroker"
	"git.cibroker.org/cibroker.git/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"rsc.io/getopt"
)

// Time allowed for deleting the job after the run has been
// interrupted.
const cleanupTimeout = time.Minute

var Command cmd.Handler = command{}

type command struct{}

func (command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	logger := ctxlog.New(stderr, "text", "info")
	loader := config.NewLoader(stdin, logger)
	flags := getopt.NewFlagSet(prog, flag.ContinueOnError)
	loader.SetupFlags(flags)
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	settings, err := loader.Load()
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return cmd.EXIT_INVALIDARGUMENT
	}
	logger = ctxlog.New(stderr, settings.LogFormat, settings.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = ctxlog.Context(ctx, logger)

	r := &Runner{
		Settings: settings,
		Stdout:   stdout,
		Logger:   logger,
	}
	outcome, err := r.Run(ctx)
	return exitCode(outcome, err)
}

func exitCode(outcome dispatch.Outcome, err error) int {
	if err != nil || outcome != dispatch.JobSucceeded {
		return 1
	}
	return 0
}

// A Runner acquires a slave, submits the configured command, and
// follows the job to completion.
type Runner struct {
	Settings *cibroker.Settings

	// Destination for the job's log lines.
	Stdout io.Writer

	Logger logrus.FieldLogger

	// Client used for coordinator and slave requests. If nil, a
	// new client is built from Settings.
	Client *cibroker.Client

	// Registry for metrics. If nil, a new registry is used. It is
	// written to Settings.MetricsFile, if set, when Run returns.
	Registry *prometheus.Registry

	// Slave selection policy. Nil means uniformly at random.
	Choose dispatch.ChooseFunc
}

// Run returns the job's outcome. The returned error is non-nil if no
// job was submitted, if the job could not be followed to completion,
// or if ctx was cancelled first.
func (r *Runner) Run(ctx context.Context) (dispatch.Outcome, error) {
	logger := r.Logger
	if logger == nil {
		logger = ctxlog.FromContext(ctx)
	}
	client := r.Client
	if client == nil {
		client = cibroker.NewClientFromSettings(r.Settings)
		client.Logger = logger
	}
	reg := r.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	metrics := dispatch.NewMetrics(reg)
	defer r.writeMetrics(logger, reg)

	acq := &dispatch.Acquirer{
		Coordinator:    client,
		Jobs:           client,
		CoordinatorURL: r.Settings.Coordinator,
		Protocol:       r.Settings.Protocol,
		Port:           r.Settings.Port,
		Tags:           r.Settings.Tags,
		Command:        r.Settings.Command,
		Interval:       time.Duration(r.Settings.CoordinatorInterval),
		MaxAttempts:    r.Settings.MaxAttempts,
		Choose:         r.Choose,
		Logger:         logger,
		Metrics:        metrics,
	}
	job, err := acq.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			logger.Warn("interrupted before the job was submitted")
		}
		return dispatch.OutcomeUnknown, err
	}

	mon := &dispatch.Monitor{
		Jobs:     client,
		Job:      job,
		Interval: time.Duration(r.Settings.SlavePollInterval),
		PageSize: r.Settings.LogPageSize,
		Stdout:   r.Stdout,
		Logger:   logger,
		Metrics:  metrics,
	}
	outcome, err := mon.Run(ctx)
	if err != nil && ctx.Err() != nil {
		logger.WithField("JobID", job.ID).Warn("interrupted, deleting job from slave")
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		mon.Cleanup(cleanupCtx)
	}
	return outcome, err
}

func (r *Runner) writeMetrics(logger logrus.FieldLogger, reg *prometheus.Registry) {
	if r.Settings.MetricsFile == "" {
		return
	}
	err := prometheus.WriteToTextfile(r.Settings.MetricsFile, reg)
	if err != nil {
		logger.WithError(err).Warn("error writing metrics file")
	}
}
