// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"flag"
	"fmt"
	"io"

	"git.cibroker.org/cibroker.git/lib/cmd"
	"git.cibroker.org/cibroker.git/sdk/go/ctxlog"
	"github.com/ghodss/yaml"
	"rsc.io/getopt"
)

// DumpCommand prints the resolved settings as YAML, after applying
// defaults, the config file, and command line flags.
var DumpCommand dumpCommand

type dumpCommand struct{}

func (dumpCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	loader := NewLoader(stdin, ctxlog.New(stderr, "text", "info"))
	loader.SkipCheck = true
	flags := getopt.NewFlagSet(prog, flag.ContinueOnError)
	loader.SetupFlags(flags)
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	s, err := loader.Load()
	if err != nil {
		return 1
	}
	out, err := yaml.Marshal(s)
	if err != nil {
		return 1
	}
	_, err = stdout.Write(out)
	if err != nil {
		return 1
	}
	return 0
}

// CheckCommand loads the settings and reports whether they are
// usable. Unknown config keys are reported and make the check fail.
var CheckCommand checkCommand

type checkCommand struct{}

func (checkCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	log := &plainLogger{w: stderr}
	loader := NewLoader(stdin, nil)
	flags := getopt.NewFlagSet(prog, flag.ContinueOnError)
	loader.SetupFlags(flags)
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	loader.Logger = ctxlog.New(log, "text", "warn")
	_, err = loader.Load()
	if err != nil {
		return 1
	}
	if log.used {
		return 1
	}
	return 0
}

// plainLogger is an io.Writer for a logger that records whether
// anything was logged.
type plainLogger struct {
	w    io.Writer
	used bool
}

func (pl *plainLogger) Write(p []byte) (int, error) {
	pl.used = true
	return pl.w.Write(p)
}

// DumpDefaultsCommand prints the default settings.
var DumpDefaultsCommand defaultsCommand

type defaultsCommand struct{}

func (defaultsCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	_, err = stdout.Write(DefaultYAML)
	if err != nil {
		return 1
	}
	return 0
}
