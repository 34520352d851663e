// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"os"

	"git.cibroker.org/cibroker.git/lib/client"
	"git.cibroker.org/cibroker.git/lib/cmd"
	"git.cibroker.org/cibroker.git/lib/config"
	"rsc.io/getopt"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"run": client.Command,

		"config-check":    config.CheckCommand,
		"config-dump":     config.DumpCommand,
		"config-defaults": config.DumpDefaultsCommand,
	})
)

// fixArgs lets settings flags appear before the subcommand, as in
// "cibroker-client -f client.yml config-check", and runs the "run"
// subcommand when none is given, as in "cibroker-client --command
// 'make test'".
func fixArgs(args []string) []string {
	flags := getopt.NewFlagSet("", flag.ContinueOnError)
	config.NewLoader(nil, nil).SetupFlags(flags)
	return cmd.DefaultSubcommand(handler, "run", cmd.SubcommandToFront(args, flags))
}

func main() {
	os.Exit(handler.RunCommand(os.Args[0], fixArgs(os.Args[1:]), os.Stdin, os.Stdout, os.Stderr))
}
