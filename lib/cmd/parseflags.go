// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"flag"
	"fmt"
	"io"
)

// ParseFlags parses args with f, reporting problems and -help output
// to stderr.
//
// positional describes the accepted positional arguments for the
// usage message ("Usage: {prog} [options] {positional}"). If it is
// empty, any positional argument is a usage error.
//
// If ok is false the caller should exit right away with exitCode,
// which is 0 after -help and EXIT_INVALIDARGUMENT after a usage
// error.
func ParseFlags(f FlagSet, prog string, args []string, positional string, stderr io.Writer) (ok bool, exitCode int) {
	f.Init(prog, flag.ContinueOnError)
	f.SetOutput(io.Discard)
	err := f.Parse(args)
	switch {
	case err == flag.ErrHelp:
		printUsage(f, prog, positional, stderr)
		return false, 0
	case err != nil:
		fmt.Fprintf(stderr, "error parsing command line arguments: %s (try -help)\n", err)
		return false, EXIT_INVALIDARGUMENT
	case f.NArg() > 0 && positional == "":
		fmt.Fprintf(stderr, "unrecognized command line arguments: %v (try -help)\n", f.Args())
		return false, EXIT_INVALIDARGUMENT
	default:
		return true, 0
	}
}

// Used to recognize the flag package's default Usage func, which
// can't be compared directly.
var defaultUsage = fmt.Sprintf("%p", flag.NewFlagSet("", flag.ContinueOnError).Usage)

// printUsage calls f's own Usage func if the caller set one, and
// otherwise prints a usage line followed by the flag defaults.
func printUsage(f FlagSet, prog, positional string, stderr io.Writer) {
	f.SetOutput(stderr)
	if fs, ok := f.(*flag.FlagSet); ok && fs.Usage != nil && fmt.Sprintf("%p", fs.Usage) != defaultUsage {
		fs.Usage()
		return
	}
	fmt.Fprintf(stderr, "Usage: %s [options] %s\n", prog, positional)
	f.PrintDefaults()
}
