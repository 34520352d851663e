// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"net"
	"sort"
	"strings"

	"git.cibroker.org/cibroker.git/sdk/go/cibroker"
	"github.com/jmcvetta/randutil"
)

// A ChooseFunc returns one of the given (non-empty) choices.
type ChooseFunc func(choices []string) (string, error)

// EligibleWorkers returns the sorted names of the slaves in dir that
// advertise at least one of the given tags. If no tags are given,
// all slaves are eligible.
//
// Names that are not usable as a bare host name (for example
// "host:9000", which already includes a port) are never eligible:
// the job API port is always the configured one.
func EligibleWorkers(dir cibroker.WorkerDirectory, tags []string) []string {
	var names []string
	for name, info := range dir {
		if !validHostName(name) {
			continue
		}
		if len(tags) == 0 || hasAnyTag(info.Tags, tags) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// validHostName returns false if name is empty, contains a path or
// whitespace, or already includes a port. Bare IPv6 addresses are
// accepted.
func validHostName(name string) bool {
	if name == "" || strings.ContainsAny(name, "/?#@[] \t\r\n") {
		return false
	}
	if _, _, err := net.SplitHostPort(name); err == nil {
		return false
	}
	return true
}

func hasAnyTag(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

// SelectWorker picks one of the eligible slaves in dir using choose,
// or uniformly at random if choose is nil. If no slave is eligible,
// ok is false.
func SelectWorker(dir cibroker.WorkerDirectory, tags []string, choose ChooseFunc) (name string, ok bool, err error) {
	eligible := EligibleWorkers(dir, tags)
	if len(eligible) == 0 {
		return "", false, nil
	}
	if choose == nil {
		choose = randutil.ChoiceString
	}
	name, err = choose(eligible)
	if err != nil {
		return "", false, err
	}
	return name, true, nil
}
