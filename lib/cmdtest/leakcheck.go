// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cmdtest provides tools for testing command line tools.
package cmdtest

import (
	"io"
	"os"

	check "gopkg.in/check.v1"
)

// LeakCheck fails the test if anything is written to os.Stdout or
// os.Stderr before the returned func is called. Commands should only
// write to the stdout and stderr passed to their RunCommand method.
//
//	func (s *Suite) TestSomething(c *check.C) {
//		defer cmdtest.LeakCheck(c)()
//		...
//	}
func LeakCheck(c *check.C) func() {
	traps := []*trap{
		{name: "stdout", target: &os.Stdout},
		{name: "stderr", target: &os.Stderr},
	}
	for _, t := range traps {
		t.set(c)
	}
	return func() {
		for _, t := range traps {
			t.check(c)
		}
	}
}

// A trap temporarily replaces one of the os.* files with an unlinked
// tempfile.
type trap struct {
	name   string
	target **os.File
	orig   *os.File
	tmp    *os.File
}

func (t *trap) set(c *check.C) {
	tmp, err := os.CreateTemp("", "leakcheck-"+t.name+"-")
	c.Assert(err, check.IsNil)
	c.Assert(os.Remove(tmp.Name()), check.IsNil)
	t.orig, t.tmp = *t.target, tmp
	*t.target = tmp
}

func (t *trap) check(c *check.C) {
	*t.target = t.orig
	defer t.tmp.Close()
	_, err := t.tmp.Seek(0, io.SeekStart)
	c.Assert(err, check.IsNil)
	leaked, err := io.ReadAll(t.tmp)
	c.Assert(err, check.IsNil)
	c.Check(string(leaked), check.Equals, "", check.Commentf("leaked to %s", t.name))
}
