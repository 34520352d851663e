// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"errors"
	"fmt"
	"math/rand"

	"git.cibroker.org/cibroker.git/sdk/go/cibroker"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&SelectorSuite{})

type SelectorSuite struct{}

func (*SelectorSuite) TestEligibleNoTags(c *check.C) {
	dir := cibroker.WorkerDirectory{
		"w2": {Tags: []string{"cpu"}},
		"w1":             {},
		"w3": {Tags: []string{"gpu"}},
	}
	c.Check(EligibleWorkers(dir, nil), check.DeepEquals, []string{"w1", "w2", "w3"})
}

func (*SelectorSuite) TestEligibleMatchAny(c *check.C) {
	dir := cibroker.WorkerDirectory{
		"w1": {Tags: []string{"gpu", "linux"}},
		"w2": {Tags: []string{"cpu"}},
		"w3": {Tags: []string{"arm", "linux"}},
		"w4": {},
	}
	c.Check(EligibleWorkers(dir, []string{"linux"}), check.DeepEquals, []string{"w1", "w3"})
	c.Check(EligibleWorkers(dir, []string{"cpu", "arm"}), check.DeepEquals, []string{"w2", "w3"})
	c.Check(EligibleWorkers(dir, []string{"sparc"}), check.HasLen, 0)
}

func (*SelectorSuite) TestEligibleSkipsHostPort(c *check.C) {
	dir := cibroker.WorkerDirectory{
		"w1":             {},
		"w2:9000":        {},
		"[fe80::2]:9000": {},
		"fe80::1":        {},
		"10.0.0.1":       {},
		"w3/jobs":        {},
		"":               {},
	}
	c.Check(EligibleWorkers(dir, nil), check.DeepEquals, []string{"10.0.0.1", "fe80::1", "w1"})

	name, ok, err := SelectWorker(cibroker.WorkerDirectory{"w2:9000": {}}, nil, nil)
	c.Check(err, check.IsNil)
	c.Check(ok, check.Equals, false)
	c.Check(name, check.Equals, "")
}

func (*SelectorSuite) TestSelectNone(c *check.C) {
	dir := cibroker.WorkerDirectory{"w1": {Tags: []string{"cpu"}}}
	name, ok, err := SelectWorker(dir, []string{"gpu"}, nil)
	c.Check(err, check.IsNil)
	c.Check(ok, check.Equals, false)
	c.Check(name, check.Equals, "")

	_, ok, err = SelectWorker(cibroker.WorkerDirectory{}, nil, nil)
	c.Check(err, check.IsNil)
	c.Check(ok, check.Equals, false)
}

// A tagged request only ever gets the slave that has the tag.
func (*SelectorSuite) TestSelectTagged(c *check.C) {
	dir := cibroker.WorkerDirectory{
		"w1": {Tags: []string{"gpu"}},
		"w2": {Tags: []string{"cpu"}},
	}
	for i := 0; i < 1000; i++ {
		name, ok, err := SelectWorker(dir, []string{"gpu"}, nil)
		c.Assert(err, check.IsNil)
		c.Assert(ok, check.Equals, true)
		c.Assert(name, check.Equals, "w1")
	}
}

func (*SelectorSuite) TestNeverDisjoint(c *check.C) {
	alltags := []string{"a", "b", "c", "d", "e", "f"}
	pick := func(n int) []string {
		var tags []string
		for _, i := range rand.Perm(len(alltags))[:n] {
			tags = append(tags, alltags[i])
		}
		return tags
	}
	for trial := 0; trial < 500; trial++ {
		dir := cibroker.WorkerDirectory{}
		for w := 0; w < 1+rand.Intn(8); w++ {
			dir[fmt.Sprintf("w%d", w)] = cibroker.WorkerInfo{Tags: pick(rand.Intn(3))}
		}
		want := pick(1 + rand.Intn(2))
		name, ok, err := SelectWorker(dir, want, nil)
		c.Assert(err, check.IsNil)
		if !ok {
			for name, info := range dir {
				c.Check(hasAnyTag(info.Tags, want), check.Equals, false, check.Commentf("%s %v was eligible for %v", name, info.Tags, want))
			}
			continue
		}
		c.Check(hasAnyTag(dir[name].Tags, want), check.Equals, true, check.Commentf("picked %s %v for %v", name, dir[name].Tags, want))
	}
}

func (*SelectorSuite) TestUniform(c *check.C) {
	dir := cibroker.WorkerDirectory{
		"w1": {Tags: []string{"linux"}},
		"w2": {Tags: []string{"linux"}},
		"w3": {Tags: []string{"linux", "gpu"}},
		"w4": {Tags: []string{"windows"}},
	}
	const trials = 30000
	counts := map[string]int{}
	for i := 0; i < trials; i++ {
		name, ok, err := SelectWorker(dir, []string{"linux"}, nil)
		c.Assert(err, check.IsNil)
		c.Assert(ok, check.Equals, true)
		counts[name]++
	}
	c.Check(counts, check.HasLen, 3)
	c.Check(counts["w4"], check.Equals, 0)
	for _, name := range []string{"w1", "w2", "w3"} {
		// Expect 10000 each; stddev is about 82.
		c.Check(counts[name] > 9000 && counts[name] < 11000, check.Equals, true, check.Commentf("%s picked %d times", name, counts[name]))
	}
}

func (*SelectorSuite) TestChooseFunc(c *check.C) {
	dir := cibroker.WorkerDirectory{"w1": {}, "w2": {}, "w3": {}}
	var offered []string
	name, ok, err := SelectWorker(dir, nil, func(choices []string) (string, error) {
		offered = choices
		return choices[len(choices)-1], nil
	})
	c.Check(err, check.IsNil)
	c.Check(ok, check.Equals, true)
	c.Check(name, check.Equals, "w3")
	c.Check(offered, check.DeepEquals, []string{"w1", "w2", "w3"})

	_, ok, err = SelectWorker(dir, nil, func([]string) (string, error) {
		return "", errors.New("no entropy")
	})
	c.Check(err, check.ErrorMatches, "no entropy")
	c.Check(ok, check.Equals, false)
}
