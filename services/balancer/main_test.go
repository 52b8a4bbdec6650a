// Copyright (C) The Stratofs Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	"git.stratofs.org/stratofs.git/sdk/go/stratofs"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&mainSuite{})

type mainSuite struct{}

func (s *mainSuite) TestParseDefaults(c *check.C) {
	params, opts, err := parseArgs(nil)
	c.Assert(err, check.IsNil)
	c.Check(params.Policy.Name(), check.Equals, "node")
	c.Check(params.Threshold, check.Equals, 10.0)
	c.Check(params.Excluded, check.HasLen, 0)
	c.Check(params.Included, check.HasLen, 0)
	c.Check(opts.configPath, check.Equals, "")
}

func (s *mainSuite) TestParseFlags(c *check.C) {
	params, opts, err := parseArgs([]string{
		"-policy", "pool",
		"-threshold", "5",
		"-exclude", "dn-1.example,dn-2.example:8441",
		"-config", "/etc/stratofs/balancer.yml",
	})
	c.Assert(err, check.IsNil)
	c.Check(params.Policy.Name(), check.Equals, "pool")
	c.Check(params.Threshold, check.Equals, 5.0)
	c.Check(params.Excluded, check.HasLen, 2)
	c.Check(opts.configPath, check.Equals, "/etc/stratofs/balancer.yml")
}

func (s *mainSuite) TestParseErrors(c *check.C) {
	for _, args := range [][]string{
		{"-threshold", "0.5"},
		{"-threshold", "101"},
		{"-threshold", "x"},
		{"-threshold"},
		{"-policy", "rack"},
		{"-exclude"},
		{"-exclude", "-f"},
		{"-exclude", "a", "-include", "b"},
		{"-bogus"},
	} {
		_, _, err := parseArgs(args)
		c.Check(err, check.NotNil, check.Commentf("args=%v", args))
	}
}

func (s *mainSuite) TestParseHostFile(c *check.C) {
	path := filepath.Join(c.MkDir(), "hosts")
	err := os.WriteFile(path, []byte("dn-1.example\n# comment\n\ndn-2.example:8441\n"), 0644)
	c.Assert(err, check.IsNil)
	params, _, err := parseArgs([]string{"-include", "-f", path})
	c.Assert(err, check.IsNil)
	c.Check(params.Included, check.HasLen, 2)
	c.Check(params.Included["dn-1.example"], check.Equals, true)
	c.Check(params.Included["dn-2.example:8441"], check.Equals, true)
}

func (s *mainSuite) TestHostSetMatching(c *check.C) {
	n := stratofs.NodeInfo{
		UUID:         "dn-1",
		Hostname:     "dn-1.internal",
		PeerHostname: "dn-1.example",
		IPAddr:       "203.0.113.7",
		TransferAddr: "203.0.113.7:8441",
	}
	for spec, want := range map[string]bool{
		"dn-1.example":       true,
		"dn-1.example:8441":  true,
		"dn-1.internal":      true,
		"203.0.113.7":        true,
		"203.0.113.7:8441":   true,
		"dn-1.example:9999":  false,
		"other.example":      false,
		"203.0.113.8":        false,
	} {
		c.Check(parseHostList(spec).contains(n), check.Equals, want,
			check.Commentf("spec=%q", spec))
	}
}

func (s *mainSuite) TestBadArgsExitCode(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := runBalancer("balancer", []string{"-threshold", "200"}, &stdout, &stderr)
	c.Check(code, check.Equals, int(ExitBadArgs))
	c.Check(stderr.String(), check.Matches, `(?s).*Usage: balancer.*`)
	c.Check(stdout.String(), check.Equals, "")
}

func (s *mainSuite) TestNoNameServices(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := runBalancer("balancer", nil, &stdout, &stderr)
	c.Check(code, check.Equals, int(ExitBadArgs))
	c.Check(stderr.String(), check.Matches, `(?s).*no name services configured.*`)
}

func (s *mainSuite) TestVersionFlag(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := runBalancer("balancer", []string{"-version"}, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "balancer dev\n")
}

func (s *mainSuite) TestFormatDuration(c *check.C) {
	c.Check(formatDuration(250*time.Millisecond), check.Equals, "250 milliseconds")
	c.Check(formatDuration(12*time.Second), check.Equals, "12 seconds")
	c.Check(formatDuration(90*time.Second), check.Equals, "1.5 minutes")
	c.Check(formatDuration(2*time.Hour), check.Equals, "2 hours")
}
