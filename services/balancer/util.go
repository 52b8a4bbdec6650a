// Copyright (C) The Stratofs Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"git.stratofs.org/stratofs.git/sdk/go/stratofs"
)

// hostSet is a set of host specifications from -exclude/-include. A
// node matches if its peer hostname, IP address, or hostname -- with
// or without the transfer port -- appears in the set.
type hostSet map[string]bool

func parseHostList(s string) hostSet {
	hs := hostSet{}
	for _, host := range strings.Split(s, ",") {
		host = strings.TrimSpace(host)
		if host != "" {
			hs[host] = true
		}
	}
	return hs
}

func readHostFile(path string) (hostSet, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open file: %s", path)
	}
	hs := hostSet{}
	for _, line := range strings.Split(string(buf), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		hs[line] = true
	}
	return hs, nil
}

func (hs hostSet) contains(n stratofs.NodeInfo) bool {
	_, port, err := net.SplitHostPort(n.TransferAddr)
	if err != nil {
		port = ""
	}
	for _, host := range []string{n.PeerHostname, n.IPAddr, n.Hostname} {
		if host == "" {
			continue
		}
		if hs[host] {
			return true
		}
		if port != "" && hs[host+":"+port] {
			return true
		}
	}
	return false
}

// formatDuration renders an elapsed time the way operators read it in
// the closing summary line.
func formatDuration(elapsed time.Duration) string {
	switch {
	case elapsed < time.Second:
		return fmt.Sprintf("%d milliseconds", elapsed.Milliseconds())
	case elapsed < time.Minute:
		return fmt.Sprintf("%.3g seconds", elapsed.Seconds())
	case elapsed < time.Hour:
		return fmt.Sprintf("%.3g minutes", elapsed.Minutes())
	default:
		return fmt.Sprintf("%.3g hours", elapsed.Hours())
	}
}
