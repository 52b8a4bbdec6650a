// Copyright (C) The Stratofs Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
)

var exampleConfigFile = []byte(`
    NameServices:
      - https://ns0.cluster.example:8440
    AuthToken: xyzzy
    ManagementAddr: ":9005"
    NodeGroupAware: false
    BandwidthPerSec: 1MiB
    DispatcherPoolSize: 200
    MoverPoolSize: 1000
    MaxConcurrentMovesPerNode: 5
    MovedBlocksWindow: 40m0s
    HeartbeatInterval: 3s
    BlockMoveTimeout: 20m0s`)

func usage(out io.Writer) {
	fmt.Fprintf(out, `

balancer rebalances byte occupancy across the storage nodes of a
cluster. It moves block replicas from over-utilized storage groups to
under-utilized ones, peer to peer, until every group's utilization is
within the threshold of the cluster average.

Usage: balancer [options]

Options:
    -policy <node|pool>
        the balancing policy: "node" balances total disk usage per
        node, "pool" balances each storage type independently
        (default "node")
    -threshold <threshold>
        percentage of disk capacity, in the range [1.0, 100.0]
        (default 10.0)
    -exclude [-f <hosts-file> | <comma-separated list of hosts>]
        excludes the specified nodes
    -include [-f <hosts-file> | <comma-separated list of hosts>]
        includes only the specified nodes
    -config <path>
        site configuration file (YAML or JSON)
    -version
        print version information and exit

Example config file:
%s
`, exampleConfigFile)
}
