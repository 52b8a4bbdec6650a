// Copyright (C) The Stratofs Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"time"

	"git.stratofs.org/stratofs.git/sdk/go/stratofs"
)

// Config holds site configuration: where the name services are and
// how hard the balancer may push the cluster. Runtime choices
// (policy, threshold, node filters) are command line flags, not
// config items -- they express what the operator wants from this run,
// not how the site is laid out.
type Config struct {
	// NameServices lists the base URL of every name service to
	// balance.
	NameServices []string
	AuthToken    string

	LogLevel       string
	LogFormat      string
	ManagementAddr string

	// NodeGroupAware enables the node-group locality tier in
	// pairing and placement checks.
	NodeGroupAware bool

	// BandwidthPerSec is the per-transfer-peer bandwidth cap
	// enforced by the storage nodes. The balancer only reports
	// it; changing it requires a cluster config change.
	BandwidthPerSec stratofs.ByteSize

	DispatcherPoolSize        int
	MoverPoolSize             int
	MaxConcurrentMovesPerNode int

	// MovedBlocksWindow is how long a moved block stays
	// ineligible for another move.
	MovedBlocksWindow stratofs.Duration
	HeartbeatInterval stratofs.Duration
	// BlockMoveTimeout bounds one peer-to-peer block transfer,
	// including the far end's copy time.
	BlockMoveTimeout stratofs.Duration
}

// DefaultConfig returns the configuration used where the config file
// doesn't say otherwise.
func DefaultConfig() Config {
	return Config{
		LogLevel:                  "info",
		LogFormat:                 "text",
		BandwidthPerSec:           1 << 20,
		DispatcherPoolSize:        200,
		MoverPoolSize:             1000,
		MaxConcurrentMovesPerNode: 5,
		MovedBlocksWindow:         stratofs.Duration(2 * maxIterationTime),
		HeartbeatInterval:         stratofs.Duration(3 * time.Second),
		BlockMoveTimeout:          stratofs.Duration(20 * time.Minute),
	}
}
