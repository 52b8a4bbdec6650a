// Copyright (C) The Stratofs Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package main

import "git.stratofs.org/stratofs.git/sdk/go/stratofs"

// Topology answers locality queries about the cluster network. Rack
// and node group membership come from the labels in the node reports;
// the oracle itself holds no state beyond awareness.
type Topology interface {
	SameRack(a, b stratofs.NodeInfo) bool
	SameNodeGroup(a, b stratofs.NodeInfo) bool
	NodeGroupAware() bool
}

type labelTopology struct {
	nodeGroupAware bool
}

// NewTopology returns a Topology that compares the rack and node
// group labels reported by the name service.
func NewTopology(nodeGroupAware bool) Topology {
	return labelTopology{nodeGroupAware: nodeGroupAware}
}

func (t labelTopology) SameRack(a, b stratofs.NodeInfo) bool {
	return a.Rack != "" && a.Rack == b.Rack
}

func (t labelTopology) SameNodeGroup(a, b stratofs.NodeInfo) bool {
	return t.nodeGroupAware && a.NodeGroup != "" && a.NodeGroup == b.NodeGroup
}

func (t labelTopology) NodeGroupAware() bool {
	return t.nodeGroupAware
}

// Matcher is the locality constraint applied during a pairing pass.
type Matcher int

const (
	// SameNodeGroup pairs groups whose nodes share a node group.
	SameNodeGroup Matcher = iota
	// SameRack pairs groups whose nodes share a rack.
	SameRack
	// AnyOther pairs any two groups.
	AnyOther
)

// String implements fmt.Stringer.
func (m Matcher) String() string {
	switch m {
	case SameNodeGroup:
		return "same node group"
	case SameRack:
		return "same rack"
	default:
		return "any"
	}
}

// Match reports whether nodes a and b may be paired under this
// constraint.
func (m Matcher) Match(t Topology, a, b stratofs.NodeInfo) bool {
	switch m {
	case SameNodeGroup:
		return t.SameNodeGroup(a, b)
	case SameRack:
		return t.SameRack(a, b)
	default:
		return true
	}
}
