// Copyright (C) The Stratofs Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"git.stratofs.org/stratofs.git/sdk/go/stratofs"
)

// BalancingPolicy defines what "utilization" means for a storage
// group. Reports are fed to AccumulateSpaces first; after
// InitAvgUtilization, per-report and cluster-average figures (in
// percent) are available.
type BalancingPolicy interface {
	Name() string
	AccumulateSpaces(r stratofs.NodeStorageReport)
	InitAvgUtilization()
	// Utilization returns the utilization of storage type t on
	// the reported node, and false if the node has no storage of
	// that type.
	Utilization(r stratofs.NodeStorageReport, t stratofs.StorageType) (float64, bool)
	AvgUtilization(t stratofs.StorageType) float64
	Reset()
}

// ParsePolicy returns a fresh policy instance for the given name.
func ParsePolicy(name string) (BalancingPolicy, error) {
	switch name {
	case "node":
		return &nodePolicy{}, nil
	case "pool":
		return &poolPolicy{}, nil
	default:
		return nil, fmt.Errorf("unsupported balancing policy %q", name)
	}
}

// nodePolicy sums all storage types on a node into one figure: a node
// is balanced when its overall disk usage matches the cluster's.
type nodePolicy struct {
	totalCapacity int64
	totalUsed     int64
	avg           float64
}

func (p *nodePolicy) Name() string { return "node" }

func (p *nodePolicy) AccumulateSpaces(r stratofs.NodeStorageReport) {
	for _, s := range r.Storage {
		p.totalCapacity += s.Capacity
		p.totalUsed += s.Used
	}
}

func (p *nodePolicy) InitAvgUtilization() {
	if p.totalCapacity > 0 {
		p.avg = float64(p.totalUsed) * 100 / float64(p.totalCapacity)
	}
}

func (p *nodePolicy) Utilization(r stratofs.NodeStorageReport, t stratofs.StorageType) (float64, bool) {
	var capacity, used int64
	var present bool
	for _, s := range r.Storage {
		capacity += s.Capacity
		used += s.Used
		if s.Type == t && s.Capacity > 0 {
			present = true
		}
	}
	if !present || capacity == 0 {
		return 0, false
	}
	return float64(used) * 100 / float64(capacity), true
}

func (p *nodePolicy) AvgUtilization(stratofs.StorageType) float64 { return p.avg }

func (p *nodePolicy) Reset() {
	p.totalCapacity = 0
	p.totalUsed = 0
	p.avg = 0
}

// poolPolicy balances each storage type independently.
type poolPolicy struct {
	capacity map[stratofs.StorageType]int64
	used     map[stratofs.StorageType]int64
	avg      map[stratofs.StorageType]float64
}

func (p *poolPolicy) Name() string { return "pool" }

func (p *poolPolicy) AccumulateSpaces(r stratofs.NodeStorageReport) {
	if p.capacity == nil {
		p.Reset()
	}
	for _, s := range r.Storage {
		p.capacity[s.Type] += s.Capacity
		p.used[s.Type] += s.Used
	}
}

func (p *poolPolicy) InitAvgUtilization() {
	if p.capacity == nil {
		p.Reset()
	}
	for t, capacity := range p.capacity {
		if capacity > 0 {
			p.avg[t] = float64(p.used[t]) * 100 / float64(capacity)
		}
	}
}

func (p *poolPolicy) Utilization(r stratofs.NodeStorageReport, t stratofs.StorageType) (float64, bool) {
	var capacity, used int64
	for _, s := range r.Storage {
		if s.Type == t {
			capacity += s.Capacity
			used += s.Used
		}
	}
	if capacity == 0 {
		return 0, false
	}
	return float64(used) * 100 / float64(capacity), true
}

func (p *poolPolicy) AvgUtilization(t stratofs.StorageType) float64 {
	if p.avg == nil {
		return 0
	}
	return p.avg[t]
}

func (p *poolPolicy) Reset() {
	p.capacity = make(map[stratofs.StorageType]int64)
	p.used = make(map[stratofs.StorageType]int64)
	p.avg = make(map[stratofs.StorageType]float64)
}
