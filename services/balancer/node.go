// Copyright (C) The Stratofs Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"sync"
	"time"

	"git.stratofs.org/stratofs.git/sdk/go/stratofs"
)

// Node is one storage node participating in this balancing run. It
// owns the per-node move throttle: the pending list is capped at
// maxConcurrentMoves, and a node that recently failed a transfer is
// held in back-off until delayUntil.
type Node struct {
	Info stratofs.NodeInfo

	storageGroups map[stratofs.StorageType]*StorageGroup

	mtx                sync.Mutex
	delayUntil         time.Time
	pending            []*PendingMove
	maxConcurrentMoves int
}

func newNode(info stratofs.NodeInfo, maxConcurrentMoves int) *Node {
	return &Node{
		Info:               info,
		storageGroups:      make(map[stratofs.StorageType]*StorageGroup),
		pending:            make([]*PendingMove, 0, maxConcurrentMoves),
		maxConcurrentMoves: maxConcurrentMoves,
	}
}

// String implements fmt.Stringer.
func (dn *Node) String() string {
	return dn.Info.String()
}

func (dn *Node) put(t stratofs.StorageType, g *StorageGroup) {
	if _, ok := dn.storageGroups[t]; ok {
		panic(fmt.Sprintf("duplicate storage group %s on %s", t, dn.Info.UUID))
	}
	dn.storageGroups[t] = g
}

func (dn *Node) addStorageGroup(t stratofs.StorageType, utilization float64, maxMovable int64) *StorageGroup {
	g := &StorageGroup{
		Node:        dn,
		Type:        t,
		Utilization: utilization,
		MaxMovable:  maxMovable,
	}
	dn.put(t, g)
	return g
}

func (dn *Node) addSource(t stratofs.StorageType, utilization float64, maxMovable int64, bal *Balancer) *Source {
	src := &Source{
		StorageGroup: dn.addStorageGroup(t, utilization, maxMovable),
		bal:          bal,
	}
	src.StorageGroup.source = src
	return src
}

func (dn *Node) activateDelay(d time.Duration) {
	dn.mtx.Lock()
	dn.delayUntil = time.Now().Add(d)
	dn.mtx.Unlock()
}

// caller must hold dn.mtx.
func (dn *Node) delayActive() bool {
	if dn.delayUntil.IsZero() {
		return false
	}
	if time.Now().After(dn.delayUntil) {
		dn.delayUntil = time.Time{}
		return false
	}
	return true
}

// addPending reserves a transfer slot on this node. It fails if the
// node is in back-off or already has maxConcurrentMoves transfers in
// flight.
func (dn *Node) addPending(pm *PendingMove) bool {
	dn.mtx.Lock()
	defer dn.mtx.Unlock()
	if dn.delayActive() || len(dn.pending) >= dn.maxConcurrentMoves {
		return false
	}
	dn.pending = append(dn.pending, pm)
	return true
}

func (dn *Node) removePending(pm *PendingMove) {
	dn.mtx.Lock()
	defer dn.mtx.Unlock()
	for i, p := range dn.pending {
		if p == pm {
			dn.pending = append(dn.pending[:i], dn.pending[i+1:]...)
			return
		}
	}
}

func (dn *Node) pendingEmpty() bool {
	dn.mtx.Lock()
	defer dn.mtx.Unlock()
	return len(dn.pending) == 0
}

func (dn *Node) pendingLen() int {
	dn.mtx.Lock()
	defer dn.mtx.Unlock()
	return len(dn.pending)
}

// StorageGroup is the balancing unit: all storage of one type on one
// node. A group whose utilization is above the cluster average is
// created as a Source (see source field); the other groups are the
// move targets.
type StorageGroup struct {
	Node        *Node
	Type        stratofs.StorageType
	Utilization float64
	// MaxMovable is the number of bytes this group may send or
	// receive in the current iteration.
	MaxMovable int64

	// source is non-nil iff this group is the StorageGroup of a
	// Source.
	source *Source

	mtx       sync.Mutex
	scheduled int64
}

// String implements fmt.Stringer.
func (g *StorageGroup) String() string {
	return fmt.Sprintf("%.2f", g.Utilization)
}

func (g *StorageGroup) displayName() string {
	return g.Node.Info.UUID + ":" + string(g.Type)
}

// hasSpace reports whether the group still has bytes left to
// schedule.
func (g *StorageGroup) hasSpace() bool {
	return g.availableToMove() > 0
}

// availableToMove returns the number of bytes that can still be
// scheduled on this group.
func (g *StorageGroup) availableToMove() int64 {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	return g.MaxMovable - g.scheduled
}

func (g *StorageGroup) incScheduled(size int64) {
	g.mtx.Lock()
	g.scheduled += size
	g.mtx.Unlock()
}

func (g *StorageGroup) scheduledBytes() int64 {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	return g.scheduled
}

func (g *StorageGroup) resetScheduled() {
	g.mtx.Lock()
	g.scheduled = 0
	g.mtx.Unlock()
}

// Task records a planned transfer quota from one source to one
// target. size decrements as individual blocks are dispatched; the
// task is dropped when it reaches zero.
type Task struct {
	target *StorageGroup
	size   int64
}

// Source is a storage group that sends replicas away. It carries the
// per-iteration dispatch state: the planned tasks, the working set of
// candidate blocks, and the remaining block-listing budget.
type Source struct {
	*StorageGroup
	bal *Balancer

	tasks []Task
	// srcBlocks holds pointers into the balancer's global block
	// map, so location updates are visible here without copying.
	srcBlocks       []*BlockRef
	blocksToReceive int64
}

func (s *Source) addTask(task Task) {
	if task.target == s.StorageGroup {
		panic("source and target are the same storage group " + s.displayName())
	}
	s.incScheduled(task.size)
	s.tasks = append(s.tasks, task)
}

// PendingMove is a staged transfer of one block: copy from proxy to
// target, crediting source. It occupies one pending slot on the proxy
// node and one on the target node from selection until the transfer
// finishes or fails.
type PendingMove struct {
	block  *BlockRef
	source *Source
	proxy  *Node
	target *StorageGroup
}

// String implements fmt.Stringer.
func (pm *PendingMove) String() string {
	block, source, proxy, target := pm.block, pm.source, pm.proxy, pm.target
	if block == nil || source == nil || proxy == nil || target == nil {
		return "(reset PendingMove)"
	}
	return fmt.Sprintf("%v with size=%d from %s to %s through %s",
		block.ID, block.Length, source.displayName(), target.displayName(), proxy.Info.UUID)
}

func (pm *PendingMove) reset() {
	pm.block = nil
	pm.source = nil
	pm.proxy = nil
	pm.target = nil
}

type groupKey struct {
	nodeUUID    string
	storageType stratofs.StorageType
}
