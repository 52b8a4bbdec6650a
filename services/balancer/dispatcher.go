// Copyright (C) The Stratofs Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"sync"
	"time"
)

const (
	// maxIterationTime caps one iteration's dispatch loop.
	maxIterationTime = 20 * time.Minute
	// maxBlocksSizeToFetch bounds the metadata byte-size of one
	// block-listing round.
	maxBlocksSizeToFetch = 2 << 30
	// sourceBlockListMinSize is the srcBlocks level below which a
	// source asks the name service for more candidates.
	sourceBlockListMinSize = 5
	// maxNoPendingBlockIterations is how many consecutive
	// selection misses a source tolerates before giving up on its
	// remaining quota for the iteration.
	maxNoPendingBlockIterations = 5
)

// blockMoveWaitTime is the polling period of waitForMoveCompletion.
// Tests shorten it.
var blockMoveWaitTime = 30 * time.Second

// executor is a bounded worker pool: at most size submitted funcs run
// concurrently, the rest queue on the semaphore.
type executor struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

func newExecutor(size int) *executor {
	return &executor{sem: make(chan struct{}, size)}
}

func (e *executor) Go(f func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sem <- struct{}{}
		defer func() { <-e.sem }()
		f()
	}()
}

func (e *executor) Wait() {
	e.wg.Wait()
}

// notifyProgress wakes everybody blocked in waitProgress. Called on
// every state change that could unstick a selector: a pending slot
// released, a back-off armed or expired, bytes moved.
func (bal *Balancer) notifyProgress() {
	bal.progressMtx.Lock()
	close(bal.progressCh)
	bal.progressCh = make(chan struct{})
	bal.progressMtx.Unlock()
}

// waitProgress blocks until the next progress broadcast, but no
// longer than timeout.
func (bal *Balancer) waitProgress(ctx context.Context, timeout time.Duration) {
	bal.progressMtx.Lock()
	ch := bal.progressCh
	bal.progressMtx.Unlock()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
	}
}

// dispatchBlockMoves runs the per-source dispatch loops on the
// dispatcher pool, waits for every in-flight transfer to settle, and
// returns the number of bytes successfully moved.
func (bal *Balancer) dispatchBlockMoves(ctx context.Context) int64 {
	bytesLastMoved := bal.bytesMoved.Load()
	for _, source := range bal.sources {
		source := source
		bal.dispatcherPool.Go(func() { source.dispatchBlocks(ctx) })
	}
	bal.dispatcherPool.Wait()
	bal.waitForMoveCompletion(ctx)
	bal.moverPool.Wait()
	return bal.bytesMoved.Load() - bytesLastMoved
}

// waitForMoveCompletion polls until every target node's pending list
// is empty.
func (bal *Balancer) waitForMoveCompletion(ctx context.Context) {
	for {
		busy := false
		for _, target := range bal.targets {
			if !target.Node.pendingEmpty() {
				busy = true
				break
			}
		}
		if !busy || ctx.Err() != nil {
			return
		}
		timer := time.NewTimer(blockMoveWaitTime)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}
}

// dispatchBlocks is the selection loop for one source: pick a block
// and a proxy, hand the move to the mover pool, refill the candidate
// list when it runs low, and wait for slots when nothing can be
// scheduled. It runs until the source's quota is spent, its
// candidates are exhausted, or the iteration times out.
func (s *Source) dispatchBlocks(ctx context.Context) {
	startTime := time.Now()
	s.blocksToReceive = 2 * s.scheduledBytes()
	noPendingBlockIterations := 0
	for s.scheduledBytes() > 0 && (len(s.srcBlocks) > 0 || s.blocksToReceive > 0) {
		if ctx.Err() != nil {
			return
		}
		if pm := s.chooseNextBlockToMove(); pm != nil {
			s.bal.scheduleBlockMove(ctx, pm)
			noPendingBlockIterations = 0
			continue
		}

		// Nothing schedulable right now: drop blocks that were
		// moved meanwhile, and top up the candidate list if we
		// still have listing budget.
		s.filterMovedBlocks()
		if s.shouldFetchMoreBlocks() {
			received, err := s.getBlockList(ctx)
			if err != nil {
				s.bal.Logger.Warnf("%s: getting block list: %v", s.displayName(), err)
				return
			}
			if received == 0 {
				// An empty listing means the name service
				// has nothing more to offer this iteration.
				s.blocksToReceive = 0
				continue
			}
			s.blocksToReceive -= received
			continue
		}
		noPendingBlockIterations++
		if noPendingBlockIterations >= maxNoPendingBlockIterations {
			// No move has been possible for a while; give
			// up the rest of this source's quota.
			s.resetScheduled()
		}

		if time.Since(startTime) > maxIterationTime {
			return
		}
		// Wait for targets/proxies to free up slots.
		s.bal.waitProgress(ctx, time.Second)
	}
}

// chooseNextBlockToMove stages the next move for this source: reserve
// a slot on a task's target, then find a block and proxy for it. The
// returned PendingMove holds slots on both the target and the proxy
// and must be dispatched immediately.
func (s *Source) chooseNextBlockToMove() *PendingMove {
	for i := 0; i < len(s.tasks); i++ {
		task := &s.tasks[i]
		targetNode := task.target.Node
		pm := &PendingMove{source: s, target: task.target}
		if !targetNode.addPending(pm) {
			continue
		}
		if s.chooseBlockAndProxy(pm) {
			blockSize := pm.block.Length
			s.incScheduled(-blockSize)
			task.size -= blockSize
			if task.size == 0 {
				s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			}
			return pm
		}
		// cancel the tentative reservation
		targetNode.removePending(pm)
	}
	return nil
}

// chooseBlockAndProxy walks the candidate list until it finds a block
// that is good for pm's target and has a proxy with a free slot.
func (s *Source) chooseBlockAndProxy(pm *PendingMove) bool {
	for i, b := range s.srcBlocks {
		if s.markMovedIfGoodBlock(pm, b) {
			s.srcBlocks = append(s.srcBlocks[:i], s.srcBlocks[i+1:]...)
			return true
		}
	}
	return false
}

// markMovedIfGoodBlock claims b for pm if it passes the placement
// checks and a proxy slot can be reserved. Claiming happens under the
// block's lock, and the block enters the moved window before this
// returns, so no concurrent selector can pick the same block.
func (s *Source) markMovedIfGoodBlock(pm *PendingMove, b *BlockRef) bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if !s.bal.isGoodBlockCandidateLocked(s.StorageGroup, pm.target, b) {
		return false
	}
	pm.block = b
	if !s.chooseProxy(pm) {
		pm.block = nil
		return false
	}
	s.bal.movedBlocks.Put(b.ID)
	s.bal.Logger.Debugf("decided to move %v", pm)
	return true
}

// chooseProxy picks the replica that will send the block: prefer one
// in the target's node group, then one on the target's rack, then
// any. The chosen node must accept a pending slot. Caller must hold
// pm.block's lock.
func (s *Source) chooseProxy(pm *PendingMove) bool {
	topo := s.bal.topology
	target := pm.target.Node.Info
	if topo.NodeGroupAware() {
		for _, loc := range pm.block.locations {
			if topo.SameNodeGroup(loc.Node.Info, target) && pm.addProxy(loc.Node) {
				return true
			}
		}
	}
	for _, loc := range pm.block.locations {
		if topo.SameRack(loc.Node.Info, target) && pm.addProxy(loc.Node) {
			return true
		}
	}
	for _, loc := range pm.block.locations {
		if pm.addProxy(loc.Node) {
			return true
		}
	}
	return false
}

func (pm *PendingMove) addProxy(dn *Node) bool {
	if dn.addPending(pm) {
		pm.proxy = dn
		return true
	}
	return false
}

// filterMovedBlocks drops candidates that entered the moved window
// since they were listed.
func (s *Source) filterMovedBlocks() {
	kept := s.srcBlocks[:0]
	for _, b := range s.srcBlocks {
		if !s.bal.movedBlocks.Contains(b.ID) {
			kept = append(kept, b)
		}
	}
	s.srcBlocks = kept
}

func (s *Source) shouldFetchMoreBlocks() bool {
	return len(s.srcBlocks) < sourceBlockListMinSize && s.blocksToReceive > 0
}

// getBlockList fetches a fresh block listing for this source's node,
// merges it into the global block map, and appends the good
// candidates to srcBlocks. Returns the metadata byte-size received.
func (s *Source) getBlockList(ctx context.Context) (int64, error) {
	size := s.blocksToReceive
	if size > maxBlocksSizeToFetch {
		size = maxBlocksSizeToFetch
	}
	newBlocks, err := s.bal.ns.Blocks(ctx, s.Node.Info.UUID, size)
	if err != nil {
		return 0, err
	}
	var bytesReceived int64
	for _, blk := range newBlocks {
		bytesReceived += blk.NumBytes
		b := s.bal.globalBlocks.get(blk.Block)
		b.mtx.Lock()
		// Locations drift over time; trust the new listing.
		b.Length = blk.NumBytes
		b.clearLocations()
		for _, loc := range blk.Replicas {
			if g := s.bal.storageGroupMap[groupKey{loc.NodeUUID, loc.StorageType}]; g != nil {
				b.addLocation(g)
			}
		}
		b.mtx.Unlock()
		if !s.hasSrcBlock(b) && s.isGoodCandidateForAnyTask(b) {
			s.srcBlocks = append(s.srcBlocks, b)
		}
	}
	return bytesReceived, nil
}

func (s *Source) hasSrcBlock(b *BlockRef) bool {
	for _, have := range s.srcBlocks {
		if have == b {
			return true
		}
	}
	return false
}

func (s *Source) isGoodCandidateForAnyTask(b *BlockRef) bool {
	for i := range s.tasks {
		if s.bal.isGoodBlockCandidate(s.StorageGroup, s.tasks[i].target, b) {
			return true
		}
	}
	return false
}

// isGoodBlockCandidate decides whether moving b from source to target
// is allowed. A move is good if the storage types match, the block
// has not been moved recently, the target does not already hold a
// replica, node-group placement stays legal, and the move does not
// reduce the number of racks hosting the block.
func (bal *Balancer) isGoodBlockCandidate(source, target *StorageGroup, b *BlockRef) bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return bal.isGoodBlockCandidateLocked(source, target, b)
}

// caller must hold b.mtx.
func (bal *Balancer) isGoodBlockCandidateLocked(source, target *StorageGroup, b *BlockRef) bool {
	if source.Type != target.Type {
		return false
	}
	if bal.movedBlocks.Contains(b.ID) {
		return false
	}
	if b.isLocatedOn(target) {
		return false
	}
	if bal.topology.NodeGroupAware() && bal.sameNodeGroupWithReplicas(target, b, source) {
		return false
	}
	if bal.topology.SameRack(source.Node.Info, target.Node.Info) {
		// moving within one rack cannot change the rack count
		return true
	}
	onSameRackAsTarget := false
	for _, loc := range b.locations {
		if bal.topology.SameRack(loc.Node.Info, target.Node.Info) {
			onSameRackAsTarget = true
			break
		}
	}
	if !onSameRackAsTarget {
		// the move adds a rack
		return true
	}
	// The target's rack is already covered; the move is safe only
	// if the source's rack stays covered by another replica.
	for _, loc := range b.locations {
		if loc != source && bal.topology.SameRack(loc.Node.Info, source.Node.Info) {
			return true
		}
	}
	return false
}

// sameNodeGroupWithReplicas reports whether any replica other than
// source shares a node group with the target. Caller must hold
// b.mtx.
func (bal *Balancer) sameNodeGroupWithReplicas(target *StorageGroup, b *BlockRef, source *StorageGroup) bool {
	for _, loc := range b.locations {
		if loc != source && bal.topology.SameNodeGroup(loc.Node.Info, target.Node.Info) {
			return true
		}
	}
	return false
}
