// Copyright (C) The Stratofs Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/dustin/go-humanize"
)

// chooseStorageGroups matches sources to targets and plans the
// per-pair byte quotas for this iteration. Pairing runs in three
// passes with a progressively looser locality constraint, so data
// moves the shortest distance it can. Returns the total number of
// bytes scheduled.
func (bal *Balancer) chooseStorageGroups() int64 {
	if bal.topology.NodeGroupAware() {
		bal.choosePairs(SameNodeGroup)
	}
	bal.choosePairs(SameRack)
	bal.choosePairs(AnyOther)

	var bytesToMove int64
	for _, src := range bal.sources {
		bytesToMove += src.scheduledBytes()
	}
	return bytesToMove
}

// choosePairs runs one locality pass over the three bucket pairings.
func (bal *Balancer) choosePairs(matcher Matcher) {
	// First match over-utilized groups with under-utilized ones.
	bal.chooseGroups(&bal.overUtilized, &bal.underUtilized, matcher)
	// Then spill the remaining over-utilized groups into
	// below-average targets.
	bal.chooseGroups(&bal.overUtilized, &bal.belowAvgUtilized, matcher)
	// Finally fill the remaining under-utilized groups from
	// above-average sources.
	bal.chooseGroups(&bal.underUtilized, &bal.aboveAvgUtilized, matcher)
}

// chooseGroups matches each group against the candidate bucket until
// the group has no capacity left or no candidate matches. Exhausted
// groups leave their bucket.
func (bal *Balancer) chooseGroups(groups, candidates *[]*StorageGroup, matcher Matcher) {
	kept := (*groups)[:0]
	for _, g := range *groups {
		for bal.chooseForOne(g, candidates, matcher) {
		}
		if g.hasSpace() {
			kept = append(kept, g)
		}
	}
	*groups = kept
}

// chooseForOne pairs g with the first matching candidate, reserving
// min(available, available) bytes on both sides. Candidates with no
// remaining capacity are dropped from their bucket as they are
// passed over.
func (bal *Balancer) chooseForOne(g *StorageGroup, candidates *[]*StorageGroup, matcher Matcher) bool {
	if !g.hasSpace() {
		return false
	}
	for i := 0; i < len(*candidates); {
		c := (*candidates)[i]
		if !c.hasSpace() {
			*candidates = append((*candidates)[:i], (*candidates)[i+1:]...)
			continue
		}
		if c.Type == g.Type && matcher.Match(bal.topology, g.Node.Info, c.Node.Info) {
			bal.matchSourceWithTarget(g, c)
			if !c.hasSpace() {
				*candidates = append((*candidates)[:i], (*candidates)[i+1:]...)
			}
			return true
		}
		i++
	}
	return false
}

// matchSourceWithTarget records a Task on the source side of the
// (g, c) pair and reserves the quota on both groups.
func (bal *Balancer) matchSourceWithTarget(g, c *StorageGroup) {
	src, target := g.source, c
	if src == nil {
		src, target = c.source, g
	}
	size := src.availableToMove()
	if avail := target.availableToMove(); avail < size {
		size = avail
	}
	src.addTask(Task{target: target, size: size})
	target.incScheduled(size)
	if !bal.sourceSet[src] {
		bal.sourceSet[src] = true
		bal.sources = append(bal.sources, src)
	}
	if !bal.targetSet[target] {
		bal.targetSet[target] = true
		bal.targets = append(bal.targets, target)
	}
	bal.Logger.Infof("decided to move %s from %s to %s",
		humanize.IBytes(uint64(size)), src.displayName(), target.displayName())
}
