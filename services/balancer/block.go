// Copyright (C) The Stratofs Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"sync"

	"git.stratofs.org/stratofs.git/sdk/go/stratofs"
)

// BlockRef is the balancer's view of one replicated block. The
// blockMap is the single owner; Source.srcBlocks and locations hold
// back-references only. Locations drift iteration to iteration, so
// they are cleared and refilled whenever a fresh listing mentions the
// block.
type BlockRef struct {
	ID stratofs.BlockID

	mtx       sync.Mutex
	Length    int64
	locations []*StorageGroup
}

// caller must hold b.mtx.
func (b *BlockRef) addLocation(g *StorageGroup) {
	b.locations = append(b.locations, g)
}

// caller must hold b.mtx.
func (b *BlockRef) clearLocations() {
	b.locations = b.locations[:0]
}

// caller must hold b.mtx.
func (b *BlockRef) isLocatedOn(g *StorageGroup) bool {
	for _, loc := range b.locations {
		if loc == g {
			return true
		}
	}
	return false
}

// Locations returns a snapshot of the block's replica placements.
func (b *BlockRef) Locations() []*StorageGroup {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return append([]*StorageGroup(nil), b.locations...)
}

// blockMap is a goroutine-safe arena of BlockRefs keyed by block ID.
// Entries survive resetData while their ID is still in the moved
// blocks window, so block identity stays stable across iterations.
type blockMap struct {
	mtx     sync.Mutex
	entries map[stratofs.BlockID]*BlockRef
}

func newBlockMap() *blockMap {
	return &blockMap{entries: make(map[stratofs.BlockID]*BlockRef)}
}

// get returns the entry for id, allocating one if needed.
func (bm *blockMap) get(id stratofs.BlockID) *BlockRef {
	bm.mtx.Lock()
	defer bm.mtx.Unlock()
	b := bm.entries[id]
	if b == nil {
		b = &BlockRef{ID: id}
		bm.entries[id] = b
	}
	return b
}

// cleanup drops every entry whose ID fails the keep test.
func (bm *blockMap) cleanup(keep func(stratofs.BlockID) bool) {
	bm.mtx.Lock()
	defer bm.mtx.Unlock()
	for id := range bm.entries {
		if !keep(id) {
			delete(bm.entries, id)
		}
	}
}

func (bm *blockMap) size() int {
	bm.mtx.Lock()
	defer bm.mtx.Unlock()
	return len(bm.entries)
}
