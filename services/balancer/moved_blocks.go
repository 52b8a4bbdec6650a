// Copyright (C) The Stratofs Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"sync"
	"time"

	"git.stratofs.org/stratofs.git/sdk/go/stratofs"
)

// movedBlocks is the rolling window of blocks that were moved (or
// selected for a move attempt) recently. Membership gates block
// selection, so one block is attempted at most once per window.
//
// The window keeps two generations. Put always writes the current
// one; Cleanup retires the current generation to old -- and discards
// the previous old one -- once the window width has elapsed, so an
// entry stays visible for between one and two widths.
type movedBlocks struct {
	mtx         sync.Mutex
	winWidth    time.Duration
	lastCleanup time.Time
	cur         map[stratofs.BlockID]time.Time
	old         map[stratofs.BlockID]time.Time
}

func newMovedBlocks(winWidth time.Duration) *movedBlocks {
	return &movedBlocks{
		winWidth:    winWidth,
		lastCleanup: time.Now(),
		cur:         make(map[stratofs.BlockID]time.Time),
		old:         make(map[stratofs.BlockID]time.Time),
	}
}

func (mb *movedBlocks) Put(id stratofs.BlockID) {
	mb.mtx.Lock()
	mb.cur[id] = time.Now()
	mb.mtx.Unlock()
}

func (mb *movedBlocks) Contains(id stratofs.BlockID) bool {
	mb.mtx.Lock()
	defer mb.mtx.Unlock()
	_, ok := mb.cur[id]
	if !ok {
		_, ok = mb.old[id]
	}
	return ok
}

// Cleanup ages the window. A no-op until winWidth has elapsed since
// the previous cleanup.
func (mb *movedBlocks) Cleanup() {
	mb.mtx.Lock()
	defer mb.mtx.Unlock()
	now := time.Now()
	if now.Sub(mb.lastCleanup) < mb.winWidth {
		return
	}
	mb.old = mb.cur
	mb.cur = make(map[stratofs.BlockID]time.Time)
	mb.lastCleanup = now
}

func (mb *movedBlocks) size() int {
	mb.mtx.Lock()
	defer mb.mtx.Unlock()
	return len(mb.cur) + len(mb.old)
}
