// Copyright (C) The Stratofs Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"net"
	"sync"
	"time"

	"git.stratofs.org/stratofs.git/sdk/go/stratofs"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&dispatcherSuite{})

type dispatcherSuite struct {
	ns  *stubNameService
	bal *Balancer
}

func (s *dispatcherSuite) SetUpTest(c *check.C) {
	s.ns = newStubNameService()
	s.bal = newTestBalancer(c, s.ns, DefaultConfig())
}

// addGroup registers a plain storage group for a node, creating the
// node on first use.
func (s *dispatcherSuite) addGroup(uuid, rack, nodeGroup, addr string, utilization float64, maxMovable int64) *StorageGroup {
	dn := s.bal.cluster[uuid]
	if dn == nil {
		dn = newNode(stratofs.NodeInfo{
			UUID:         uuid,
			Hostname:     uuid + ".example",
			TransferAddr: addr,
			Rack:         rack,
			NodeGroup:    nodeGroup,
		}, s.bal.Config.MaxConcurrentMovesPerNode)
		s.bal.cluster[uuid] = dn
	}
	g := dn.addStorageGroup(stratofs.StorageTypeDisk, utilization, maxMovable)
	s.bal.storageGroupMap[groupKey{uuid, stratofs.StorageTypeDisk}] = g
	return g
}

func (s *dispatcherSuite) addSource(uuid, rack, nodeGroup, addr string, utilization float64, maxMovable int64) *Source {
	g := s.addGroup(uuid, rack, nodeGroup, addr, utilization, maxMovable)
	src := &Source{StorageGroup: g, bal: s.bal}
	g.source = src
	return src
}

// blockOn builds a BlockRef located on the given groups.
func (s *dispatcherSuite) blockOn(id uint64, length int64, groups ...*StorageGroup) *BlockRef {
	b := s.bal.globalBlocks.get(stratofs.BlockID{Pool: "pool-0", ID: id, Generation: 1})
	b.mtx.Lock()
	b.Length = length
	b.clearLocations()
	for _, g := range groups {
		b.addLocation(g)
	}
	b.mtx.Unlock()
	return b
}

func (s *dispatcherSuite) TestRackSafety(c *check.C) {
	src := s.addSource("dn-1", "r1", "", "dn-1.example:8441", 90, 10*GiB)
	r2a := s.addGroup("dn-2", "r2", "", "dn-2.example:8441", 50, 0)
	r3 := s.addGroup("dn-3", "r3", "", "dn-3.example:8441", 50, 0)
	target := s.addGroup("dn-4", "r2", "", "dn-4.example:8441", 10, 10*GiB)

	// Replicas on racks {r1, r2, r3}; moving dn-1's replica to a
	// second node on r2 would drop r1 from the rack set.
	b := s.blockOn(1, GiB, src.StorageGroup, r2a, r3)
	c.Check(s.bal.isGoodBlockCandidate(src.StorageGroup, target, b), check.Equals, false)
	c.Check(s.bal.movedBlocks.Contains(b.ID), check.Equals, false)

	// With another replica on r1, the move is rack safe.
	r1b := s.addGroup("dn-5", "r1", "", "dn-5.example:8441", 50, 0)
	b2 := s.blockOn(2, GiB, src.StorageGroup, r2a, r1b)
	c.Check(s.bal.isGoodBlockCandidate(src.StorageGroup, target, b2), check.Equals, true)

	// A same-rack move never changes the rack count.
	r1target := s.addGroup("dn-6", "r1", "", "dn-6.example:8441", 10, 10*GiB)
	b3 := s.blockOn(3, GiB, src.StorageGroup, r2a, r3)
	c.Check(s.bal.isGoodBlockCandidate(src.StorageGroup, r1target, b3), check.Equals, true)

	// A move to a rack with no replica adds a rack.
	r4target := s.addGroup("dn-7", "r4", "", "dn-7.example:8441", 10, 10*GiB)
	b4 := s.blockOn(4, GiB, src.StorageGroup, r2a, r3)
	c.Check(s.bal.isGoodBlockCandidate(src.StorageGroup, r4target, b4), check.Equals, true)
}

func (s *dispatcherSuite) TestTargetAlreadyHasReplica(c *check.C) {
	src := s.addSource("dn-1", "r1", "", "dn-1.example:8441", 90, 10*GiB)
	target := s.addGroup("dn-2", "r1", "", "dn-2.example:8441", 10, 10*GiB)
	b := s.blockOn(1, GiB, src.StorageGroup, target)
	c.Check(s.bal.isGoodBlockCandidate(src.StorageGroup, target, b), check.Equals, false)
}

func (s *dispatcherSuite) TestStorageTypeMismatch(c *check.C) {
	src := s.addSource("dn-1", "r1", "", "dn-1.example:8441", 90, 10*GiB)
	dn2 := newNode(stratofs.NodeInfo{UUID: "dn-2", Rack: "r1"}, 5)
	ssd := dn2.addStorageGroup(stratofs.StorageTypeSSD, 10, 10*GiB)
	b := s.blockOn(1, GiB, src.StorageGroup)
	c.Check(s.bal.isGoodBlockCandidate(src.StorageGroup, ssd, b), check.Equals, false)
}

func (s *dispatcherSuite) TestNodeGroupPlacement(c *check.C) {
	cfg := DefaultConfig()
	cfg.NodeGroupAware = true
	s.bal = newTestBalancer(c, s.ns, cfg)
	src := s.addSource("dn-1", "r1", "ng1", "dn-1.example:8441", 90, 10*GiB)
	ngMate := s.addGroup("dn-2", "r2", "ng2", "dn-2.example:8441", 50, 0)
	target := s.addGroup("dn-3", "r2", "ng2", "dn-3.example:8441", 10, 10*GiB)

	// A replica other than source already lives in the target's
	// node group.
	b := s.blockOn(1, GiB, src.StorageGroup, ngMate)
	c.Check(s.bal.isGoodBlockCandidate(src.StorageGroup, target, b), check.Equals, false)

	// The only node-group conflict is the source itself: allowed.
	src2 := s.addSource("dn-4", "r2", "ng2", "dn-4.example:8441", 90, 10*GiB)
	b2 := s.blockOn(2, GiB, src2.StorageGroup)
	c.Check(s.bal.isGoodBlockCandidate(src2.StorageGroup, target, b2), check.Equals, true)
}

func (s *dispatcherSuite) TestMovedWindowBlocksReselection(c *check.C) {
	src := s.addSource("dn-1", "r1", "", "dn-1.example:8441", 90, 10*GiB)
	target := s.addGroup("dn-2", "r1", "", "dn-2.example:8441", 10, 10*GiB)
	src.addTask(Task{target: target, size: 10 * GiB})
	src.srcBlocks = append(src.srcBlocks, s.blockOn(1, GiB, src.StorageGroup))

	pm := src.chooseNextBlockToMove()
	c.Assert(pm, check.NotNil)
	c.Check(s.bal.movedBlocks.Contains(pm.block.ID), check.Equals, true)
	c.Check(pm.proxy, check.Equals, src.Node)

	// The same block cannot be selected again within the window,
	// even for a different source.
	b := s.blockOn(1, GiB, src.StorageGroup)
	other := s.addSource("dn-3", "r1", "", "dn-3.example:8441", 80, 10*GiB)
	c.Check(s.bal.isGoodBlockCandidate(other.StorageGroup, target, b), check.Equals, false)
}

func (s *dispatcherSuite) TestPendingSlotLimit(c *check.C) {
	dn := newNode(stratofs.NodeInfo{UUID: "dn-1"}, 2)
	pm1, pm2, pm3 := &PendingMove{}, &PendingMove{}, &PendingMove{}
	c.Check(dn.addPending(pm1), check.Equals, true)
	c.Check(dn.addPending(pm2), check.Equals, true)
	c.Check(dn.addPending(pm3), check.Equals, false)
	c.Check(dn.pendingLen(), check.Equals, 2)
	dn.removePending(pm1)
	c.Check(dn.addPending(pm3), check.Equals, true)
}

func (s *dispatcherSuite) TestBackoffRejectsPending(c *check.C) {
	dn := newNode(stratofs.NodeInfo{UUID: "dn-1"}, 5)
	dn.activateDelay(50 * time.Millisecond)
	c.Check(dn.addPending(&PendingMove{}), check.Equals, false)
	time.Sleep(60 * time.Millisecond)
	c.Check(dn.addPending(&PendingMove{}), check.Equals, true)
}

// stubTransferPeer is a TCP server speaking the framed transfer
// protocol, answering every REPLACE_BLOCK with a fixed status.
type stubTransferPeer struct {
	ln     net.Listener
	status string

	mtx  sync.Mutex
	reqs []replaceBlockRequest
}

func newStubTransferPeer(c *check.C, status string) *stubTransferPeer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, check.IsNil)
	p := &stubTransferPeer{ln: ln, status: status}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				var req replaceBlockRequest
				if err := readFrame(conn, &req); err != nil {
					return
				}
				p.mtx.Lock()
				p.reqs = append(p.reqs, req)
				p.mtx.Unlock()
				writeFrame(conn, &blockOpResponse{Status: p.status, Message: "stub"})
			}(conn)
		}
	}()
	return p
}

func (p *stubTransferPeer) addr() string { return p.ln.Addr().String() }

func (p *stubTransferPeer) Close() { p.ln.Close() }

func (p *stubTransferPeer) requests() []replaceBlockRequest {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return append([]replaceBlockRequest(nil), p.reqs...)
}

func (s *dispatcherSuite) TestDispatchSuccess(c *check.C) {
	peer := newStubTransferPeer(c, statusSuccess)
	defer peer.Close()

	src := s.addSource("dn-1", "r1", "", "dn-1.example:8441", 90, 10*GiB)
	target := s.addGroup("dn-2", "r1", "", peer.addr(), 10, 10*GiB)
	b := s.blockOn(1, GiB, src.StorageGroup)

	pm := &PendingMove{block: b, source: src, proxy: src.Node, target: target}
	c.Assert(src.Node.addPending(pm), check.Equals, true)
	c.Assert(target.Node.addPending(pm), check.Equals, true)

	s.bal.dispatch(context.Background(), pm)

	c.Check(s.bal.bytesMoved.Load(), check.Equals, GiB)
	c.Check(src.Node.pendingEmpty(), check.Equals, true)
	c.Check(target.Node.pendingEmpty(), check.Equals, true)
	c.Check(pm.block, check.IsNil)

	reqs := peer.requests()
	c.Assert(reqs, check.HasLen, 1)
	c.Check(reqs[0].Op, check.Equals, "REPLACE_BLOCK")
	c.Check(reqs[0].SourceUUID, check.Equals, "dn-1")
	c.Check(reqs[0].ProxyUUID, check.Equals, "dn-1")
	c.Check(reqs[0].NumBytes, check.Equals, GiB)
	c.Check(string(reqs[0].AccessToken), check.Matches, "stub-token-.*")
}

func (s *dispatcherSuite) TestDispatchFailureArmsBackoff(c *check.C) {
	peer := newStubTransferPeer(c, statusError)
	defer peer.Close()

	src := s.addSource("dn-1", "r1", "", "dn-1.example:8441", 90, 10*GiB)
	target := s.addGroup("dn-2", "r1", "", peer.addr(), 10, 10*GiB)
	b := s.blockOn(1, GiB, src.StorageGroup)

	pm := &PendingMove{block: b, source: src, proxy: src.Node, target: target}
	c.Assert(src.Node.addPending(pm), check.Equals, true)
	c.Assert(target.Node.addPending(pm), check.Equals, true)

	s.bal.dispatch(context.Background(), pm)

	c.Check(s.bal.bytesMoved.Load(), check.Equals, int64(0))
	// Both slots are released, but both nodes are benched.
	c.Check(src.Node.pendingEmpty(), check.Equals, true)
	c.Check(target.Node.pendingEmpty(), check.Equals, true)
	c.Check(src.Node.addPending(&PendingMove{}), check.Equals, false)
	c.Check(target.Node.addPending(&PendingMove{}), check.Equals, false)
}

func (s *dispatcherSuite) TestWaitProgressWakesOnBroadcast(c *check.C) {
	t0 := time.Now()
	go func() {
		time.Sleep(10 * time.Millisecond)
		s.bal.notifyProgress()
	}()
	s.bal.waitProgress(context.Background(), 5*time.Second)
	c.Check(time.Since(t0) < time.Second, check.Equals, true)
}

// End to end: one over-utilized node, one under-utilized rack mate,
// one 1GiB block. The balancer should move exactly that block and
// report progress.
func (s *dispatcherSuite) TestIterationMovesBlock(c *check.C) {
	defer func(d time.Duration) { blockMoveWaitTime = d }(blockMoveWaitTime)
	blockMoveWaitTime = 10 * time.Millisecond

	peer := newStubTransferPeer(c, statusSuccess)
	defer peer.Close()

	over := nodeReport("dn-1", "r1", 100, 90)
	under := nodeReport("dn-2", "r1", 100, 10)
	under.Node.TransferAddr = peer.addr()
	s.ns.reports = []stratofs.NodeStorageReport{over, under}
	s.ns.blocks["dn-1"] = []stratofs.BlockWithLocations{{
		Block:    stratofs.BlockID{Pool: "pool-0", ID: 1, Generation: 1},
		NumBytes: GiB,
		Replicas: []stratofs.BlockLocation{{NodeUUID: "dn-1", StorageType: stratofs.StorageTypeDisk}},
	}}

	var out bytes.Buffer
	status := s.bal.runIteration(context.Background(), 0, &out)
	c.Check(status, check.Equals, ExitInProgress)
	c.Check(s.bal.bytesMoved.Load(), check.Equals, GiB)

	reqs := peer.requests()
	c.Assert(reqs, check.HasLen, 1)
	c.Check(reqs[0].Block, check.Equals, stratofs.BlockID{Pool: "pool-0", ID: 1, Generation: 1})
	c.Check(reqs[0].ProxyUUID, check.Equals, "dn-1")
	// dn-1's replica is the one replaced; the copy goes to its rack
	// mate dn-2, so the block stays on rack r1.
	c.Check(reqs[0].SourceUUID, check.Equals, "dn-1")
	// The progress row reports the 10 GiB scheduled for this
	// iteration.
	c.Check(out.String(), check.Matches, `(?s).*10 GiB.*`)
}
