// Copyright (C) The Stratofs Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"git.stratofs.org/stratofs.git/sdk/go/stratofs"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// maxSizeToMove caps the bytes one storage group may send or receive
// per iteration.
const maxSizeToMove = 10 << 30

const timeFormat = "2006-01-02 15:04:05"

// ExitStatus is an iteration result; the non-transient values map
// directly to the process exit code.
type ExitStatus int

const (
	ExitSuccess        ExitStatus = 0
	ExitInProgress     ExitStatus = 1
	ExitAlreadyRunning ExitStatus = -1
	ExitNoBlockToMove  ExitStatus = -2
	ExitNoProgress     ExitStatus = -3
	ExitIOError        ExitStatus = -4
	ExitBadArgs        ExitStatus = -5
	ExitInterrupted    ExitStatus = -6
)

// String implements fmt.Stringer.
func (s ExitStatus) String() string {
	switch s {
	case ExitSuccess:
		return "success"
	case ExitInProgress:
		return "in progress"
	case ExitAlreadyRunning:
		return "already running"
	case ExitNoBlockToMove:
		return "no block to move"
	case ExitNoProgress:
		return "no progress"
	case ExitIOError:
		return "io error"
	case ExitBadArgs:
		return "illegal arguments"
	case ExitInterrupted:
		return "interrupted"
	default:
		return fmt.Sprintf("status %d", int(s))
	}
}

// Parameters are the operator's choices for one balancing run.
type Parameters struct {
	Policy    BalancingPolicy
	Threshold float64
	Excluded  hostSet
	Included  hostSet
}

// Balancer runs balancing iterations against one name service: it
// classifies storage groups by utilization, pairs sources with
// targets, and dispatches peer-to-peer block moves until the cluster
// is balanced or no further progress is possible.
//
// A Balancer holds no authoritative state. It plans moves and asks
// source-side peers to copy replicas; the name service discovers the
// new placements through its normal reporting channels.
type Balancer struct {
	Logger  logrus.FieldLogger
	Metrics *metrics
	Params  Parameters
	Config  Config
	// TransferAuth, if set, wraps transfer peer connections in the
	// negotiated stream required by cluster security config.
	TransferAuth TransferAuth

	ns       NameService
	topology Topology

	// Utilization buckets, rebuilt by classify each iteration.
	overUtilized     []*StorageGroup
	aboveAvgUtilized []*StorageGroup
	belowAvgUtilized []*StorageGroup
	underUtilized    []*StorageGroup

	sources   []*Source
	targets   []*StorageGroup
	sourceSet map[*Source]bool
	targetSet map[*StorageGroup]bool

	storageGroupMap map[groupKey]*StorageGroup
	cluster         map[string]*Node

	// globalBlocks and movedBlocks survive resetData so block
	// identity stays stable across iterations.
	globalBlocks *blockMap
	movedBlocks  *movedBlocks

	bytesMoved atomic.Int64

	dispatcherPool *executor
	moverPool      *executor

	progressMtx sync.Mutex
	progressCh  chan struct{}
}

// NewBalancer returns a Balancer operating against ns. The same
// Balancer is reused for every iteration against that name service,
// so the moved-blocks window and the block arena carry over.
func NewBalancer(ns NameService, cfg Config, params Parameters, logger logrus.FieldLogger, m *metrics) *Balancer {
	bal := &Balancer{
		Logger:       logger,
		Metrics:      m,
		Params:       params,
		Config:       cfg,
		ns:           ns,
		globalBlocks: newBlockMap(),
		movedBlocks:  newMovedBlocks(cfg.MovedBlocksWindow.Duration()),
		progressCh:   make(chan struct{}),
	}
	bal.initIterationState()
	return bal
}

func (bal *Balancer) initIterationState() {
	bal.topology = NewTopology(bal.Config.NodeGroupAware)
	bal.overUtilized = nil
	bal.aboveAvgUtilized = nil
	bal.belowAvgUtilized = nil
	bal.underUtilized = nil
	bal.sources = nil
	bal.targets = nil
	bal.sourceSet = make(map[*Source]bool)
	bal.targetSet = make(map[*StorageGroup]bool)
	bal.storageGroupMap = make(map[groupKey]*StorageGroup)
	bal.cluster = make(map[string]*Node)
}

// runIteration performs one balancing pass: fetch reports, classify,
// pair, dispatch, and decide whether another iteration is worthwhile.
// Progress is reported as one row on out.
func (bal *Balancer) runIteration(ctx context.Context, iteration int, out io.Writer) ExitStatus {
	defer bal.time("iteration", "wall clock time to run one balancing iteration")()
	bal.dispatcherPool = newExecutor(bal.Config.DispatcherPoolSize)
	bal.moverPool = newExecutor(bal.Config.MoverPoolSize)
	status := bal.runIterationBody(ctx, iteration, out)
	bal.Metrics.iterations.WithLabelValues(status.String()).Inc()
	bal.resetData()
	return status
}

func (bal *Balancer) runIterationBody(ctx context.Context, iteration int, out io.Writer) ExitStatus {
	reports, err := bal.ns.DatanodeStorageReports(ctx)
	if err != nil {
		if ctx.Err() != nil {
			fmt.Fprintf(out, "%v.  Exiting ...\n", ctx.Err())
			return ExitInterrupted
		}
		fmt.Fprintf(out, "%v.  Exiting ...\n", err)
		return ExitIOError
	}

	bytesLeftToMove := bal.classify(reports)
	bal.Metrics.bytesLeft.Set(float64(bytesLeftToMove))
	if bytesLeftToMove == 0 {
		fmt.Fprintln(out, "The cluster is balanced. Exiting...")
		return ExitSuccess
	}
	bal.Logger.Infof("need to move %s to make the cluster balanced",
		humanize.IBytes(uint64(bytesLeftToMove)))

	bytesToMove := bal.chooseStorageGroups()
	if bytesToMove == 0 {
		fmt.Fprintln(out, "No block can be moved. Exiting...")
		return ExitNoBlockToMove
	}
	bal.Logger.Infof("will move %s in this iteration", humanize.IBytes(uint64(bytesToMove)))

	fmt.Fprintf(out, "%-24s %10d  %19s  %18s  %17s\n",
		time.Now().Format(timeFormat),
		iteration,
		humanize.IBytes(uint64(bal.bytesMoved.Load())),
		humanize.IBytes(uint64(bytesLeftToMove)),
		humanize.IBytes(uint64(bytesToMove)))

	moved := bal.dispatchBlockMoves(ctx)
	bal.Metrics.bytesMovedTotal.Add(float64(moved))
	if ctx.Err() != nil {
		fmt.Fprintf(out, "%v.  Exiting ...\n", ctx.Err())
		return ExitInterrupted
	}
	if !bal.ns.ShouldContinue(moved) {
		fmt.Fprintln(out, "No block has been moved for 5 iterations. Exiting...")
		return ExitNoProgress
	}
	return ExitInProgress
}

// classify assigns every storage group of every non-excluded live
// node to one of the four utilization buckets and computes its move
// allowance. The node list is shuffled first so rack-local pairing
// does not systematically favor earlier-seen nodes. Returns the
// number of bytes that must move for the cluster to be balanced.
func (bal *Balancer) classify(reports []stratofs.NodeStorageReport) int64 {
	for _, r := range reports {
		if bal.shouldIgnore(r.Node) {
			continue
		}
		bal.Params.Policy.AccumulateSpaces(r)
	}
	bal.Params.Policy.InitAvgUtilization()

	shuffled := append([]stratofs.NodeStorageReport(nil), reports...)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	var overLoadedBytes, underLoadedBytes int64
	for _, r := range shuffled {
		if bal.shouldIgnore(r.Node) {
			continue
		}
		dn := newNode(r.Node, bal.Config.MaxConcurrentMovesPerNode)
		bal.cluster[r.Node.UUID] = dn
		for _, t := range stratofs.StorageTypes() {
			utilization, ok := bal.Params.Policy.Utilization(r, t)
			if !ok {
				continue
			}
			capacity := capacityForType(r, t)
			remaining := remainingForType(r, t)
			utilizationDiff := utilization - bal.Params.Policy.AvgUtilization(t)
			thresholdDiff := math.Abs(utilizationDiff) - bal.Params.Threshold
			maxMovable := computeMaxMovable(capacity, remaining, utilizationDiff, bal.Params.Threshold)

			var g *StorageGroup
			if utilizationDiff > 0 {
				src := dn.addSource(t, utilization, maxMovable, bal)
				if thresholdDiff <= 0 {
					bal.aboveAvgUtilized = append(bal.aboveAvgUtilized, src.StorageGroup)
				} else {
					overLoadedBytes += pct2bytes(thresholdDiff, capacity)
					bal.overUtilized = append(bal.overUtilized, src.StorageGroup)
				}
				g = src.StorageGroup
			} else {
				g = dn.addStorageGroup(t, utilization, maxMovable)
				if thresholdDiff <= 0 {
					bal.belowAvgUtilized = append(bal.belowAvgUtilized, g)
				} else {
					underLoadedBytes += pct2bytes(thresholdDiff, capacity)
					bal.underUtilized = append(bal.underUtilized, g)
				}
			}
			bal.storageGroupMap[groupKey{r.Node.UUID, t}] = g
		}
	}

	bal.logUtilizationCollections()
	bal.Metrics.updateBuckets(len(bal.overUtilized), len(bal.aboveAvgUtilized),
		len(bal.belowAvgUtilized), len(bal.underUtilized))

	// The cluster cannot move more than the larger of the excess
	// above the band and the deficit below it.
	if overLoadedBytes > underLoadedBytes {
		return overLoadedBytes
	}
	return underLoadedBytes
}

func (bal *Balancer) shouldIgnore(n stratofs.NodeInfo) bool {
	switch {
	case n.Decommissioned, n.Decommissioning:
		return true
	case bal.Params.Excluded.contains(n):
		return true
	case len(bal.Params.Included) > 0 && !bal.Params.Included.contains(n):
		return true
	}
	return false
}

func computeMaxMovable(capacity, remaining int64, utilizationDiff, threshold float64) int64 {
	diff := math.Abs(utilizationDiff)
	if threshold < diff {
		diff = threshold
	}
	maxMovable := pct2bytes(diff, capacity)
	if utilizationDiff < 0 && remaining < maxMovable {
		maxMovable = remaining
	}
	if maxMovable > maxSizeToMove {
		return maxSizeToMove
	}
	return maxMovable
}

func pct2bytes(pct float64, capacity int64) int64 {
	return int64(pct * float64(capacity) / 100)
}

func capacityForType(r stratofs.NodeStorageReport, t stratofs.StorageType) int64 {
	var capacity int64
	for _, s := range r.Storage {
		if s.Type == t {
			capacity += s.Capacity
		}
	}
	return capacity
}

func remainingForType(r stratofs.NodeStorageReport, t stratofs.StorageType) int64 {
	var remaining int64
	for _, s := range r.Storage {
		if s.Type == t {
			remaining += s.Remaining
		}
	}
	return remaining
}

func (bal *Balancer) logUtilizationCollections() {
	bal.logUtilizationCollection("over-utilized", bal.overUtilized)
	bal.Logger.Debugf("%d above-average: %v", len(bal.aboveAvgUtilized), bal.aboveAvgUtilized)
	bal.Logger.Debugf("%d below-average: %v", len(bal.belowAvgUtilized), bal.belowAvgUtilized)
	bal.logUtilizationCollection("underutilized", bal.underUtilized)
}

func (bal *Balancer) logUtilizationCollection(name string, groups []*StorageGroup) {
	bal.Logger.Infof("%d %s: %v", len(groups), name, groups)
}

// resetData clears all iteration-scoped state. The block arena is
// trimmed -- not emptied -- to the blocks still in the moved window,
// and the window itself ages by one step.
func (bal *Balancer) resetData() {
	bal.initIterationState()
	bal.Params.Policy.Reset()
	bal.globalBlocks.cleanup(bal.movedBlocks.Contains)
	bal.movedBlocks.Cleanup()
}

func (bal *Balancer) time(name, help string) func() {
	obs := bal.Metrics.DurationObserver(name+"_seconds", help)
	t0 := time.Now()
	bal.Logger.Debugf("%s: start", name)
	return func() {
		dur := time.Since(t0)
		obs.Observe(dur.Seconds())
		bal.Logger.Debugf("%s: took %v", name, dur)
	}
}
