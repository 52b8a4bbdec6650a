// Copyright (C) The Stratofs Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const progressHeader = "Time Stamp               Iteration#  Bytes Already Moved  Bytes Left To Move  Bytes Being Moved"

// Runner sweeps all configured name services until every one of them
// reports a terminal status. Each outer round runs one iteration per
// name service, in shuffled order so no name service is always
// balanced first.
type Runner struct {
	Logger       logrus.FieldLogger
	Stdout       io.Writer
	Config       Config
	Params       Parameters
	Metrics      *metrics
	NameServices []NameService
	TransferAuth TransferAuth

	iteration  atomic.Int64
	bytesMoved atomic.Int64
}

// RunnerStatus is the management API snapshot of a running sweep.
type RunnerStatus struct {
	Iteration  int64
	BytesMoved int64
}

// Status returns a snapshot for the management server.
func (r *Runner) Status() RunnerStatus {
	return RunnerStatus{
		Iteration:  r.iteration.Load(),
		BytesMoved: r.bytesMoved.Load(),
	}
}

// Run balances all name services and returns the final status. A
// round in which every name service reports success ends the run;
// any terminal non-success aborts it.
func (r *Runner) Run(ctx context.Context) ExitStatus {
	defer r.timeSweep()()
	fmt.Fprintln(r.Stdout, progressHeader)

	balancers := make([]*Balancer, 0, len(r.NameServices))
	for _, ns := range r.NameServices {
		bal := NewBalancer(ns, r.Config, r.Params, r.Logger, r.Metrics)
		bal.TransferAuth = r.TransferAuth
		balancers = append(balancers, bal)
	}

	for iteration := 0; ; iteration++ {
		r.iteration.Store(int64(iteration))
		done := true
		rand.Shuffle(len(balancers), func(i, j int) {
			balancers[i], balancers[j] = balancers[j], balancers[i]
		})
		for _, bal := range balancers {
			status := bal.runIteration(ctx, iteration, r.Stdout)
			r.bytesMoved.Store(r.totalBytesMoved(balancers))
			if status == ExitInProgress {
				done = false
			} else if status != ExitSuccess {
				return status
			}
		}
		if done {
			return ExitSuccess
		}
		// Give the storage nodes a couple of heartbeats to
		// report their new state before looking again.
		sleep := 2 * r.Config.HeartbeatInterval.Duration()
		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			fmt.Fprintf(r.Stdout, "%v.  Exiting ...\n", ctx.Err())
			return ExitInterrupted
		}
	}
}

func (r *Runner) totalBytesMoved(balancers []*Balancer) int64 {
	var total int64
	for _, bal := range balancers {
		total += bal.bytesMoved.Load()
	}
	return total
}

func (r *Runner) timeSweep() func() {
	obs := r.Metrics.DurationObserver("sweep_seconds", "wall clock time to run one full balancing sweep")
	t0 := time.Now()
	return func() {
		obs.Observe(time.Since(t0).Seconds())
	}
}
