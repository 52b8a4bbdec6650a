// Copyright (C) The Stratofs Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type observer interface{ Observe(float64) }

type metrics struct {
	reg *prometheus.Registry

	bytesMovedTotal prometheus.Counter
	blockMoves      *prometheus.CounterVec
	bytesLeft       prometheus.Gauge
	bucketSizes     *prometheus.GaugeVec
	iterations      *prometheus.CounterVec

	observers map[string]observer
	mtx       sync.Mutex
}

func newMetrics(registry *prometheus.Registry) *metrics {
	m := &metrics{
		reg: registry,
		bytesMovedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stratofs",
			Subsystem: "balancer",
			Name:      "bytes_moved_total",
			Help:      "bytes moved between storage groups since startup",
		}),
		blockMoves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stratofs",
			Subsystem: "balancer",
			Name:      "block_moves_total",
			Help:      "dispatched block moves by outcome",
		}, []string{"outcome"}),
		bytesLeft: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stratofs",
			Subsystem: "balancer",
			Name:      "bytes_left_to_move",
			Help:      "bytes that still need to move to balance the cluster, at last count",
		}),
		bucketSizes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "stratofs",
			Subsystem: "balancer",
			Name:      "storage_groups",
			Help:      "storage groups per utilization bucket, at last count",
		}, []string{"bucket"}),
		iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stratofs",
			Subsystem: "balancer",
			Name:      "iterations_total",
			Help:      "completed balancing iterations by result",
		}, []string{"result"}),
		observers: map[string]observer{},
	}
	registry.MustRegister(m.bytesMovedTotal, m.blockMoves, m.bytesLeft, m.bucketSizes, m.iterations)
	return m
}

// DurationObserver returns (registering if needed) a summary observer
// with the given name.
func (m *metrics) DurationObserver(name, help string) observer {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if obs, ok := m.observers[name]; ok {
		return obs
	}
	summary := prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace: "stratofs",
		Subsystem: "balancer",
		Name:      name,
		Help:      help,
	})
	m.reg.MustRegister(summary)
	m.observers[name] = summary
	return summary
}

func (m *metrics) updateBuckets(over, above, below, under int) {
	m.bucketSizes.WithLabelValues("over_utilized").Set(float64(over))
	m.bucketSizes.WithLabelValues("above_avg_utilized").Set(float64(above))
	m.bucketSizes.WithLabelValues("below_avg_utilized").Set(float64(below))
	m.bucketSizes.WithLabelValues("under_utilized").Set(float64(under))
}
