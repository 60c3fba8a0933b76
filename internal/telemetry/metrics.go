// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of metricvault.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package telemetry exposes the engine's own operational metrics via
// client_golang/promauto: ingest accept/reject counts, flush and
// query durations, archival row counts.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every self-observability instrument the engine
// registers. A single instance is constructed at startup and threaded
// into the components that report through it.
type Metrics struct {
	IngestAccepted   prometheus.Counter
	IngestRejected   prometheus.Counter
	FlushDuration    prometheus.Histogram
	ArchivalRows     prometheus.Counter
	ArchivalSegments prometheus.Counter
	ArchivalErrors   prometheus.Counter
	QueryDuration    *prometheus.HistogramVec
}

// New registers every instrument against reg, mirroring the
// single-package promauto convention: call New once per registry. In
// production that is prometheus.DefaultRegisterer; tests pass a fresh
// prometheus.NewRegistry() so repeated construction across test cases
// never collides on a shared default registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		IngestAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "metricvault",
			Subsystem: "ingest",
			Name:      "samples_accepted_total",
			Help:      "Number of samples accepted into the write buffer.",
		}),
		IngestRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: "metricvault",
			Subsystem: "ingest",
			Name:      "samples_rejected_total",
			Help:      "Number of samples rejected during ingest validation.",
		}),
		FlushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "metricvault",
			Subsystem: "ingest",
			Name:      "flush_duration_seconds",
			Help:      "Duration of a single buffer-to-storage flush batch.",
			Buckets:   prometheus.DefBuckets,
		}),
		ArchivalRows: f.NewCounter(prometheus.CounterOpts{
			Namespace: "metricvault",
			Subsystem: "archival",
			Name:      "rows_archived_total",
			Help:      "Number of sample rows moved to cold storage.",
		}),
		ArchivalSegments: f.NewCounter(prometheus.CounterOpts{
			Namespace: "metricvault",
			Subsystem: "archival",
			Name:      "segments_written_total",
			Help:      "Number of archive segment files written.",
		}),
		ArchivalErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "metricvault",
			Subsystem: "archival",
			Name:      "errors_total",
			Help:      "Number of archival job failures.",
		}),
		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "metricvault",
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "Duration of a query-planner operation by kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
	}
}
