// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of metricvault.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package storage defines the contracts to the time-series store and
// the object store and provides concrete adapters (SQLGateway,
// S3ObjectStore) behind them. The rest of the engine depends only on
// the interfaces in this file.
package storage

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// TimeRange is a half-open [Start, End) interval.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// BucketRow is one row of a bucketed aggregate query.
type BucketRow struct {
	Bucket time.Time
	Avg    float64
	Sum    float64
	Min    float64
	Max    float64
	Count  int64
}

// RawRow is one row read back from the hot store.
type RawRow struct {
	Time   time.Time
	Value  float64
	Labels map[string]string
}

// Gateway is the time-series store contract: upsert,
// raw/bucketed/percentile reads, cardinality
// counting, batched delete and distinct-metric discovery, plus three
// pre-aggregated views (5m/1h/1d) with the same bucket contract.
type Gateway interface {
	Upsert(ctx context.Context, metricID uuid.UUID, t time.Time, value float64, labels map[string]string) error

	ReadRaw(ctx context.Context, metricID uuid.UUID, rng TimeRange, labels map[string]string, limit int) ([]RawRow, error)

	// Bucket aggregates over interval. When granularity names a
	// standard pre-computed window (5m, 1h, 1d) the implementation
	// may serve from the matching continuous aggregate instead of the
	// raw hypertable.
	Bucket(ctx context.Context, metricID uuid.UUID, interval time.Duration, rng TimeRange, labels map[string]string) ([]BucketRow, error)

	Percentile(ctx context.Context, metricID uuid.UUID, quantile float64, rng TimeRange, labels map[string]string) (float64, bool, error)

	CountDistinctLabelCombinations(ctx context.Context, metricID uuid.UUID, since time.Time) (int, error)

	DeleteByRangeBatched(ctx context.Context, metricID uuid.UUID, rng TimeRange, batchSize int) (int, error)

	FindDistinctMetricsBefore(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)

	// RequestVacuum asks the storage engine to perform a non-blocking
	// incremental vacuum. Implementations that have no such concept
	// may no-op.
	RequestVacuum(ctx context.Context) error
}

// ObjectStore is the object-store contract.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, object, contentType string, body io.Reader) error
	GetObject(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	BucketExists(ctx context.Context, bucket string) (bool, error)
}
