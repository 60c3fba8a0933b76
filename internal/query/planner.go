// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of metricvault.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package query implements the query planner and the rate engine:
// request validation, routing by aggregation kind, and
// cross-tier fan-out against the archival engine for ranges that
// predate the hot-tier cutoff.
package query

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/metricvault/metricvault/internal/clock"
	"github.com/metricvault/metricvault/internal/domain"
	"github.com/metricvault/metricvault/internal/registry"
	"github.com/metricvault/metricvault/internal/storage"
	"github.com/metricvault/metricvault/internal/telemetry"
)

// Aggregation is the requested aggregation kind.
type Aggregation string

const (
	AggNone  Aggregation = ""
	AggRate  Aggregation = "RATE"
	AggP50   Aggregation = "P50"
	AggP75   Aggregation = "P75"
	AggP90   Aggregation = "P90"
	AggP95   Aggregation = "P95"
	AggP99   Aggregation = "P99"
	AggSum   Aggregation = "SUM"
	AggAvg   Aggregation = "AVG"
	AggMin   Aggregation = "MIN"
	AggMax   Aggregation = "MAX"
	AggCount Aggregation = "COUNT"
)

var percentiles = map[Aggregation]float64{
	AggP50: 0.50, AggP75: 0.75, AggP90: 0.90, AggP95: 0.95, AggP99: 0.99,
}

var intervalRe = regexp.MustCompile(`^(\d+)([smhd])$`)

const (
	maxRange    = 90 * 24 * time.Hour
	maxBuckets  = 1000
	hardTimeout = 5 * time.Second
)

// Request is the caller-supplied query.
type Request struct {
	MetricName  string
	Start       *time.Time
	End         *time.Time
	Aggregation Aggregation
	Interval    string
	Labels      map[string]string
	Limit       int
}

// Point is one output data point.
type Point struct {
	Time   time.Time
	Value  float64
	Labels map[string]string
}

// Result is the output shape shared by every aggregation route.
type Result struct {
	Metric      string
	Data        []Point
	Aggregation Aggregation
	Interval    string
	TotalPoints int
}

// ArchiveQueryFunc is the subset of the archival engine the planner
// consults for cross-tier fan-out: *archival.Engine.QueryArchive
// satisfies this signature directly. It is a func type rather than an
// interface so query need not import the archival package (which
// itself depends on storage, not query - this keeps the dependency
// one-directional).
type ArchiveQueryFunc func(ctx context.Context, metricID uuid.UUID, rng storage.TimeRange) ([]storage.RawRow, error)

// Planner is the QueryPlanner.
type Planner struct {
	registry     *registry.Registry
	gateway      storage.Gateway
	archiveQuery ArchiveQueryFunc
	hotRetention time.Duration
	clock        clock.Clock
	metrics      *telemetry.Metrics
	rate         *RateEngine
	limit        Config
}

// Config holds the query section of the engine configuration.
type Config struct {
	DefaultLimit   int `json:"defaultLimit"`
	MaxLimit       int `json:"maxLimit"`
	TimeoutSeconds int `json:"timeoutSeconds"`
	// HotRetentionDays marks the age beyond which a requested range may
	// intersect the archive tier, triggering fan-out into archiveQuery.
	// Populated from the hot-tier section, not the query section.
	HotRetentionDays int `json:"-"`
}

func DefaultConfig() Config {
	return Config{DefaultLimit: 100, MaxLimit: 10000, TimeoutSeconds: 30, HotRetentionDays: 10}
}

// NewPlanner builds a Planner. archiveQuery may be nil if cold-tier
// fan-out is disabled; queries then only ever see hot-tier data.
func NewPlanner(reg *registry.Registry, gateway storage.Gateway, clk clock.Clock, m *telemetry.Metrics, cfg Config, archiveQuery ArchiveQueryFunc) *Planner {
	return &Planner{
		registry:     reg,
		gateway:      gateway,
		archiveQuery: archiveQuery,
		hotRetention: time.Duration(cfg.HotRetentionDays) * 24 * time.Hour,
		clock:        clk,
		metrics:      m,
		rate:         NewRateEngine(),
		limit:        cfg,
	}
}

// Plan validates req and routes it to the appropriate storage reads.
func (p *Planner) Plan(ctx context.Context, req Request) (Result, error) {
	if req.MetricName == "" {
		return Result{}, domain.BadInput("metricName: must not be empty")
	}

	now := p.clock.Now()
	end := now
	if req.End != nil {
		end = *req.End
	}
	start := end.Add(-24 * time.Hour)
	if req.Start != nil {
		start = *req.Start
	}
	if !start.Before(end) {
		return Result{}, domain.BadInput("startTime must be before endTime")
	}
	if end.Sub(start) > maxRange {
		return Result{}, domain.BadInput("range exceeds maximum of %s", maxRange)
	}
	var interval time.Duration
	if req.Interval != "" {
		d, err := parseInterval(req.Interval)
		if err != nil {
			return Result{}, err
		}
		interval = d
	}

	m, err := p.registry.GetByName(ctx, req.MetricName)
	if err != nil {
		return Result{}, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = p.limit.DefaultLimit
	}
	if limit > p.limit.MaxLimit {
		limit = p.limit.MaxLimit
	}

	timeout := time.Duration(p.limit.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rng := storage.TimeRange{Start: start, End: end}

	switch {
	case req.Aggregation == AggNone:
		return p.planRaw(ctx, m, rng, req.Labels, limit)
	case req.Aggregation == AggRate:
		return p.planRate(ctx, m, rng, req.Labels)
	case isPercentile(req.Aggregation):
		return p.planPercentile(ctx, m, req.Aggregation, rng, req.Labels, end)
	case isBucketAgg(req.Aggregation):
		return p.planBucket(ctx, m, req.Aggregation, rng, req.Labels, interval)
	default:
		return Result{}, domain.BadInput("aggregation %q is not recognized", req.Aggregation)
	}
}

func (p *Planner) planRaw(ctx context.Context, m *domain.Metric, rng storage.TimeRange, labels map[string]string, limit int) (Result, error) {
	start := p.clock.Now()
	rows, err := p.gateway.ReadRaw(ctx, m.ID, rng, labels, limit)
	if err != nil {
		return Result{}, err
	}

	if archived := p.fetchArchived(ctx, m.ID, rng); len(archived) > 0 {
		rows = mergeNewestFirst(rows, archived)
	}
	p.metrics.QueryDuration.WithLabelValues("raw").Observe(p.clock.Now().Sub(start).Seconds())

	if len(rows) > limit {
		rows = rows[:limit]
	}
	if len(rows) > maxBuckets {
		return Result{}, domain.ResourceExhausted("merged raw result has %d points, exceeding the cap of %d", len(rows), maxBuckets)
	}

	data := make([]Point, len(rows))
	for i, r := range rows {
		data[i] = Point{Time: r.Time, Value: r.Value, Labels: r.Labels}
	}
	return Result{Metric: m.Name, Data: data, Aggregation: AggNone, TotalPoints: len(data)}, nil
}

// fetchArchived consults the cold tier when the requested range
// reaches back past the hot-retention boundary. It returns nil (no
// fan-out) when archiving is disabled or the range never crosses the
// boundary.
func (p *Planner) fetchArchived(ctx context.Context, metricID uuid.UUID, rng storage.TimeRange) []storage.RawRow {
	if p.archiveQuery == nil {
		return nil
	}
	archiveBoundary := p.clock.Now().Add(-p.hotRetention)
	if !rng.Start.Before(archiveBoundary) {
		return nil
	}
	archiveRange := rng
	if archiveRange.End.After(archiveBoundary) {
		archiveRange.End = archiveBoundary
	}
	rows, err := p.archiveQuery(ctx, metricID, archiveRange)
	if err != nil {
		return nil
	}
	return rows
}

func mergeNewestFirst(hot, cold []storage.RawRow) []storage.RawRow {
	merged := append(append([]storage.RawRow{}, hot...), cold...)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Time.After(merged[j].Time) })
	return merged
}

func (p *Planner) planRate(ctx context.Context, m *domain.Metric, rng storage.TimeRange, labels map[string]string) (Result, error) {
	if m.Kind != domain.KindCounter {
		return Result{}, domain.BadInput("RATE requires a COUNTER metric, got %s", m.Kind)
	}
	rows, err := p.gateway.ReadRaw(ctx, m.ID, rng, labels, 0)
	if err != nil {
		return Result{}, err
	}
	if archived := p.fetchArchived(ctx, m.ID, rng); len(archived) > 0 {
		rows = mergeNewestFirst(rows, archived)
	}
	ratePoints := p.rate.Compute(m.ID, rows)

	data := make([]Point, len(ratePoints))
	for i, r := range ratePoints {
		data[i] = Point{Time: r.Time, Value: r.Value, Labels: r.Labels}
	}
	return Result{Metric: m.Name, Data: data, Aggregation: AggRate, TotalPoints: len(data)}, nil
}

func (p *Planner) planPercentile(ctx context.Context, m *domain.Metric, agg Aggregation, rng storage.TimeRange, labels map[string]string, at time.Time) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, hardTimeout)
	defer cancel()

	quantile := percentiles[agg]
	value, ok, err := p.gateway.Percentile(ctx, m.ID, quantile, rng, labels)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Result{}, domain.Transient(err, "percentile query timed out after %s; narrow the range and retry", hardTimeout)
		}
		return Result{}, err
	}
	if !ok {
		return Result{Metric: m.Name, Aggregation: agg, TotalPoints: 0}, nil
	}
	return Result{
		Metric:      m.Name,
		Data:        []Point{{Time: at, Value: value, Labels: labels}},
		Aggregation: agg,
		TotalPoints: 1,
	}, nil
}

func (p *Planner) planBucket(ctx context.Context, m *domain.Metric, agg Aggregation, rng storage.TimeRange, labels map[string]string, interval time.Duration) (Result, error) {
	if interval == 0 {
		interval = rng.End.Sub(rng.Start)
	}

	// Aggregation reads get a tighter bound than the whole request.
	ctx, cancel := context.WithTimeout(ctx, hardTimeout)
	defer cancel()

	rows, err := p.gateway.Bucket(ctx, m.ID, interval, rng, labels)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Result{}, domain.Transient(err, "bucketed query timed out after %s; widen interval or narrow range and retry", hardTimeout)
		}
		return Result{}, err
	}
	if len(rows) > maxBuckets {
		return Result{}, domain.ResourceExhausted("bucketed query returned %d buckets, exceeding the cap of %d; widen interval or narrow range", len(rows), maxBuckets)
	}

	data := make([]Point, len(rows))
	for i, r := range rows {
		data[i] = Point{Time: r.Bucket, Value: selectAggValue(agg, r)}
	}
	sort.Slice(data, func(i, j int) bool { return data[i].Time.After(data[j].Time) })
	return Result{Metric: m.Name, Data: data, Aggregation: agg, Interval: fmtInterval(interval), TotalPoints: len(data)}, nil
}

func selectAggValue(agg Aggregation, r storage.BucketRow) float64 {
	switch agg {
	case AggSum:
		return r.Sum
	case AggAvg:
		return r.Avg
	case AggMin:
		return r.Min
	case AggMax:
		return r.Max
	case AggCount:
		return float64(r.Count)
	default:
		return r.Avg
	}
}

func isPercentile(agg Aggregation) bool {
	_, ok := percentiles[agg]
	return ok
}

func isBucketAgg(agg Aggregation) bool {
	switch agg {
	case AggSum, AggAvg, AggMin, AggMax, AggCount:
		return true
	default:
		return false
	}
}

func parseInterval(s string) (time.Duration, error) {
	m := intervalRe.FindStringSubmatch(s)
	if m == nil {
		return 0, domain.BadInput("interval %q must match ^\\d+[smhd]$", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, domain.BadInput("interval %q: invalid quantity", s)
	}
	switch m[2] {
	case "s":
		return time.Duration(n) * time.Second, nil
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	case "d":
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, domain.BadInput("interval %q: unknown unit", s)
	}
}

func fmtInterval(d time.Duration) string {
	switch {
	case d%(24*time.Hour) == 0:
		return strconv.Itoa(int(d/(24*time.Hour))) + "d"
	case d%time.Hour == 0:
		return strconv.Itoa(int(d/time.Hour)) + "h"
	case d%time.Minute == 0:
		return strconv.Itoa(int(d/time.Minute)) + "m"
	default:
		return strconv.Itoa(int(d/time.Second)) + "s"
	}
}
