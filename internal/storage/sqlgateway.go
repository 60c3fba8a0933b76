// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of metricvault.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/metricvault/metricvault/internal/domain"
)

// SQLGateway implements Gateway against the metric_samples table,
// composing predicates with squirrel. A real TimescaleDB deployment
// would replace Bucket/Percentile with native continuous-aggregate
// and percentile_cont queries; the Gateway contract does not change.
type SQLGateway struct {
	db *sqlx.DB
}

func NewSQLGateway(db *sqlx.DB) *SQLGateway {
	return &SQLGateway{db: db}
}

func labelsKey(labels map[string]string) string {
	if len(labels) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]string, len(labels))
	for _, k := range keys {
		ordered[k] = labels[k]
	}
	b, _ := json.Marshal(ordered)
	return string(b)
}

func (g *SQLGateway) Upsert(ctx context.Context, metricID uuid.UUID, t time.Time, value float64, labels map[string]string) error {
	_, err := squirrel.Insert("metric_samples").
		Columns("time", "metric_id", "value", "labels").
		Values(t.UTC().UnixNano(), metricID.String(), value, labelsKey(labels)).
		Suffix("ON CONFLICT(time, metric_id, labels) DO UPDATE SET value = excluded.value").
		RunWith(g.db).ExecContext(ctx)
	if err != nil {
		return domain.Transient(err, "upsert sample for metric %s", metricID)
	}
	return nil
}

func withLabelPredicate(b squirrel.SelectBuilder, labels map[string]string) squirrel.SelectBuilder {
	if len(labels) > 0 {
		b = b.Where(squirrel.Eq{"labels": labelsKey(labels)})
	}
	return b
}

func (g *SQLGateway) ReadRaw(ctx context.Context, metricID uuid.UUID, rng TimeRange, labels map[string]string, limit int) ([]RawRow, error) {
	b := squirrel.Select("time", "value", "labels").From("metric_samples").
		Where(squirrel.Eq{"metric_id": metricID.String()}).
		Where(squirrel.GtOrEq{"time": rng.Start.UTC().UnixNano()}).
		Where(squirrel.Lt{"time": rng.End.UTC().UnixNano()}).
		OrderBy("time DESC")
	b = withLabelPredicate(b, labels)
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}

	rows, err := b.RunWith(g.db).QueryContext(ctx)
	if err != nil {
		return nil, domain.Transient(err, "read raw samples for metric %s", metricID)
	}
	defer rows.Close()

	var out []RawRow
	for rows.Next() {
		var (
			t          int64
			v          float64
			labelsJSON string
		)
		if err := rows.Scan(&t, &v, &labelsJSON); err != nil {
			return nil, domain.Transient(err, "scan raw sample row")
		}
		lbls := map[string]string{}
		_ = json.Unmarshal([]byte(labelsJSON), &lbls)
		out = append(out, RawRow{Time: time.Unix(0, t).UTC(), Value: v, Labels: lbls})
	}
	return out, rows.Err()
}

// aggViews maps the standard granularities to their pre-aggregated
// views; anything else is bucketed from the raw table.
var aggViews = map[time.Duration]string{
	5 * time.Minute: "metric_samples_5m",
	time.Hour:       "metric_samples_1h",
	24 * time.Hour:  "metric_samples_1d",
}

func (g *SQLGateway) Bucket(ctx context.Context, metricID uuid.UUID, interval time.Duration, rng TimeRange, labels map[string]string) ([]BucketRow, error) {
	if interval <= 0 {
		return nil, domain.BadInput("bucket: interval must be positive")
	}
	if view, ok := aggViews[interval]; ok {
		return g.bucketFromView(ctx, view, metricID, rng, labels)
	}
	rows, err := g.rawSeries(ctx, metricID, rng, labels)
	if err != nil {
		return nil, err
	}

	type acc struct {
		sum, min, max float64
		count         int64
	}
	buckets := make(map[int64]*acc)
	stepNanos := interval.Nanoseconds()
	for _, r := range rows {
		bucketStart := (r.Time.UnixNano() / stepNanos) * stepNanos
		a, ok := buckets[bucketStart]
		if !ok {
			a = &acc{min: math.MaxFloat64, max: -math.MaxFloat64}
			buckets[bucketStart] = a
		}
		a.sum += r.Value
		a.count++
		a.min = math.Min(a.min, r.Value)
		a.max = math.Max(a.max, r.Value)
	}

	keys := make([]int64, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] > keys[j] })

	out := make([]BucketRow, 0, len(keys))
	for _, k := range keys {
		a := buckets[k]
		out = append(out, BucketRow{
			Bucket: time.Unix(0, k).UTC(),
			Avg:    a.sum / float64(a.count),
			Sum:    a.sum,
			Min:    a.min,
			Max:    a.max,
			Count:  a.count,
		})
	}
	return out, nil
}

// bucketFromView reads one of the pre-aggregated views, re-aggregating
// across label combinations unless a label predicate pins one series.
// Sums and counts combine exactly; the average is recomputed from them.
func (g *SQLGateway) bucketFromView(ctx context.Context, view string, metricID uuid.UUID, rng TimeRange, labels map[string]string) ([]BucketRow, error) {
	b := squirrel.Select("bucket", "SUM(sum)", "MIN(min)", "MAX(max)", "SUM(count)").
		From(view).
		Where(squirrel.Eq{"metric_id": metricID.String()}).
		Where(squirrel.GtOrEq{"bucket": rng.Start.UTC().UnixNano()}).
		Where(squirrel.Lt{"bucket": rng.End.UTC().UnixNano()})
	if len(labels) > 0 {
		b = b.Where(squirrel.Eq{"labels": labelsKey(labels)})
	}
	rows, err := b.GroupBy("bucket").OrderBy("bucket DESC").
		RunWith(g.db).QueryContext(ctx)
	if err != nil {
		return nil, domain.Transient(err, "read %s for metric %s", view, metricID)
	}
	defer rows.Close()

	var out []BucketRow
	for rows.Next() {
		var (
			bucket int64
			r      BucketRow
		)
		if err := rows.Scan(&bucket, &r.Sum, &r.Min, &r.Max, &r.Count); err != nil {
			return nil, domain.Transient(err, "scan %s row", view)
		}
		r.Bucket = time.Unix(0, bucket).UTC()
		if r.Count > 0 {
			r.Avg = r.Sum / float64(r.Count)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Percentile uses the continuous (interpolated) method: sort values
// ascending, locate the fractional rank, and
// linearly interpolate between the two bracketing samples.
func (g *SQLGateway) Percentile(ctx context.Context, metricID uuid.UUID, quantile float64, rng TimeRange, labels map[string]string) (float64, bool, error) {
	rows, err := g.rawSeries(ctx, metricID, rng, labels)
	if err != nil {
		return 0, false, err
	}
	if len(rows) == 0 {
		return 0, false, nil
	}
	values := make([]float64, len(rows))
	for i, r := range rows {
		values[i] = r.Value
	}
	sort.Float64s(values)
	return interpolatedPercentile(values, quantile), true, nil
}

func interpolatedPercentile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := q * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func (g *SQLGateway) rawSeries(ctx context.Context, metricID uuid.UUID, rng TimeRange, labels map[string]string) ([]RawRow, error) {
	return g.ReadRaw(ctx, metricID, rng, labels, 0)
}

func (g *SQLGateway) CountDistinctLabelCombinations(ctx context.Context, metricID uuid.UUID, since time.Time) (int, error) {
	var count int
	err := squirrel.Select("COUNT(DISTINCT labels)").From("metric_samples").
		Where(squirrel.Eq{"metric_id": metricID.String()}).
		Where(squirrel.GtOrEq{"time": since.UTC().UnixNano()}).
		RunWith(g.db).QueryRowContext(ctx).Scan(&count)
	if err != nil {
		return 0, domain.Transient(err, "count distinct series for metric %s", metricID)
	}
	return count, nil
}

func (g *SQLGateway) DeleteByRangeBatched(ctx context.Context, metricID uuid.UUID, rng TimeRange, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	total := 0
	for {
		sub := squirrel.Select("rowid").From("metric_samples").
			Where(squirrel.Eq{"metric_id": metricID.String()}).
			Where(squirrel.GtOrEq{"time": rng.Start.UTC().UnixNano()}).
			Where(squirrel.Lt{"time": rng.End.UTC().UnixNano()}).
			Limit(uint64(batchSize))
		subSQL, subArgs, err := sub.ToSql()
		if err != nil {
			return total, domain.Fatal("build delete subquery: %v", err)
		}

		res, err := g.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM metric_samples WHERE rowid IN (%s)", subSQL), subArgs...)
		if err != nil {
			return total, domain.Transient(err, "delete batch for metric %s", metricID)
		}
		n, _ := res.RowsAffected()
		total += int(n)
		if n == 0 || int(n) < batchSize {
			break
		}
	}
	return total, nil
}

func (g *SQLGateway) FindDistinctMetricsBefore(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	rows, err := squirrel.Select("DISTINCT metric_id").From("metric_samples").
		Where(squirrel.Lt{"time": cutoff.UTC().UnixNano()}).
		RunWith(g.db).QueryContext(ctx)
	if err != nil {
		return nil, domain.Transient(err, "find distinct metrics before cutoff")
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return nil, domain.Transient(err, "scan metric id")
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (g *SQLGateway) RequestVacuum(ctx context.Context) error {
	_, err := g.db.ExecContext(ctx, "PRAGMA incremental_vacuum")
	if err != nil {
		return domain.Transient(err, "request vacuum")
	}
	return nil
}
