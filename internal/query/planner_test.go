// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of metricvault.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package query

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metricvault/metricvault/internal/clock"
	"github.com/metricvault/metricvault/internal/domain"
	"github.com/metricvault/metricvault/internal/registry"
	"github.com/metricvault/metricvault/internal/storage"
	"github.com/metricvault/metricvault/internal/telemetry"
)

type fakeMetricStore struct {
	metrics map[string]*domain.Metric
}

func (f *fakeMetricStore) Insert(ctx context.Context, m *domain.Metric) error { return nil }
func (f *fakeMetricStore) InsertLabels(ctx context.Context, id uuid.UUID, keys domain.LabelSchema) error {
	return nil
}
func (f *fakeMetricStore) GetByName(ctx context.Context, name string) (*domain.Metric, error) {
	m, ok := f.metrics[name]
	if !ok {
		return nil, domain.NotFound("metric %q not found", name)
	}
	cp := *m
	return &cp, nil
}
func (f *fakeMetricStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Metric, error) {
	for _, m := range f.metrics {
		if m.ID == id {
			cp := *m
			return &cp, nil
		}
	}
	return nil, domain.NotFound("metric %s not found", id)
}
func (f *fakeMetricStore) LabelsOf(ctx context.Context, id uuid.UUID) (domain.LabelSchema, error) {
	return nil, nil
}
func (f *fakeMetricStore) List(ctx context.Context, activeOnly bool) ([]*domain.Metric, error) {
	return nil, nil
}
func (f *fakeMetricStore) Update(ctx context.Context, id uuid.UUID, retention *int, active *bool) error {
	return nil
}
func (f *fakeMetricStore) SoftDelete(ctx context.Context, id uuid.UUID) error { return nil }

type fakeGateway struct {
	storage.Gateway
	raw        []storage.RawRow
	bucketRows []storage.BucketRow
	percentile float64
	percentOK  bool
}

func (f *fakeGateway) ReadRaw(ctx context.Context, metricID uuid.UUID, rng storage.TimeRange, labels map[string]string, limit int) ([]storage.RawRow, error) {
	return f.raw, nil
}

func (f *fakeGateway) Bucket(ctx context.Context, metricID uuid.UUID, interval time.Duration, rng storage.TimeRange, labels map[string]string) ([]storage.BucketRow, error) {
	return f.bucketRows, nil
}

func (f *fakeGateway) Percentile(ctx context.Context, metricID uuid.UUID, quantile float64, rng storage.TimeRange, labels map[string]string) (float64, bool, error) {
	return f.percentile, f.percentOK, nil
}

func newTestPlanner(t *testing.T, gw *fakeGateway, metrics map[string]*domain.Metric) *Planner {
	t.Helper()
	store := &fakeMetricStore{metrics: metrics}
	reg := registry.New(store, clock.Real{})
	return NewPlanner(reg, gw, clock.Real{}, telemetry.New(prometheus.NewRegistry()), DefaultConfig(), nil)
}

func gaugeMetric(name string) *domain.Metric {
	return &domain.Metric{ID: uuid.New(), Name: name, Kind: domain.KindGauge, Active: true, Labels: domain.LabelSchema{"host"}}
}

func TestPlanRawReturnsRows(t *testing.T) {
	m := gaugeMetric("cpu")
	gw := &fakeGateway{raw: []storage.RawRow{{Time: time.Now(), Value: 1}}}
	p := newTestPlanner(t, gw, map[string]*domain.Metric{"cpu": m})

	res, err := p.Plan(context.Background(), Request{MetricName: "cpu"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.TotalPoints)
	assert.Equal(t, AggNone, res.Aggregation)
}

func TestPlanRejectsEmptyMetricName(t *testing.T) {
	p := newTestPlanner(t, &fakeGateway{}, map[string]*domain.Metric{})
	_, err := p.Plan(context.Background(), Request{})
	require.Error(t, err)
	assert.True(t, domain.Is(err, domain.KindBadInput))
}

func TestPlanRejectsInvertedRange(t *testing.T) {
	m := gaugeMetric("cpu")
	p := newTestPlanner(t, &fakeGateway{}, map[string]*domain.Metric{"cpu": m})
	start := time.Now()
	end := start.Add(-time.Hour)
	_, err := p.Plan(context.Background(), Request{MetricName: "cpu", Start: &start, End: &end})
	require.Error(t, err)
}

func TestPlanRateRequiresCounter(t *testing.T) {
	m := gaugeMetric("cpu") // GAUGE, not COUNTER
	p := newTestPlanner(t, &fakeGateway{}, map[string]*domain.Metric{"cpu": m})

	_, err := p.Plan(context.Background(), Request{MetricName: "cpu", Aggregation: AggRate})
	require.Error(t, err)
	assert.True(t, domain.Is(err, domain.KindBadInput))
}

func TestPlanPercentileReturnsSinglePoint(t *testing.T) {
	m := gaugeMetric("latency")
	gw := &fakeGateway{percentile: 42.0, percentOK: true}
	p := newTestPlanner(t, gw, map[string]*domain.Metric{"latency": m})

	res, err := p.Plan(context.Background(), Request{MetricName: "latency", Aggregation: AggP95})
	require.NoError(t, err)
	require.Len(t, res.Data, 1)
	assert.Equal(t, 42.0, res.Data[0].Value)
}

func TestPlanBucketRejectsOverCap(t *testing.T) {
	m := gaugeMetric("cpu")
	rows := make([]storage.BucketRow, maxBuckets+1)
	for i := range rows {
		rows[i] = storage.BucketRow{Bucket: time.Now()}
	}
	gw := &fakeGateway{bucketRows: rows}
	p := newTestPlanner(t, gw, map[string]*domain.Metric{"cpu": m})

	_, err := p.Plan(context.Background(), Request{MetricName: "cpu", Aggregation: AggAvg, Interval: "5m"})
	require.Error(t, err)
	assert.True(t, domain.Is(err, domain.KindResourceExhausted))
}

func TestPlanRejectsMalformedInterval(t *testing.T) {
	m := gaugeMetric("cpu")
	p := newTestPlanner(t, &fakeGateway{}, map[string]*domain.Metric{"cpu": m})

	_, err := p.Plan(context.Background(), Request{MetricName: "cpu", Aggregation: AggSum, Interval: "bogus"})
	require.Error(t, err)
	assert.True(t, domain.Is(err, domain.KindBadInput))
}

func TestPlanUnknownMetricNotFound(t *testing.T) {
	p := newTestPlanner(t, &fakeGateway{}, map[string]*domain.Metric{})
	_, err := p.Plan(context.Background(), Request{MetricName: "missing"})
	require.Error(t, err)
	assert.True(t, domain.Is(err, domain.KindNotFound))
}
