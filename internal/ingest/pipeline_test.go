// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of metricvault.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ingest

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metricvault/metricvault/internal/cardinality"
	"github.com/metricvault/metricvault/internal/clock"
	"github.com/metricvault/metricvault/internal/domain"
	"github.com/metricvault/metricvault/internal/registry"
	"github.com/metricvault/metricvault/internal/storage"
	"github.com/metricvault/metricvault/internal/telemetry"
)

type fakeMetricStore struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*domain.Metric
	byNm map[string]uuid.UUID
}

func newFakeMetricStore() *fakeMetricStore {
	return &fakeMetricStore{byID: map[uuid.UUID]*domain.Metric{}, byNm: map[string]uuid.UUID{}}
}

func (f *fakeMetricStore) Insert(ctx context.Context, m *domain.Metric) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byNm[m.Name]; ok {
		return domain.Conflict("metric %q already exists", m.Name)
	}
	cp := *m
	f.byID[m.ID] = &cp
	f.byNm[m.Name] = m.ID
	return nil
}
func (f *fakeMetricStore) InsertLabels(ctx context.Context, id uuid.UUID, keys domain.LabelSchema) error {
	return nil
}
func (f *fakeMetricStore) GetByName(ctx context.Context, name string) (*domain.Metric, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byNm[name]
	if !ok {
		return nil, domain.NotFound("metric %q not found", name)
	}
	cp := *f.byID[id]
	return &cp, nil
}
func (f *fakeMetricStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Metric, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byID[id]
	if !ok {
		return nil, domain.NotFound("metric %s not found", id)
	}
	cp := *m
	return &cp, nil
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
	mu      sync.Mutex
	written []storage.RawRow
	failN   int // number of Upsert calls to fail before succeeding
}

func (f *fakeGateway) Upsert(ctx context.Context, metricID uuid.UUID, t time.Time, value float64, labels map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failN > 0 {
		f.failN--
		return domain.Transient(assertErr{}, "simulated flush failure")
	}
	f.written = append(f.written, storage.RawRow{Time: t, Value: value, Labels: labels})
	return nil
}

func (f *fakeGateway) CountDistinctLabelCombinations(ctx context.Context, metricID uuid.UUID, since time.Time) (int, error) {
	return 0, nil
}

type assertErr struct{}

func (assertErr) Error() string { return "simulated error" }

func newTestPipeline(t *testing.T, gw *fakeGateway) (*Pipeline, *registry.Registry) {
	t.Helper()
	store := newFakeMetricStore()
	reg := registry.New(store, clock.Real{})
	guard := cardinality.New(cardinality.DefaultConfig(), gw, clock.Real{})
	cfg := DefaultConfig()
	cfg.BatchSize = 10
	p := New(cfg, reg, guard, gw, clock.Real{}, telemetry.New(prometheus.NewRegistry()))
	return p, reg
}

func TestIngestAcceptsValidSample(t *testing.T) {
	gw := &fakeGateway{}
	p, reg := newTestPipeline(t, gw)

	_, err := reg.Register(context.Background(), domain.Definition{Name: "cpu_usage", Kind: domain.KindGauge, Labels: domain.LabelSchema{"host"}})
	require.NoError(t, err)

	result, err := p.Ingest(context.Background(), []RawSample{
		{MetricName: "cpu_usage", Value: 0.5, Time: time.Now(), Labels: map[string]string{"host": "a"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)
	assert.Equal(t, 0, result.Rejected)
	assert.Equal(t, 1, p.Stats())
}

func TestIngestRejectsNaN(t *testing.T) {
	gw := &fakeGateway{}
	p, _ := newTestPipeline(t, gw)

	result, err := p.Ingest(context.Background(), []RawSample{
		{MetricName: "cpu_usage", Value: math.NaN(), Time: time.Now()},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Accepted)
	assert.Equal(t, 1, result.Rejected)
}

func TestIngestRejectsEmptyBatch(t *testing.T) {
	gw := &fakeGateway{}
	p, _ := newTestPipeline(t, gw)

	_, err := p.Ingest(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, domain.Is(err, domain.KindBadInput))
}

func TestIngestPartialSuccessWithinBatch(t *testing.T) {
	gw := &fakeGateway{}
	p, _ := newTestPipeline(t, gw)

	result, err := p.Ingest(context.Background(), []RawSample{
		{MetricName: "mem_bytes", Value: 10, Time: time.Now()},
		{MetricName: "mem_bytes", Value: math.Inf(1), Time: time.Now()},
		{MetricName: "mem_bytes", Value: 20, Time: time.Now()},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Accepted)
	assert.Equal(t, 1, result.Rejected)
	assert.Len(t, result.Errors, 1)
	assert.Equal(t, 1, result.Errors[0].Index)
}

func TestFlushWritesAndDrainsBuffer(t *testing.T) {
	gw := &fakeGateway{}
	p, _ := newTestPipeline(t, gw)

	_, err := p.Ingest(context.Background(), []RawSample{
		{MetricName: "disk_io", Value: 1, Time: time.Now()},
	})
	require.NoError(t, err)
	require.NoError(t, p.Flush(context.Background()))

	assert.Equal(t, 0, p.Stats())
	assert.Len(t, gw.written, 1)
}

func TestFlushReenqueuesOnFailure(t *testing.T) {
	gw := &fakeGateway{failN: 1}
	p, _ := newTestPipeline(t, gw)

	_, err := p.Ingest(context.Background(), []RawSample{
		{MetricName: "net_bytes", Value: 1, Time: time.Now()},
	})
	require.NoError(t, err)

	err = p.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, p.Stats(), "failed flush must re-enqueue the drained batch")

	require.NoError(t, p.Flush(context.Background()))
	assert.Equal(t, 0, p.Stats())
	assert.Len(t, gw.written, 1)
}

func TestIngestRejectsUnknownLabel(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{}
	p, reg := newTestPipeline(t, gw)

	_, err := reg.Register(ctx, domain.Definition{Name: "strict_metric", Kind: domain.KindGauge, Labels: domain.LabelSchema{"host"}})
	require.NoError(t, err)

	result, err := p.Ingest(ctx, []RawSample{
		{MetricName: "strict_metric", Value: 1, Time: time.Now(), Labels: map[string]string{"unexpected": "x"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Accepted)
	assert.Equal(t, 1, result.Rejected)
}
