// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of metricvault.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metricvault/metricvault/internal/clock"
	"github.com/metricvault/metricvault/internal/domain"
)

// fakeStore is an in-memory storage.MetricStore used to exercise the
// cache discipline in Registry without a live database.
type fakeStore struct {
	mu      sync.Mutex
	byID    map[uuid.UUID]*domain.Metric
	byName  map[string]uuid.UUID
	labels  map[uuid.UUID]domain.LabelSchema
	inserts int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byID:   make(map[uuid.UUID]*domain.Metric),
		byName: make(map[string]uuid.UUID),
		labels: make(map[uuid.UUID]domain.LabelSchema),
	}
}

func (f *fakeStore) Insert(ctx context.Context, m *domain.Metric) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byName[m.Name]; ok {
		return domain.Conflict("metric %q already exists", m.Name)
	}
	cp := *m
	f.byID[m.ID] = &cp
	f.byName[m.Name] = m.ID
	f.inserts++
	return nil
}

func (f *fakeStore) InsertLabels(ctx context.Context, metricID uuid.UUID, keys domain.LabelSchema) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labels[metricID] = keys
	return nil
}

func (f *fakeStore) GetByName(ctx context.Context, name string) (*domain.Metric, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byName[name]
	if !ok {
		return nil, domain.NotFound("metric %q not found", name)
	}
	cp := *f.byID[id]
	cp.Labels = f.labels[id]
	return &cp, nil
}

func (f *fakeStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Metric, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byID[id]
	if !ok {
		return nil, domain.NotFound("metric %s not found", id)
	}
	cp := *m
	cp.Labels = f.labels[id]
	return &cp, nil
}

func (f *fakeStore) LabelsOf(ctx context.Context, id uuid.UUID) (domain.LabelSchema, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.labels[id], nil
}

func (f *fakeStore) List(ctx context.Context, activeOnly bool) ([]*domain.Metric, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Metric
	for _, m := range f.byID {
		if activeOnly && !m.Active {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStore) Update(ctx context.Context, id uuid.UUID, retention *int, active *bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byID[id]
	if !ok {
		return domain.NotFound("metric %s not found", id)
	}
	if retention != nil {
		m.Retention = *retention
	}
	if active != nil {
		m.Active = *active
	}
	return nil
}

func (f *fakeStore) SoftDelete(ctx context.Context, id uuid.UUID) error {
	active := false
	return f.Update(ctx, id, nil, &active)
}

func TestRegisterAndGetByName(t *testing.T) {
	ctx := context.Background()
	r := New(newFakeStore(), clock.Real{})

	m, err := r.Register(ctx, domain.Definition{Name: "cpu_usage", Kind: domain.KindGauge, Labels: domain.LabelSchema{"host"}})
	require.NoError(t, err)
	assert.True(t, m.Active)
	assert.Equal(t, domain.DefaultRetentionDays, m.Retention)

	got, err := r.GetByName(ctx, "cpu_usage")
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, domain.LabelSchema{"host"}, got.Labels)
}

func TestRegisterDuplicateNameConflicts(t *testing.T) {
	ctx := context.Background()
	r := New(newFakeStore(), clock.Real{})

	_, err := r.Register(ctx, domain.Definition{Name: "requests_total", Kind: domain.KindCounter})
	require.NoError(t, err)

	_, err = r.Register(ctx, domain.Definition{Name: "requests_total", Kind: domain.KindCounter})
	require.Error(t, err)
	assert.True(t, domain.Is(err, domain.KindConflict))
}

func TestRegisterInvalidDefinitionRejected(t *testing.T) {
	ctx := context.Background()
	r := New(newFakeStore(), clock.Real{})

	_, err := r.Register(ctx, domain.Definition{Name: "", Kind: domain.KindCounter})
	require.Error(t, err)
	assert.True(t, domain.Is(err, domain.KindBadInput))
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	r := New(store, clock.Real{})

	first, err := r.GetOrCreate(ctx, "new_metric", domain.KindGauge)
	require.NoError(t, err)

	second, err := r.GetOrCreate(ctx, "new_metric", domain.KindGauge)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, store.inserts, "GetOrCreate must not double-insert on repeated calls")
}

func TestUpdateRefreshesCache(t *testing.T) {
	ctx := context.Background()
	r := New(newFakeStore(), clock.Real{})

	m, err := r.Register(ctx, domain.Definition{Name: "mem_bytes", Kind: domain.KindGauge})
	require.NoError(t, err)

	retention := 90
	updated, err := r.Update(ctx, m.ID, &retention, nil)
	require.NoError(t, err)
	assert.Equal(t, 90, updated.Retention)

	cached, err := r.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 90, cached.Retention, "cache must reflect the update, not the stale insert")
}

func TestUpdateRejectsRetentionOutOfBounds(t *testing.T) {
	ctx := context.Background()
	r := New(newFakeStore(), clock.Real{})

	m, err := r.Register(ctx, domain.Definition{Name: "disk_io", Kind: domain.KindCounter})
	require.NoError(t, err)

	bad := 9999
	_, err = r.Update(ctx, m.ID, &bad, nil)
	require.Error(t, err)
	assert.True(t, domain.Is(err, domain.KindBadInput))
}

func TestSoftDeleteEvictsCache(t *testing.T) {
	ctx := context.Background()
	r := New(newFakeStore(), clock.Real{})

	m, err := r.Register(ctx, domain.Definition{Name: "net_bytes", Kind: domain.KindCounter})
	require.NoError(t, err)

	require.NoError(t, r.SoftDelete(ctx, m.ID))

	list, err := r.List(ctx, Filter{ActiveOnly: true})
	require.NoError(t, err)
	for _, item := range list {
		assert.NotEqual(t, m.ID, item.ID, "soft-deleted metric must not appear in active listing")
	}
}

func TestPreloadPopulatesCacheFromStore(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	seed := &domain.Metric{ID: uuid.New(), Name: "seeded", Kind: domain.KindGauge, Active: true, Retention: 10}
	require.NoError(t, store.Insert(ctx, seed))

	r := New(store, clock.Real{})
	require.NoError(t, r.Preload(ctx))

	got, err := r.GetByName(ctx, "seeded")
	require.NoError(t, err)
	assert.Equal(t, seed.ID, got.ID)
}
