// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of metricvault.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package registry implements the MetricRegistry: metric
// definitions, label schemas, and an in-memory lookup cache that is
// always a monotonic mirror of the store - writes go to storage
// first and only then refresh or evict the cache entry.
package registry

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/metricvault/metricvault/internal/clock"
	"github.com/metricvault/metricvault/internal/domain"
	"github.com/metricvault/metricvault/internal/storage"
)

// Filter narrows MetricRegistry.List.
type Filter struct {
	ActiveOnly bool
}

// Registry is the MetricRegistry implementation. Concurrent readers
// and writers are safe: cache mutation is a single map-entry
// replacement under a mutex, never a per-metric lock.
type Registry struct {
	store storage.MetricStore
	clock clock.Clock

	mu     sync.RWMutex
	byName map[string]*domain.Metric
	byID   map[uuid.UUID]*domain.Metric
}

func New(store storage.MetricStore, c clock.Clock) *Registry {
	return &Registry{
		store:  store,
		clock:  c,
		byName: make(map[string]*domain.Metric),
		byID:   make(map[uuid.UUID]*domain.Metric),
	}
}

// Preload loads every metric into the cache at startup.
func (r *Registry) Preload(ctx context.Context) error {
	metrics, err := r.store.List(ctx, false)
	if err != nil {
		return err
	}
	r.mu.Lock()
	for _, m := range metrics {
		r.byName[m.Name] = m
		r.byID[m.ID] = m
	}
	r.mu.Unlock()
	return nil
}

// Register validates the definition, checks uniqueness, and inserts
// the metric and its label rows atomically (best-effort: label rows
// are inserted in the same call, and the cache is not populated until
// both writes succeed).
func (r *Registry) Register(ctx context.Context, def domain.Definition) (*domain.Metric, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	if _, err := r.store.GetByName(ctx, def.Name); err == nil {
		return nil, domain.Conflict("metric %q already exists", def.Name)
	} else if !domain.Is(err, domain.KindNotFound) {
		return nil, err
	}

	now := r.clock.Now()
	m := &domain.Metric{
		ID:          uuid.New(),
		Name:        def.Name,
		Kind:        def.Kind,
		Description: def.Description,
		Unit:        def.Unit,
		Labels:      def.Labels,
		Retention:   def.Retention,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := r.store.Insert(ctx, m); err != nil {
		return nil, err
	}
	if err := r.store.InsertLabels(ctx, m.ID, m.Labels); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.byName[m.Name] = m
	r.byID[m.ID] = m
	r.mu.Unlock()
	return m, nil
}

// GetOrCreate is invoked by ingestion when a sample arrives for an
// unknown name. It registers with an empty label schema and
// the given default kind, racing safely against a concurrent
// registration of the same name by treating Conflict as success.
func (r *Registry) GetOrCreate(ctx context.Context, name string, defaultKind domain.Kind) (*domain.Metric, error) {
	if m, err := r.GetByName(ctx, name); err == nil {
		return m, nil
	} else if !domain.Is(err, domain.KindNotFound) {
		return nil, err
	}

	m, err := r.Register(ctx, domain.Definition{Name: name, Kind: defaultKind, Labels: domain.LabelSchema{}})
	if err != nil {
		if domain.Is(err, domain.KindConflict) {
			return r.GetByName(ctx, name)
		}
		return nil, err
	}
	return m, nil
}

// GetByName is the hot ingest-path lookup: cache first, storage on
// miss, with the cache populated on a successful storage read.
func (r *Registry) GetByName(ctx context.Context, name string) (*domain.Metric, error) {
	r.mu.RLock()
	m, ok := r.byName[name]
	r.mu.RUnlock()
	if ok {
		return m, nil
	}

	m, err := r.store.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.byName[m.Name] = m
	r.byID[m.ID] = m
	r.mu.Unlock()
	return m, nil
}

func (r *Registry) GetByID(ctx context.Context, id uuid.UUID) (*domain.Metric, error) {
	r.mu.RLock()
	m, ok := r.byID[id]
	r.mu.RUnlock()
	if ok {
		return m, nil
	}

	m, err := r.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.byName[m.Name] = m
	r.byID[m.ID] = m
	r.mu.Unlock()
	return m, nil
}

func (r *Registry) List(ctx context.Context, filter Filter) ([]*domain.Metric, error) {
	return r.store.List(ctx, filter.ActiveOnly)
}

func (r *Registry) LabelsOf(ctx context.Context, id uuid.UUID) (domain.LabelSchema, error) {
	m, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.Labels, nil
}

// Update mutates retention and/or active, writing through to storage
// before refreshing the cache entry.
func (r *Registry) Update(ctx context.Context, id uuid.UUID, retention *int, active *bool) (*domain.Metric, error) {
	if retention != nil && (*retention < domain.MinRetentionDays || *retention > domain.MaxRetentionDays) {
		return nil, domain.BadInput("retention: %d days is outside [%d, %d]", *retention, domain.MinRetentionDays, domain.MaxRetentionDays)
	}
	if err := r.store.Update(ctx, id, retention, active); err != nil {
		return nil, err
	}

	m, err := r.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	m.Labels, err = r.store.LabelsOf(ctx, id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.byName[m.Name] = m
	r.byID[m.ID] = m
	r.mu.Unlock()
	return m, nil
}

// SoftDelete clears the active flag and evicts the cache entry before
// returning so a subsequent get cannot revive a stale copy.
func (r *Registry) SoftDelete(ctx context.Context, id uuid.UUID) error {
	if err := r.store.SoftDelete(ctx, id); err != nil {
		return err
	}

	r.mu.Lock()
	if m, ok := r.byID[id]; ok {
		delete(r.byName, m.Name)
		delete(r.byID, id)
	}
	r.mu.Unlock()
	return nil
}
