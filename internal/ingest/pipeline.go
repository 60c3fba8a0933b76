// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of metricvault.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ingest implements the IngestionPipeline: per-sample
// validation, the write buffer, and the scheduled flush that drains it
// into the storage gateway. The buffer itself is a mutex-guarded slice
// rather than a channel: a channel models a pipe, but the oversize
// trigger and the re-enqueue-on-flush-failure behavior both need to
// inspect and re-populate the whole pending set, which a plain slice
// under a mutex does more directly than a channel would.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"

	"github.com/metricvault/metricvault/internal/cardinality"
	"github.com/metricvault/metricvault/internal/clock"
	"github.com/metricvault/metricvault/internal/domain"
	"github.com/metricvault/metricvault/internal/registry"
	"github.com/metricvault/metricvault/internal/storage"
	"github.com/metricvault/metricvault/internal/telemetry"
)

// RawSample is the caller-supplied payload before the metric name has
// been resolved to an id.
type RawSample struct {
	MetricName string
	Value      float64
	Time       time.Time
	Labels     map[string]string
}

// IngestError reports a single rejected sample.
type IngestError struct {
	Index      int
	MetricName string
	Reason     string
}

// IngestResult is the return value of Ingest.
type IngestResult struct {
	Accepted   int
	Rejected   int
	Errors     []IngestError
	DurationMs int64
}

// Config holds the ingestion section of the engine configuration.
// WorkerThreads bounds how many sample validations run concurrently
// within a single Ingest call.
type Config struct {
	BufferMaxSize   int `json:"bufferMaxSize"`
	FlushIntervalMs int `json:"flushIntervalMs"`
	BatchSize       int `json:"batchSize"`
	WorkerThreads   int `json:"workerThreads"`
}

func DefaultConfig() Config {
	return Config{BufferMaxSize: 10000, FlushIntervalMs: 5000, BatchSize: 1000, WorkerThreads: 4}
}

type pendingSample struct {
	metricID uuid.UUID
	time     time.Time
	value    float64
	labels   map[string]string
}

// Pipeline is the IngestionPipeline.
type Pipeline struct {
	cfg      Config
	registry *registry.Registry
	guard    *cardinality.Guard
	gateway  storage.Gateway
	clock    clock.Clock
	metrics  *telemetry.Metrics

	mu      sync.Mutex
	pending []pendingSample

	flushTrigger chan struct{}
}

func New(cfg Config, reg *registry.Registry, guard *cardinality.Guard, gateway storage.Gateway, c clock.Clock, m *telemetry.Metrics) *Pipeline {
	return &Pipeline{
		cfg:          cfg,
		registry:     reg,
		guard:        guard,
		gateway:      gateway,
		clock:        c,
		metrics:      m,
		flushTrigger: make(chan struct{}, 1),
	}
}

// Ingest validates and enqueues a batch of samples. Validation
// is per-sample: a malformed sample in the middle of a batch does not
// prevent its siblings from being accepted.
func (p *Pipeline) Ingest(ctx context.Context, samples []RawSample) (IngestResult, error) {
	start := p.clock.Now()
	if len(samples) == 0 {
		return IngestResult{}, domain.BadInput("batch must not be empty")
	}
	if len(samples) > p.cfg.BufferMaxSize {
		return IngestResult{}, domain.ResourceExhausted("batch size %d exceeds buffer cap %d", len(samples), p.cfg.BufferMaxSize)
	}

	result := IngestResult{}
	now := p.clock.Now()

	// Validations run concurrently, bounded by WorkerThreads; results
	// are joined in index order so error reporting stays stable.
	type outcome struct {
		sample pendingSample
		err    error
	}
	outcomes := make([]outcome, len(samples))
	workers := p.cfg.WorkerThreads
	if workers <= 1 {
		for i, s := range samples {
			ps, err := p.validateOne(ctx, s, now)
			outcomes[i] = outcome{sample: ps, err: err}
		}
	} else {
		sem := make(chan struct{}, workers)
		var wg sync.WaitGroup
		for i, s := range samples {
			wg.Add(1)
			sem <- struct{}{}
			go func(i int, s RawSample) {
				defer wg.Done()
				defer func() { <-sem }()
				ps, err := p.validateOne(ctx, s, now)
				outcomes[i] = outcome{sample: ps, err: err}
			}(i, s)
		}
		wg.Wait()
	}

	accepted := make([]pendingSample, 0, len(samples))
	for i, o := range outcomes {
		if o.err != nil {
			result.Rejected++
			result.Errors = append(result.Errors, IngestError{Index: i, MetricName: samples[i].MetricName, Reason: o.err.Error()})
			p.metrics.IngestRejected.Inc()
			continue
		}
		accepted = append(accepted, o.sample)
		result.Accepted++
		p.metrics.IngestAccepted.Inc()
	}

	p.mu.Lock()
	p.pending = append(p.pending, accepted...)
	oversize := len(p.pending) >= p.cfg.BufferMaxSize
	p.mu.Unlock()

	if oversize {
		select {
		case p.flushTrigger <- struct{}{}:
		default:
		}
	}

	result.DurationMs = p.clock.Now().Sub(start).Milliseconds()
	return result, nil
}

func (p *Pipeline) validateOne(ctx context.Context, s RawSample, now time.Time) (pendingSample, error) {
	if err := domain.ValidateValue(s.Value); err != nil {
		return pendingSample{}, err
	}
	if err := domain.ValidateTime(s.Time, now); err != nil {
		return pendingSample{}, err
	}
	for k, v := range s.Labels {
		if err := domain.ValidateLabelKey(k); err != nil {
			return pendingSample{}, err
		}
		if err := domain.ValidateLabelValue(k, v); err != nil {
			return pendingSample{}, err
		}
	}

	m, err := p.registry.GetOrCreate(ctx, s.MetricName, domain.KindGauge)
	if err != nil {
		return pendingSample{}, err
	}
	if !m.Active {
		return pendingSample{}, domain.BadInput("metric %q is not active", s.MetricName)
	}
	if err := m.Labels.EqualKeys(s.Labels); err != nil {
		return pendingSample{}, err
	}

	guardResult, err := p.guard.Validate(ctx, m.ID, s.Labels)
	if err != nil {
		return pendingSample{}, err
	}
	for _, w := range guardResult.Warnings {
		cclog.Warnf("cardinality warning for metric %q: %s", s.MetricName, w)
	}
	if !guardResult.OK {
		reason := "rejected by cardinality guard"
		if len(guardResult.Errors) > 0 {
			reason = guardResult.Errors[0]
		}
		return pendingSample{}, domain.ResourceExhausted("%s", reason)
	}

	return pendingSample{metricID: m.ID, time: s.Time, value: s.Value, labels: s.Labels}, nil
}

// Stats reports the current buffer depth.
func (p *Pipeline) Stats() (bufferedSamples int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Flush manually drains the buffer. Scheduled flushes call the
// same method; both share the re-enqueue-on-failure logic, which is
// idempotent since storage writes are upserts keyed on
// (time, metricId, labels).
func (p *Pipeline) Flush(ctx context.Context) error {
	for {
		batch := p.drainBatch()
		if len(batch) == 0 {
			return nil
		}
		if err := p.writeBatch(ctx, batch); err != nil {
			p.reenqueue(batch)
			cclog.Errorf("ingest flush failed, %d samples re-enqueued: %v", len(batch), err)
			return err
		}
		if len(batch) < p.cfg.BatchSize {
			return nil
		}
	}
}

func (p *Pipeline) drainBatch() []pendingSample {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return nil
	}
	n := p.cfg.BatchSize
	if n > len(p.pending) {
		n = len(p.pending)
	}
	batch := make([]pendingSample, n)
	copy(batch, p.pending[:n])
	p.pending = p.pending[n:]
	return batch
}

func (p *Pipeline) reenqueue(batch []pendingSample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(batch, p.pending...)
}

func (p *Pipeline) writeBatch(ctx context.Context, batch []pendingSample) error {
	start := p.clock.Now()
	for _, s := range batch {
		if err := p.gateway.Upsert(ctx, s.metricID, s.time, s.value, s.labels); err != nil {
			return err
		}
	}
	p.metrics.FlushDuration.Observe(p.clock.Now().Sub(start).Seconds())
	return nil
}

// Run starts the scheduled flush loop, returning when ctx is
// cancelled. A fixed timer fires flushIntervalMs; an oversize signal
// triggers an out-of-band flush without resetting the timer.
func (p *Pipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(p.cfg.FlushIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Flush(ctx); err != nil {
				cclog.Errorf("scheduled flush error: %v", err)
			}
		case <-p.flushTrigger:
			if err := p.Flush(ctx); err != nil {
				cclog.Errorf("oversize-triggered flush error: %v", err)
			}
		}
	}
}
