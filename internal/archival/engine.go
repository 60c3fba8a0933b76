// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of metricvault.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package archival implements the cold-tier engine: a daily job,
// scheduled with go-co-op/gocron/v2, that moves aged hot-tier samples
// to GZIP-compressed JSON segments in object storage and serves them
// back on query.
package archival

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"

	"github.com/metricvault/metricvault/internal/clock"
	"github.com/metricvault/metricvault/internal/domain"
	"github.com/metricvault/metricvault/internal/storage"
	"github.com/metricvault/metricvault/internal/telemetry"
)

// Config holds the cold-tier section of the engine configuration.
type Config struct {
	Enabled               bool   `json:"enabled"`
	RetentionDays         int    `json:"retentionDays"`
	BatchSize             int    `json:"batchSize"`
	DelayBetweenBatchesMs int    `json:"delayBetweenBatchesMs"`
	MaxConcurrentUploads  int    `json:"maxConcurrentUploads"`
	VacuumThresholdRows   int    `json:"vacuumThresholdRows"`
	Bucket                string `json:"bucket"`
	Cron                  string `json:"cron"` // "HH:MM", default "02:00"
}

func DefaultConfig() Config {
	return Config{
		Enabled:               true,
		RetentionDays:         30,
		BatchSize:             5000,
		DelayBetweenBatchesMs: 1000,
		MaxConcurrentUploads:  3,
		VacuumThresholdRows:   100000,
		Bucket:                "metricvault-cold",
		Cron:                  "02:00",
	}
}

// Stats reports the outcome of the most recent run.
type Stats struct {
	LastRunAt     time.Time
	LastRunOK     bool
	RowsArchived  int
	SegmentsWrote int
	LastRunErr    string
	TotalRunCount int64
	CurrentlyBusy bool
}

// Engine is the ArchivalEngine.
type Engine struct {
	cfg     Config
	gateway storage.Gateway
	objects storage.ObjectStore
	store   storage.ArchiveStore
	clock   clock.Clock
	metrics *telemetry.Metrics

	running int32 // atomic compare-and-set guard, single-flight

	mu    sync.Mutex
	stats Stats
}

func New(cfg Config, gateway storage.Gateway, objects storage.ObjectStore, store storage.ArchiveStore, c clock.Clock, m *telemetry.Metrics) *Engine {
	return &Engine{cfg: cfg, gateway: gateway, objects: objects, store: store, clock: c, metrics: m}
}

// Schedule registers the daily archival job on s, the process-wide
// gocron scheduler.
func (e *Engine) Schedule(ctx context.Context, s gocron.Scheduler) error {
	if !e.cfg.Enabled {
		cclog.Info("archival engine disabled, not scheduling")
		return nil
	}
	hour, minute := 2, 0
	if t, err := time.Parse("15:04", e.cfg.Cron); err == nil {
		hour, minute = t.Hour(), t.Minute()
	}
	_, err := s.NewJob(
		gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(uint(hour), uint(minute), 0))),
		gocron.NewTask(func() { e.RunArchivalJob(ctx) }),
	)
	return err
}

// RunArchivalJob scans for metrics with data past the cold-tier
// cutoff and archives them day by day. It never returns an error to
// its caller (the scheduler catches nothing); all failures are logged
// and recorded in Stats.
func (e *Engine) RunArchivalJob(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&e.running, 0, 1) {
		cclog.Info("archival job already running, skipping this tick")
		return
	}
	defer atomic.StoreInt32(&e.running, 0)

	start := e.clock.Now()
	var rowsArchived, segmentsWritten int
	var lastErr error

	func() {
		defer func() {
			if r := recover(); r != nil {
				lastErr = domain.Fatal("archival job panicked: %v", r)
			}
		}()
		rowsArchived, segmentsWritten, lastErr = e.runOnce(ctx)
	}()

	e.mu.Lock()
	e.stats.LastRunAt = start
	e.stats.RowsArchived = rowsArchived
	e.stats.SegmentsWrote = segmentsWritten
	e.stats.TotalRunCount++
	if lastErr != nil {
		e.stats.LastRunOK = false
		e.stats.LastRunErr = lastErr.Error()
		e.metrics.ArchivalErrors.Inc()
	} else {
		e.stats.LastRunOK = true
		e.stats.LastRunErr = ""
	}
	e.mu.Unlock()

	if lastErr != nil {
		cclog.Errorf("archival job failed: %v", lastErr)
	}
	if rowsArchived > e.cfg.VacuumThresholdRows {
		go func() {
			if err := e.gateway.RequestVacuum(context.Background()); err != nil {
				cclog.Warnf("vacuum request failed: %v", err)
			}
		}()
	}
}

func (e *Engine) runOnce(ctx context.Context) (rowsArchived, segmentsWritten int, err error) {
	cutoff := e.clock.Now().AddDate(0, 0, -e.cfg.RetentionDays)
	metricIDs, err := e.gateway.FindDistinctMetricsBefore(ctx, cutoff)
	if err != nil {
		return 0, 0, domain.Transient(err, "find distinct metrics before cutoff")
	}

	groupSize := e.cfg.MaxConcurrentUploads
	if groupSize <= 0 {
		groupSize = 1
	}
	for start := 0; start < len(metricIDs); start += groupSize {
		end := start + groupSize
		if end > len(metricIDs) {
			end = len(metricIDs)
		}
		group := metricIDs[start:end]

		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, id := range group {
			wg.Add(1)
			go func(metricID uuid.UUID) {
				defer wg.Done()
				rows, segs := e.archiveMetric(ctx, metricID, cutoff)
				mu.Lock()
				rowsArchived += rows
				segmentsWritten += segs
				mu.Unlock()
			}(id)
		}
		wg.Wait()
	}
	return rowsArchived, segmentsWritten, nil
}

func (e *Engine) archiveMetric(ctx context.Context, metricID uuid.UUID, cutoff time.Time) (rowsArchived, segmentsWritten int) {
	today := domain.StartOfDayUTC(e.clock.Now())
	day := domain.StartOfDayUTC(cutoff)

	for day.Before(today) {
		exists, err := e.store.Exists(ctx, metricID, day)
		if err != nil {
			cclog.Errorf("archival: check segment exists for metric %s day %s: %v", metricID, day, err)
			day = day.AddDate(0, 0, 1)
			continue
		}
		if exists {
			day = day.AddDate(0, 0, 1)
			continue
		}

		rows, err := e.archiveDay(ctx, metricID, day)
		if err != nil {
			cclog.Errorf("archival: day %s for metric %s failed: %v", day, metricID, err)
		} else if rows > 0 {
			rowsArchived += rows
			segmentsWritten++
		}

		day = day.AddDate(0, 0, 1)
		time.Sleep(time.Duration(e.cfg.DelayBetweenBatchesMs) * time.Millisecond)
	}
	return rowsArchived, segmentsWritten
}

func (e *Engine) archiveDay(ctx context.Context, metricID uuid.UUID, day time.Time) (int, error) {
	rng := storage.TimeRange{Start: day, End: day.AddDate(0, 0, 1)}

	// Pages are read newest-first. A full page may split the rows
	// sharing its oldest timestamp across the page boundary, so that
	// timestamp is dropped from the page and re-read in full on the
	// next iteration.
	var allRows []storage.RawRow
	for {
		page, err := e.gateway.ReadRaw(ctx, metricID, rng, nil, e.cfg.BatchSize)
		if err != nil {
			return 0, domain.Transient(err, "paginate samples for metric %s day %s", metricID, day)
		}
		if len(page) < e.cfg.BatchSize {
			allRows = append(allRows, page...)
			break
		}

		oldest := page[len(page)-1].Time
		kept := 0
		for _, r := range page {
			if r.Time.After(oldest) {
				allRows = append(allRows, r)
				kept++
			}
		}
		if kept == 0 {
			// Every row in the page carries the same timestamp; fetch
			// that instant unbounded and move past it.
			instant := storage.TimeRange{Start: oldest, End: oldest.Add(time.Nanosecond)}
			tied, err := e.gateway.ReadRaw(ctx, metricID, instant, nil, 0)
			if err != nil {
				return 0, domain.Transient(err, "paginate samples for metric %s day %s", metricID, day)
			}
			allRows = append(allRows, tied...)
			rng.End = oldest
			continue
		}
		rng.End = oldest.Add(time.Nanosecond)
	}
	if len(allRows) == 0 {
		return 0, nil
	}

	archiveRows := make([]domain.ArchiveRow, len(allRows))
	for i, r := range allRows {
		labelsJSON, _ := json.Marshal(r.Labels)
		archiveRows[i] = domain.ArchiveRow{
			TimestampMillis: r.Time.UnixMilli(),
			MetricID:        metricID.String(),
			Value:           r.Value,
			LabelsJSON:      string(labelsJSON),
		}
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(archiveRows); err != nil {
		gz.Close()
		return 0, domain.Fatal("encode archive segment: %v", err)
	}
	if err := gz.Close(); err != nil {
		return 0, domain.Fatal("close gzip writer: %v", err)
	}

	objectPath := domain.ObjectPathFor(metricID, day)
	if err := e.objects.PutObject(ctx, e.cfg.Bucket, objectPath, "application/gzip", bytes.NewReader(buf.Bytes())); err != nil {
		return 0, domain.Transient(err, "upload archive segment %s", objectPath)
	}

	seg := &domain.ArchiveSegment{
		ID:               uuid.New(),
		MetricID:         metricID,
		StartTime:        day,
		EndTime:          day.AddDate(0, 0, 1),
		ObjectPath:       objectPath,
		FileFormat:       "json.gz",
		FileSizeBytes:    int64(buf.Len()),
		RowCount:         int64(len(archiveRows)),
		CompressionRatio: compressionRatio(len(archiveRows), buf.Len()),
		LabelsIndexJSON:  "",
		CreatedAt:        e.clock.Now(),
	}
	if err := e.store.Insert(ctx, seg); err != nil {
		return 0, domain.Transient(err, "record archive segment metadata")
	}

	e.metrics.ArchivalRows.Add(float64(len(archiveRows)))
	e.metrics.ArchivalSegments.Inc()

	deleted, delErr := e.gateway.DeleteByRangeBatched(ctx, metricID, storage.TimeRange{Start: day, End: day.AddDate(0, 0, 1)}, e.cfg.BatchSize)
	if delErr != nil {
		cclog.Warnf("archival: delete hot rows for metric %s day %s failed (will retry next run): %v", metricID, day, delErr)
	} else {
		cclog.Debugf("archival: deleted %d hot rows for metric %s day %s", deleted, metricID, day)
	}

	return len(archiveRows), nil
}

func compressionRatio(rowCount, compressedBytes int) float64 {
	if compressedBytes == 0 {
		return 0
	}
	const estimatedBytesPerRow = 96
	return float64(rowCount*estimatedBytesPerRow) / float64(compressedBytes)
}

// QueryArchive looks up overlapping segments and streams each through
// a GZIP decoder, filtering by time range. A parse failure on
// one segment is logged and contributes no rows; other segments still
// get read.
func (e *Engine) QueryArchive(ctx context.Context, metricID uuid.UUID, rng storage.TimeRange) ([]storage.RawRow, error) {
	segments, err := e.store.FindOverlapping(ctx, metricID, rng)
	if err != nil {
		return nil, domain.Transient(err, "find overlapping archive segments")
	}

	var out []storage.RawRow
	for _, seg := range segments {
		rows, err := e.readSegment(ctx, seg, rng)
		if err != nil {
			cclog.Errorf("archival: read segment %s failed: %v", seg.ObjectPath, err)
			continue
		}
		out = append(out, rows...)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Time.After(out[j].Time) })
	return out, nil
}

func (e *Engine) readSegment(ctx context.Context, seg *domain.ArchiveSegment, rng storage.TimeRange) ([]storage.RawRow, error) {
	body, err := e.objects.GetObject(ctx, e.cfg.Bucket, seg.ObjectPath)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	gz, err := gzip.NewReader(body)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	data, err := io.ReadAll(gz)
	if err != nil {
		return nil, err
	}

	var rows []domain.ArchiveRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}

	out := make([]storage.RawRow, 0, len(rows))
	for _, r := range rows {
		t := time.UnixMilli(r.TimestampMillis).UTC()
		if t.Before(rng.Start) || !t.Before(rng.End) {
			continue
		}
		labels := map[string]string{}
		_ = json.Unmarshal([]byte(r.LabelsJSON), &labels)
		out = append(out, storage.RawRow{Time: t, Value: r.Value, Labels: labels})
	}
	return out, nil
}

// Stats returns a snapshot of the last run.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.CurrentlyBusy = atomic.LoadInt32(&e.running) == 1
	return s
}
