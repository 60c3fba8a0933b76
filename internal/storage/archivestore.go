// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of metricvault.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/metricvault/metricvault/internal/domain"
)

// ArchiveStore persists ArchiveSegment rows in cold_storage_metadata.
// Segments are immutable; only Insert and read paths exist.
type ArchiveStore interface {
	Exists(ctx context.Context, metricID uuid.UUID, day time.Time) (bool, error)
	Insert(ctx context.Context, seg *domain.ArchiveSegment) error
	FindOverlapping(ctx context.Context, metricID uuid.UUID, rng TimeRange) ([]*domain.ArchiveSegment, error)
}

type sqlArchiveStore struct {
	db *sqlx.DB
}

func NewSQLArchiveStore(db *sqlx.DB) ArchiveStore {
	return &sqlArchiveStore{db: db}
}

func (s *sqlArchiveStore) Exists(ctx context.Context, metricID uuid.UUID, day time.Time) (bool, error) {
	var n int
	err := squirrel.Select("COUNT(*)").From("cold_storage_metadata").
		Where(squirrel.Eq{"metric_id": metricID.String(), "start_time": day.UTC().Unix()}).
		RunWith(s.db).QueryRowContext(ctx).Scan(&n)
	if err != nil {
		return false, domain.Transient(err, "check archive segment existence for metric %s day %s", metricID, day)
	}
	return n > 0, nil
}

func (s *sqlArchiveStore) Insert(ctx context.Context, seg *domain.ArchiveSegment) error {
	_, err := squirrel.Insert("cold_storage_metadata").
		Columns("id", "metric_id", "start_time", "end_time", "storage_path", "file_format",
			"file_size_bytes", "row_count", "compression_ratio", "labels_index", "created_at").
		Values(seg.ID.String(), seg.MetricID.String(), seg.StartTime.UTC().Unix(), seg.EndTime.UTC().Unix(),
			seg.ObjectPath, seg.FileFormat, seg.FileSizeBytes, seg.RowCount, seg.CompressionRatio,
			seg.LabelsIndexJSON, seg.CreatedAt.UTC().Unix()).
		RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return domain.Transient(err, "insert archive segment for metric %s", seg.MetricID)
	}
	return nil
}

func (s *sqlArchiveStore) FindOverlapping(ctx context.Context, metricID uuid.UUID, rng TimeRange) ([]*domain.ArchiveSegment, error) {
	rows, err := squirrel.Select("id", "metric_id", "start_time", "end_time", "storage_path", "file_format",
		"file_size_bytes", "row_count", "compression_ratio", "labels_index", "created_at").
		From("cold_storage_metadata").
		Where(squirrel.Eq{"metric_id": metricID.String()}).
		Where(squirrel.Lt{"start_time": rng.End.UTC().Unix()}).
		Where(squirrel.Gt{"end_time": rng.Start.UTC().Unix()}).
		OrderBy("start_time ASC").
		RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, domain.Transient(err, "find overlapping archive segments for metric %s", metricID)
	}
	defer rows.Close()

	var out []*domain.ArchiveSegment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSegment(rows rowScanner) (*domain.ArchiveSegment, error) {
	var (
		idStr, metricIDStr  string
		start, end, created int64
		seg                 domain.ArchiveSegment
	)
	if err := rows.Scan(&idStr, &metricIDStr, &start, &end, &seg.ObjectPath, &seg.FileFormat,
		&seg.FileSizeBytes, &seg.RowCount, &seg.CompressionRatio, &seg.LabelsIndexJSON, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound("archive segment not found")
		}
		return nil, domain.Transient(err, "scan archive segment")
	}
	var err error
	if seg.ID, err = uuid.Parse(idStr); err != nil {
		return nil, domain.Fatal("archive segment has invalid id: %v", err)
	}
	if seg.MetricID, err = uuid.Parse(metricIDStr); err != nil {
		return nil, domain.Fatal("archive segment has invalid metric id: %v", err)
	}
	seg.StartTime = time.Unix(start, 0).UTC()
	seg.EndTime = time.Unix(end, 0).UTC()
	seg.CreatedAt = time.Unix(created, 0).UTC()
	return &seg, nil
}
