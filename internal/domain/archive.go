// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of metricvault.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ArchiveSegment records that a full calendar day of a metric's
// samples has been durably written to cold storage. Segments are
// never mutated; (metricID, startTime) is unique (invariant 3).
type ArchiveSegment struct {
	ID               uuid.UUID
	MetricID         uuid.UUID
	StartTime        time.Time // inclusive, UTC day start
	EndTime          time.Time // exclusive, StartTime+24h
	ObjectPath       string
	FileFormat       string
	FileSizeBytes    int64
	RowCount         int64
	CompressionRatio float64
	LabelsIndexJSON  string
	CreatedAt        time.Time
}

// ObjectPathFor returns the conventional object name for a metric/day
// pair: metrics/<metricId>/<YYYY-MM-DD>.json.gz
func ObjectPathFor(metricID uuid.UUID, day time.Time) string {
	return fmt.Sprintf("metrics/%s/%s.json.gz", metricID, day.UTC().Format("2006-01-02"))
}

// ArchiveRow is the on-disk representation of one archived sample.
// Labels is a JSON object serialized as a string; readers must accept
// that double encoding, it is part of the file format.
type ArchiveRow struct {
	TimestampMillis int64   `json:"timestamp"`
	MetricID        string  `json:"metric_id"`
	Value           float64 `json:"value"`
	LabelsJSON      string  `json:"labels"`
}
