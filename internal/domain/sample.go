// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of metricvault.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package domain

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// MaxFutureSkew and MaxPastAge bound the timestamp a Sample may carry
// relative to "now".
const (
	MaxFutureSkew = 300 * time.Second
	MaxPastAge    = 365 * 24 * time.Hour
)

// Sample is one ingested data point. Labels is a copy the caller
// no longer owns once the Sample is constructed.
type Sample struct {
	Time     time.Time
	MetricID uuid.UUID
	Value    float64
	Labels   map[string]string
}

// Key returns the SeriesKey this sample belongs to.
func (s Sample) Key() SeriesKey {
	return NewSeriesKey(s.MetricID, s.Labels)
}

// ValidateValue rejects NaN and infinities.
func ValidateValue(v float64) error {
	if math.IsNaN(v) {
		return BadInput("value: NaN is not a finite value")
	}
	if math.IsInf(v, 0) {
		return BadInput("value: infinite values are not accepted")
	}
	return nil
}

// ValidateTime checks a sample timestamp lies in [now-365d, now+300s].
func ValidateTime(t, now time.Time) error {
	if t.Before(now.Add(-MaxPastAge)) {
		return BadInput("timestamp: %s is more than %s in the past", t.Format(time.RFC3339), MaxPastAge)
	}
	if t.After(now.Add(MaxFutureSkew)) {
		return BadInput("timestamp: %s is more than %s in the future", t.Format(time.RFC3339), MaxFutureSkew)
	}
	return nil
}

// StartOfDayUTC returns the UTC calendar-day start containing t, used
// to key ArchiveSegments and to iterate archival days.
func StartOfDayUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
