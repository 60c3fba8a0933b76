// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of metricvault.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package query

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/metricvault/metricvault/internal/domain"
	"github.com/metricvault/metricvault/internal/storage"
)

// RatePoint is one computed rate value.
type RatePoint struct {
	Time   time.Time
	Value  float64
	Labels map[string]string
}

// RateEngine computes per-series counter rates.
type RateEngine struct{}

func NewRateEngine() *RateEngine { return &RateEngine{} }

// Compute groups raw rows by SeriesKey, sorts each group ascending by
// time, differences consecutive points, and flattens the result
// ordered newest-first.
func (RateEngine) Compute(metricID uuid.UUID, rows []storage.RawRow) []RatePoint {
	bySeries := make(map[domain.SeriesKey][]storage.RawRow)
	for _, r := range rows {
		key := domain.NewSeriesKey(metricID, r.Labels)
		bySeries[key] = append(bySeries[key], r)
	}

	var out []RatePoint
	for _, series := range bySeries {
		sort.Slice(series, func(i, j int) bool { return series[i].Time.Before(series[j].Time) })
		for i := 1; i < len(series); i++ {
			prev, cur := series[i-1], series[i]
			dt := cur.Time.Sub(prev.Time).Seconds()
			if dt <= 0 {
				continue
			}
			var rate float64
			if cur.Value < prev.Value {
				rate = cur.Value / dt
			} else {
				rate = (cur.Value - prev.Value) / dt
			}
			out = append(out, RatePoint{Time: cur.Time, Value: rate, Labels: cur.Labels})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Time.After(out[j].Time) })
	return out
}
