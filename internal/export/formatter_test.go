// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of metricvault.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package export

import (
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metricvault/metricvault/internal/query"
)

func sampleResult() query.Result {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return query.Result{
		Metric:      "cpu_usage",
		Aggregation: query.AggNone,
		TotalPoints: 2,
		Data: []query.Point{
			{Time: base, Value: 1.5, Labels: map[string]string{"host": "a"}},
			{Time: base.Add(time.Minute), Value: 2.5},
		},
	}
}

func TestRenderJSONRoundTripsAllPoints(t *testing.T) {
	out, err := Render(sampleResult(), FormatJSON)
	require.NoError(t, err)

	var doc jsonDoc
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Equal(t, "cpu_usage", doc.Metric)
	require.Len(t, doc.Data, 2)
	assert.Equal(t, 1.5, doc.Data[0].Value)
	assert.Equal(t, "a", doc.Data[0].Labels["host"])
}

func TestRenderCSVHasExpectedHeaderAndRows(t *testing.T) {
	out, err := Render(sampleResult(), FormatCSV)
	require.NoError(t, err)

	r := csv.NewReader(strings.NewReader(string(out)))
	records, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3) // header + 2 rows
	assert.Equal(t, []string{"timestamp", "metric", "value", "labels"}, records[0])
	assert.Equal(t, "cpu_usage", records[1][1])
	assert.Equal(t, "1.5", records[1][2])
}

func TestRenderLineProtocolOmitsEmptyLabelBraces(t *testing.T) {
	out := renderLineProtocol(sampleResult())
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `cpu_usage{host="a"} 1.5 `)
	assert.True(t, strings.HasPrefix(lines[1], "cpu_usage 2.5 "), "label-less point must omit the brace group")
}

func TestRenderRejectsUnknownFormat(t *testing.T) {
	_, err := Render(sampleResult(), Format("bogus"))
	require.Error(t, err)
}
