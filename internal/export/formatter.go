// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of metricvault.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package export renders a query.Result as JSON, CSV, or
// line-protocol text.
package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/metricvault/metricvault/internal/query"
)

// Format names one of the three supported renderings.
type Format string

const (
	FormatJSON         Format = "json"
	FormatCSV          Format = "csv"
	FormatLineProtocol Format = "line-protocol"
)

// jsonDoc mirrors the pretty-printed export object:
// {metric, data[], aggregation, interval, totalPoints}.
type jsonDoc struct {
	Metric      string            `json:"metric"`
	Data        []jsonPoint       `json:"data"`
	Aggregation query.Aggregation `json:"aggregation"`
	Interval    string            `json:"interval,omitempty"`
	TotalPoints int               `json:"totalPoints"`
}

type jsonPoint struct {
	Time   int64             `json:"timestamp"`
	Value  float64           `json:"value"`
	Labels map[string]string `json:"labels,omitempty"`
}

// Render dispatches to the formatter matching format.
func Render(res query.Result, format Format) ([]byte, error) {
	switch format {
	case FormatJSON, "":
		return renderJSON(res)
	case FormatCSV:
		return renderCSV(res)
	case FormatLineProtocol:
		return renderLineProtocol(res), nil
	default:
		return nil, fmt.Errorf("export: unknown format %q", format)
	}
}

func renderJSON(res query.Result) ([]byte, error) {
	doc := jsonDoc{
		Metric:      res.Metric,
		Aggregation: res.Aggregation,
		Interval:    res.Interval,
		TotalPoints: res.TotalPoints,
		Data:        make([]jsonPoint, len(res.Data)),
	}
	for i, p := range res.Data {
		doc.Data[i] = jsonPoint{Time: p.Time.UnixMilli(), Value: p.Value, Labels: p.Labels}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("export: encode json: %w", err)
	}
	return buf.Bytes(), nil
}

// renderCSV writes the header "timestamp,metric,value,labels" followed
// by one row per point; labels are serialized as a quoted JSON object
// string (encoding/csv quotes any field containing a comma or quote
// automatically).
func renderCSV(res query.Result) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"timestamp", "metric", "value", "labels"}); err != nil {
		return nil, fmt.Errorf("export: write csv header: %w", err)
	}
	for _, p := range res.Data {
		labelsJSON, err := json.Marshal(p.Labels)
		if err != nil {
			return nil, fmt.Errorf("export: marshal labels: %w", err)
		}
		row := []string{
			strconv.FormatInt(p.Time.UnixMilli(), 10),
			res.Metric,
			strconv.FormatFloat(p.Value, 'f', -1, 64),
			string(labelsJSON),
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("export: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("export: flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

// renderLineProtocol writes one line per point:
// "<metric>{k=\"v\",...} <value> <epochMillis>", omitting the brace
// group entirely when the point carries no labels. This is the
// engine's own export wire format, not the comma-tag format the
// influxdata/line-protocol/v2 decoder parses on the ingestion side.
func renderLineProtocol(res query.Result) []byte {
	var buf bytes.Buffer
	for _, p := range res.Data {
		buf.WriteString(res.Metric)
		if len(p.Labels) > 0 {
			buf.WriteByte('{')
			keys := make([]string, 0, len(p.Labels))
			for k := range p.Labels {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for i, k := range keys {
				if i > 0 {
					buf.WriteByte(',')
				}
				buf.WriteString(k)
				buf.WriteString(`="`)
				buf.WriteString(strings.ReplaceAll(p.Labels[k], `"`, `\"`))
				buf.WriteByte('"')
			}
			buf.WriteByte('}')
		}
		buf.WriteByte(' ')
		buf.WriteString(strconv.FormatFloat(p.Value, 'f', -1, 64))
		buf.WriteByte(' ')
		buf.WriteString(strconv.FormatInt(p.Time.UnixMilli(), 10))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
