// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of metricvault.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package domain holds the core types of the metric store: metric
// definitions, label schemas, samples, series keys and archive
// segments. It has no dependency on storage, transport, or any other
// external collaborator; those are defined as interfaces in
// internal/storage and consumed by the packages that need them.
package domain

import (
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Kind is the tagged enum of metric kinds. Only COUNTER and GAUGE are
// fully implemented; HISTOGRAM and SUMMARY are recognized values with
// no ingest-path behavior yet.
type Kind string

const (
	KindCounter   Kind = "COUNTER"
	KindGauge     Kind = "GAUGE"
	KindHistogram Kind = "HISTOGRAM"
	KindSummary   Kind = "SUMMARY"
)

func (k Kind) Valid() bool {
	switch k {
	case KindCounter, KindGauge, KindHistogram, KindSummary:
		return true
	default:
		return false
	}
}

const (
	MaxNameLength        = 255
	MaxDescriptionLength = 1000
	MaxUnitLength        = 100
	MinRetentionDays     = 1
	MaxRetentionDays     = 1825
	DefaultRetentionDays = 30
	MaxLabelsPerMetric   = 10
	MaxLabelKeyLength    = 100
	MaxLabelValueLength  = 100
)

var (
	nameRe     = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.-]*$`)
	labelKeyRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)
)

// ValidateName checks a metric name against the naming rule.
func ValidateName(name string) error {
	if name == "" {
		return BadInput("name: must not be empty")
	}
	if len(name) > MaxNameLength {
		return BadInput("name: exceeds %d characters", MaxNameLength)
	}
	if !nameRe.MatchString(name) {
		return BadInput("name: %q does not match %s", name, nameRe.String())
	}
	return nil
}

// ValidateLabelKey checks a label key against the key rule.
func ValidateLabelKey(key string) error {
	if len(key) > MaxLabelKeyLength {
		return BadInput("label key %q: exceeds %d characters", key, MaxLabelKeyLength)
	}
	if !labelKeyRe.MatchString(key) {
		return BadInput("label key %q: does not match %s", key, labelKeyRe.String())
	}
	return nil
}

// ValidateLabelValue checks a label value for emptiness and length.
func ValidateLabelValue(key, value string) error {
	if value == "" {
		return BadInput("label %q: value must not be empty", key)
	}
	if len(value) > MaxLabelValueLength {
		return BadInput("label %q: value exceeds %d characters", key, MaxLabelValueLength)
	}
	return nil
}

// LabelSchema is the set of recognized label keys for a metric.
// It is a value type: no back-pointer to the owning Metric.
type LabelSchema []string

// Validate checks the schema's own shape (count, key format), not
// against a specific sample.
func (s LabelSchema) Validate() error {
	if len(s) > MaxLabelsPerMetric {
		return BadInput("label schema: %d keys exceeds max of %d", len(s), MaxLabelsPerMetric)
	}
	seen := make(map[string]bool, len(s))
	for _, k := range s {
		if err := ValidateLabelKey(k); err != nil {
			return err
		}
		if seen[k] {
			return BadInput("label schema: duplicate key %q", k)
		}
		seen[k] = true
	}
	return nil
}

// KeySet returns the schema as a set for equality comparisons.
func (s LabelSchema) KeySet() map[string]struct{} {
	set := make(map[string]struct{}, len(s))
	for _, k := range s {
		set[k] = struct{}{}
	}
	return set
}

// EqualKeys reports whether the provided label map has exactly the
// keys in the schema: no missing, no extra.
func (s LabelSchema) EqualKeys(labels map[string]string) error {
	want := s.KeySet()
	for k := range labels {
		if _, ok := want[k]; !ok {
			return BadInput("label %q: not part of the metric's label schema", k)
		}
		delete(want, k)
	}
	if len(want) > 0 {
		missing := make([]string, 0, len(want))
		for k := range want {
			missing = append(missing, k)
		}
		return BadInput("missing required label(s): %v", missing)
	}
	return nil
}

// Metric is a metric definition.
type Metric struct {
	ID          uuid.UUID
	Name        string
	Kind        Kind
	Description string
	Unit        string
	Labels      LabelSchema
	Retention   int // days, 1..1825
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Definition is the caller-supplied payload to MetricRegistry.Register.
type Definition struct {
	Name        string
	Kind        Kind
	Description string
	Unit        string
	Labels      LabelSchema
	Retention   int
}

// Validate applies the field-level checks to a Definition,
// filling in the retention default. It does not check name uniqueness
// - that is a storage-backed check owned by MetricRegistry.
func (d *Definition) Validate() error {
	if err := ValidateName(d.Name); err != nil {
		return err
	}
	if !d.Kind.Valid() {
		return BadInput("kind: %q is not one of COUNTER, GAUGE, HISTOGRAM, SUMMARY", d.Kind)
	}
	if len(d.Description) > MaxDescriptionLength {
		return BadInput("description: exceeds %d characters", MaxDescriptionLength)
	}
	if len(d.Unit) > MaxUnitLength {
		return BadInput("unit: exceeds %d characters", MaxUnitLength)
	}
	if d.Retention == 0 {
		d.Retention = DefaultRetentionDays
	}
	if d.Retention < MinRetentionDays || d.Retention > MaxRetentionDays {
		return BadInput("retention: %d days is outside [%d, %d]", d.Retention, MinRetentionDays, MaxRetentionDays)
	}
	return d.Labels.Validate()
}

// SeriesKey identifies a time series within a metric: the metric id
// plus a label set, serialized in a stable, sorted form so two equal
// label maps produce equal keys regardless of insertion order.
type SeriesKey string

// NewSeriesKey builds a SeriesKey for (metricID, labels).
func NewSeriesKey(metricID uuid.UUID, labels map[string]string) SeriesKey {
	return SeriesKey(fmt.Sprintf("%s|%s", metricID, canonicalLabels(labels)))
}

func canonicalLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]byte, 0, 64)
	for i, k := range keys {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, k...)
		out = append(out, '=')
		out = append(out, labels[k]...)
	}
	return string(out)
}
