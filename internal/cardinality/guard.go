// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of metricvault.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package cardinality implements the CardinalityGuard: label
// shape checks, a known high-cardinality substring scan, and a
// rate-limited estimate of distinct series per metric read from the
// time-series store. Probes share one golang.org/x/time/rate token
// bucket across all metrics.
package cardinality

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"

	"github.com/metricvault/metricvault/internal/clock"
	"github.com/metricvault/metricvault/internal/domain"
	"github.com/metricvault/metricvault/internal/storage"
)

// knownHighCardinalityPatterns is checked case-insensitively against
// every label key; a match raises a warning, never a rejection.
var knownHighCardinalityPatterns = []string{
	"id", "uuid", "guid", "session", "request", "transaction", "user",
	"customer", "account", "email", "username", "ip", "address",
	"timestamp", "datetime", "random", "nonce", "token",
}

// Config holds the cardinality section of the engine configuration.
type Config struct {
	MaxSeriesPerMetric int     `json:"maxSeriesPerMetric"`
	MaxLabelsPerMetric int     `json:"maxLabelsPerMetric"`
	MaxLabelValueLen   int     `json:"maxLabelValueLength"`
	WarningThreshold   float64 `json:"warningThreshold"`
	CheckWindowHours   int     `json:"checkWindowHours"`
	ProbeRatePerMinute float64 `json:"probeRatePerMinute"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxSeriesPerMetric: 10000,
		MaxLabelsPerMetric: 10,
		MaxLabelValueLen:   100,
		WarningThreshold:   0.8,
		CheckWindowHours:   24,
		ProbeRatePerMinute: 10,
	}
}

// Result is the outcome of Validate.
type Result struct {
	OK                 bool
	CurrentCardinality int
	Warnings           []string
	Errors             []string
}

type cacheEntry struct {
	count     int
	expiresAt time.Time
}

// Guard is the CardinalityGuard. One Guard instance is shared by the
// whole ingestion pipeline; its token bucket and cache are global
// across metrics.
type Guard struct {
	cfg     Config
	gateway storage.Gateway
	clock   clock.Clock
	limiter *rate.Limiter

	mu    sync.Mutex
	cache map[uuid.UUID]cacheEntry
}

func New(cfg Config, gateway storage.Gateway, c clock.Clock) *Guard {
	return &Guard{
		cfg:     cfg,
		gateway: gateway,
		clock:   c,
		limiter: rate.NewLimiter(rate.Limit(cfg.ProbeRatePerMinute/60.0), 1),
		cache:   make(map[uuid.UUID]cacheEntry),
	}
}

// Validate runs the check sequence: shape checks first (cheap,
// always run), then the cardinality estimate (expensive, rate
// limited). Shape-check failures short-circuit before the cardinality
// probe is attempted.
func (g *Guard) Validate(ctx context.Context, metricID uuid.UUID, labels map[string]string) (Result, error) {
	res := Result{OK: true}

	if len(labels) > g.cfg.MaxLabelsPerMetric {
		res.OK = false
		res.Errors = append(res.Errors, domain.BadInput("label count %d exceeds max of %d", len(labels), g.cfg.MaxLabelsPerMetric).Error())
		return res, nil
	}
	for k, v := range labels {
		if len(v) > g.cfg.MaxLabelValueLen {
			res.OK = false
			res.Errors = append(res.Errors, domain.BadInput("label %q value exceeds %d characters", k, g.cfg.MaxLabelValueLen).Error())
			return res, nil
		}
		if matchesHighCardinalityPattern(k) {
			res.Warnings = append(res.Warnings, "label key \""+k+"\" matches a known high-cardinality pattern")
		}
	}

	current, err := g.estimate(ctx, metricID)
	if err != nil {
		return Result{}, err
	}
	res.CurrentCardinality = current

	if current >= g.cfg.MaxSeriesPerMetric {
		res.OK = false
		res.Errors = append(res.Errors, domain.ResourceExhausted("reached maximum cardinality (%d) for metric %s", g.cfg.MaxSeriesPerMetric, metricID).Error())
		return res, nil
	}
	if float64(current) > float64(g.cfg.MaxSeriesPerMetric)*g.cfg.WarningThreshold {
		res.Warnings = append(res.Warnings, "cardinality approaching configured maximum")
	}
	return res, nil
}

// estimate returns the cached count if the rate limiter denies a
// fresh probe or the probe fails, and 0 when nothing is cached for the
// metric; its error result is always nil.
func (g *Guard) estimate(ctx context.Context, metricID uuid.UUID) (int, error) {
	now := g.clock.Now()

	g.mu.Lock()
	entry, ok := g.cache[metricID]
	g.mu.Unlock()
	if ok && now.Before(entry.expiresAt) {
		return entry.count, nil
	}

	if !g.limiter.Allow() {
		if ok {
			return entry.count, nil
		}
		return 0, nil
	}

	since := now.Add(-time.Duration(g.cfg.CheckWindowHours) * time.Hour)
	count, err := g.gateway.CountDistinctLabelCombinations(ctx, metricID, since)
	if err != nil {
		cclog.Warnf("cardinality probe failed for metric %s: %v", metricID, err)
		if ok {
			return entry.count, nil
		}
		return 0, nil
	}

	g.mu.Lock()
	g.cache[metricID] = cacheEntry{count: count, expiresAt: now.Add(time.Hour)}
	g.mu.Unlock()
	return count, nil
}

// Stats reports the cached cardinality for a metric without
// triggering a fresh probe.
func (g *Guard) Stats(metricID uuid.UUID) (count int, cached bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.cache[metricID]
	if !ok {
		return 0, false
	}
	return entry.count, true
}

// Cleanup evicts expired cache entries. cmd/metricvault does not
// schedule it.
func (g *Guard) Cleanup() {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, entry := range g.cache {
		if !now.Before(entry.expiresAt) {
			delete(g.cache, id)
		}
	}
}

func matchesHighCardinalityPattern(key string) bool {
	lower := strings.ToLower(key)
	for _, pattern := range knownHighCardinalityPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
