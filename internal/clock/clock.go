// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of metricvault.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package clock provides a single injected time source for the whole
// engine so that age/future checks and windowing stay deterministic
// in tests.
package clock

import "time"

// Clock abstracts time.Now so components never read the wall clock
// directly.
type Clock interface {
	Now() time.Time
}

// Real is the production Clock backed by time.Now.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// Frozen is a Clock that always returns the same instant, useful in
// tests asserting exact boundary behavior (e.g. "now + 300s accepted").
type Frozen struct {
	At time.Time
}

func (f Frozen) Now() time.Time { return f.At }

// Default is the process-wide real clock. Components take a Clock in
// their constructor; this exists only for callers (e.g. cmd/metricvault)
// that have no reason to fake time.
var Default Clock = Real{}
