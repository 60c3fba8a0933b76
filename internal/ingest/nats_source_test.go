// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of metricvault.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ingest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metricvault/metricvault/internal/domain"
)

func TestDecodeAndIngestParsesLineProtocolWithTagsAndValue(t *testing.T) {
	gw := &fakeGateway{}
	p, reg := newTestPipeline(t, gw)
	src := NewNATSSource(NATSSourceConfig{Subject: "metrics"}, p)

	_, err := reg.Register(context.Background(), domain.Definition{Name: "cpu_usage", Kind: domain.KindGauge, Labels: domain.LabelSchema{"host"}})
	require.NoError(t, err)

	line := []byte(fmt.Sprintf("cpu_usage,host=a value=0.75 %d\n", time.Now().UnixNano()))
	require.NoError(t, src.decodeAndIngest(context.Background(), line))
	assert.Equal(t, 1, p.Stats())
}

func TestDecodeAndIngestRejectsMissingValueField(t *testing.T) {
	gw := &fakeGateway{}
	p, _ := newTestPipeline(t, gw)
	src := NewNATSSource(NATSSourceConfig{Subject: "metrics"}, p)

	line := []byte(fmt.Sprintf("cpu_usage,host=a other=1 %d\n", time.Now().UnixNano()))
	err := src.decodeAndIngest(context.Background(), line)
	require.Error(t, err)
}

func TestDecodeAndIngestHandlesMultipleLines(t *testing.T) {
	gw := &fakeGateway{}
	p, _ := newTestPipeline(t, gw)
	src := NewNATSSource(NATSSourceConfig{Subject: "metrics"}, p)

	now := time.Now().UnixNano()
	lines := []byte(fmt.Sprintf("cpu_usage value=1 %d\nmem_bytes value=2 %d\n", now, now+int64(time.Second)))
	require.NoError(t, src.decodeAndIngest(context.Background(), lines))
	assert.Equal(t, 2, p.Stats())
}
