// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of metricvault.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitMissingFileKeepsDefaults(t *testing.T) {
	Keys = Default()
	require.NoError(t, Init(filepath.Join(t.TempDir(), "does-not-exist.json")))
	assert.Equal(t, Default().Ingestion.BatchSize, Keys.Ingestion.BatchSize)
}

func TestInitDecodesRecognizedOptions(t *testing.T) {
	Keys = Default()
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"ingestion": {"batchSize": 500, "bufferMaxSize": 20000, "flushIntervalMs": 2000},
		"hotTier": {"retentionDays": 10, "compressionAfterDays": 7},
		"coldTier": {"enabled": true, "retentionDays": 7, "batchSize": 5000, "delayBetweenBatchesMs": 1000, "maxConcurrentUploads": 3, "vacuumThresholdRows": 100000, "bucket": "cold", "cron": "03:00"},
		"query": {"defaultLimit": 100, "maxLimit": 10000, "timeoutSeconds": 30},
		"storage": {"dbDriver": "sqlite3", "dbDSN": "./var/test.db"},
		"metricsAddr": ":9999"
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	require.NoError(t, Init(path))
	assert.Equal(t, 500, Keys.Ingestion.BatchSize)
	assert.Equal(t, 7, Keys.Archival.RetentionDays)
	assert.Equal(t, "sqlite3", Keys.Storage.DBDriver)
	assert.Equal(t, ":9999", Keys.MetricsAddr)
}

func TestInitRejectsUnknownFields(t *testing.T) {
	Keys = Default()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"bogusSection": {}}`), 0o644))

	err := Init(path)
	require.Error(t, err)
}

func TestInitRejectsSchemaViolation(t *testing.T) {
	Keys = Default()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"ingestion": {"batchSize": "not-a-number"}}`), 0o644))

	err := Init(path)
	require.Error(t, err)
}
