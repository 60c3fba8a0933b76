// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of metricvault.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

// configSchema validates the top-level configuration document before
// it is decoded, so a typo fails loudly instead of silently running on
// a default.
var configSchema = `
{
  "type": "object",
  "properties": {
    "ingestion": {
      "type": "object",
      "properties": {
        "bufferMaxSize":   { "type": "integer", "minimum": 1 },
        "flushIntervalMs": { "type": "integer", "minimum": 1 },
        "batchSize":       { "type": "integer", "minimum": 1 },
        "workerThreads":   { "type": "integer", "minimum": 1 }
      }
    },
    "cardinality": {
      "type": "object",
      "properties": {
        "maxSeriesPerMetric":  { "type": "integer", "minimum": 1 },
        "maxLabelsPerMetric":  { "type": "integer", "minimum": 1 },
        "maxLabelValueLength": { "type": "integer", "minimum": 1 },
        "warningThreshold":    { "type": "number", "minimum": 0, "maximum": 1 },
        "checkWindowHours":    { "type": "integer", "minimum": 1 },
        "probeRatePerMinute":  { "type": "number", "minimum": 0 }
      }
    },
    "hotTier": {
      "type": "object",
      "properties": {
        "retentionDays":        { "type": "integer", "minimum": 1 },
        "compressionAfterDays": { "type": "integer", "minimum": 0 }
      }
    },
    "coldTier": {
      "type": "object",
      "properties": {
        "enabled":               { "type": "boolean" },
        "retentionDays":         { "type": "integer", "minimum": 1 },
        "batchSize":             { "type": "integer", "minimum": 1 },
        "delayBetweenBatchesMs": { "type": "integer", "minimum": 0 },
        "maxConcurrentUploads":  { "type": "integer", "minimum": 1 },
        "vacuumThresholdRows":   { "type": "integer", "minimum": 0 },
        "bucket":                { "type": "string" },
        "cron":                  { "type": "string" }
      }
    },
    "query": {
      "type": "object",
      "properties": {
        "defaultLimit":   { "type": "integer", "minimum": 1 },
        "maxLimit":       { "type": "integer", "minimum": 1 },
        "timeoutSeconds": { "type": "integer", "minimum": 1 }
      }
    },
    "storage": {
      "type": "object",
      "properties": {
        "dbDriver":    { "type": "string" },
        "dbDSN":       { "type": "string" },
        "s3Endpoint":  { "type": "string" },
        "s3Bucket":    { "type": "string" },
        "s3Region":    { "type": "string" },
        "s3AccessKey": { "type": "string" },
        "s3SecretKey": { "type": "string" }
      }
    },
    "nats": {
      "type": "object",
      "properties": {
        "enabled":       { "type": "boolean" },
        "address":       { "type": "string" },
        "subject":       { "type": "string" },
        "username":      { "type": "string" },
        "password":      { "type": "string" },
        "credsFilePath": { "type": "string" }
      }
    },
    "metricsAddr": { "type": "string" }
  }
}`
