// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of metricvault.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config holds the engine's configuration surface: a
// package-level Keys struct populated by decoding a JSON file with
// json.Decoder.DisallowUnknownFields, validated first against a JSON
// Schema via santhosh-tekuri/jsonschema/v5.
package config

import (
	"bytes"
	"encoding/json"
	"os"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"

	"github.com/metricvault/metricvault/internal/archival"
	"github.com/metricvault/metricvault/internal/cardinality"
	"github.com/metricvault/metricvault/internal/ingest"
	"github.com/metricvault/metricvault/internal/query"
)

// StorageConfig holds the hot-tier connection and object-store
// settings.
type StorageConfig struct {
	DBDriver string `json:"dbDriver"`
	DBDSN    string `json:"dbDSN"`

	S3Endpoint  string `json:"s3Endpoint"`
	S3Bucket    string `json:"s3Bucket"`
	S3Region    string `json:"s3Region"`
	S3AccessKey string `json:"s3AccessKey"`
	S3SecretKey string `json:"s3SecretKey"`
}

// HotTierConfig bounds the uncompressed, recent portion of the
// time-series store. RetentionDays marks the boundary past which
// queries fan out to the archive tier; CompressionAfterDays is handed
// to the storage engine's native compression policy and has no
// in-process consumer.
type HotTierConfig struct {
	RetentionDays        int `json:"retentionDays"`
	CompressionAfterDays int `json:"compressionAfterDays"`
}

// NATSConfig holds the optional secondary ingestion transport
// settings.
type NATSConfig struct {
	Enabled       bool   `json:"enabled"`
	Address       string `json:"address"`
	Subject       string `json:"subject"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	CredsFilePath string `json:"credsFilePath"`
}

// Config is the top-level, decoded configuration document. The
// ingestion, cardinality, coldTier and query sections reuse the Config
// types their packages define; the other sections are defined here.
type Config struct {
	Ingestion   ingest.Config      `json:"ingestion"`
	Cardinality cardinality.Config `json:"cardinality"`
	HotTier     HotTierConfig      `json:"hotTier"`
	Archival    archival.Config    `json:"coldTier"`
	Query       query.Config       `json:"query"`
	Storage     StorageConfig      `json:"storage"`
	NATS        NATSConfig         `json:"nats"`
	MetricsAddr string             `json:"metricsAddr"`
}

// Keys is the process-wide configuration instance, populated by Init
// and read by cmd/metricvault/main.go when wiring components together.
var Keys = Default()

// Default returns the configuration with every section's package
// defaults.
func Default() Config {
	return Config{
		Ingestion:   ingest.DefaultConfig(),
		Cardinality: cardinality.DefaultConfig(),
		HotTier:     HotTierConfig{RetentionDays: 10, CompressionAfterDays: 7},
		Archival:    archival.DefaultConfig(),
		Query:       query.DefaultConfig(),
		Storage:     StorageConfig{DBDriver: "sqlite3", DBDSN: "./var/metricvault.db"},
		MetricsAddr: ":9090",
	}
}

// Init reads flagConfigFile, validates it against configSchema, and
// decodes it over Keys. A missing file is not an error: the process
// runs on defaults.
func Init(flagConfigFile string) error {
	raw, err := os.ReadFile(flagConfigFile)
	if err != nil {
		if os.IsNotExist(err) {
			cclog.Warnf("config: %q not found, using defaults", flagConfigFile)
			return nil
		}
		return err
	}

	if err := Validate(configSchema, raw); err != nil {
		return err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&Keys); err != nil {
		return err
	}
	return nil
}
