// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of metricvault.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ingest

import (
	"context"
	"fmt"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/influxdata/line-protocol/v2/lineprotocol"
	"github.com/nats-io/nats.go"
)

// NATSSourceConfig configures the optional secondary ingestion
// transport: a NATS subscription feeding line-protocol-encoded
// samples into the same Pipeline.Ingest used by any other caller.
type NATSSourceConfig struct {
	Address       string
	Subject       string
	Username      string
	Password      string
	CredsFilePath string
}

// NATSSource subscribes to a NATS subject and decodes each message as
// one or more InfluxDB line-protocol lines
// "<measurement>[,tag=val...] value=<v> [<timestamp>]".
// All lines decoded from one message are handed to Pipeline.Ingest
// together in a single call; a decode error anywhere in the message
// means none of its samples are ingested.
type NATSSource struct {
	cfg      NATSSourceConfig
	pipeline *Pipeline
	conn     *nats.Conn
	sub      *nats.Subscription
}

func NewNATSSource(cfg NATSSourceConfig, p *Pipeline) *NATSSource {
	return &NATSSource{cfg: cfg, pipeline: p}
}

// Start connects to NATS and subscribes to cfg.Subject. It returns
// immediately after the subscription is established; decoded samples
// continue arriving on the client's own goroutine until Stop is
// called; cancelling ctx does not end the subscription.
func (s *NATSSource) Start(ctx context.Context) error {
	if s.cfg.Address == "" {
		cclog.Warn("NATS ingestion source: no address configured, skipping")
		return nil
	}

	var opts []nats.Option
	if s.cfg.Username != "" && s.cfg.Password != "" {
		opts = append(opts, nats.UserInfo(s.cfg.Username, s.cfg.Password))
	}
	if s.cfg.CredsFilePath != "" {
		opts = append(opts, nats.UserCredentials(s.cfg.CredsFilePath))
	}
	opts = append(opts, nats.ReconnectHandler(func(nc *nats.Conn) {
		cclog.Infof("NATS ingestion source reconnected to %s", nc.ConnectedUrl())
	}))
	opts = append(opts, nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
		if err != nil {
			cclog.Errorf("NATS ingestion source error: %v", err)
		}
	}))

	nc, err := nats.Connect(s.cfg.Address, opts...)
	if err != nil {
		return fmt.Errorf("NATS ingestion source: connect: %w", err)
	}
	s.conn = nc

	sub, err := nc.Subscribe(s.cfg.Subject, func(msg *nats.Msg) {
		if err := s.decodeAndIngest(ctx, msg.Data); err != nil {
			cclog.Errorf("NATS ingestion source: decode %q: %v", s.cfg.Subject, err)
		}
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("NATS ingestion source: subscribe to %q: %w", s.cfg.Subject, err)
	}
	s.sub = sub

	cclog.Infof("NATS ingestion source subscribed to %q", s.cfg.Subject)
	return nil
}

func (s *NATSSource) decodeAndIngest(ctx context.Context, data []byte) error {
	dec := lineprotocol.NewDecoderWithBytes(data)
	var samples []RawSample

	for dec.Next() {
		measurement, err := dec.Measurement()
		if err != nil {
			return fmt.Errorf("measurement: %w", err)
		}
		metricName := string(measurement)

		labels := map[string]string{}
		for {
			key, val, err := dec.NextTag()
			if err != nil {
				return fmt.Errorf("tag: %w", err)
			}
			if key == nil {
				break
			}
			labels[string(key)] = string(val)
		}

		var value float64
		haveValue := false
		for {
			key, val, err := dec.NextField()
			if err != nil {
				return fmt.Errorf("field: %w", err)
			}
			if key == nil {
				break
			}
			if string(key) != "value" {
				continue
			}
			switch val.Kind() {
			case lineprotocol.Float:
				value = val.FloatV()
			case lineprotocol.Int:
				value = float64(val.IntV())
			case lineprotocol.Uint:
				value = float64(val.UintV())
			default:
				return fmt.Errorf("field %q: unsupported value kind %s", key, val.Kind())
			}
			haveValue = true
		}
		if !haveValue {
			return fmt.Errorf("measurement %q: missing required \"value\" field", metricName)
		}

		now := s.pipeline.clock.Now()
		t, err := dec.Time(lineprotocol.Nanosecond, now)
		if err != nil {
			t = now
		}

		samples = append(samples, RawSample{MetricName: metricName, Value: value, Time: t, Labels: labels})
	}

	if len(samples) == 0 {
		return nil
	}
	_, err := s.pipeline.Ingest(ctx, samples)
	return err
}

// Stop unsubscribes and closes the NATS connection.
func (s *NATSSource) Stop() {
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			cclog.Warnf("NATS ingestion source: unsubscribe: %v", err)
		}
	}
	if s.conn != nil {
		s.conn.Close()
	}
}
