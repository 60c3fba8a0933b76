// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of metricvault.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/metricvault/metricvault/internal/domain"
)

// MetricStore persists Metric definitions and their label schemas: a
// thin sqlx+squirrel layer, no business rules.
type MetricStore interface {
	Insert(ctx context.Context, m *domain.Metric) error
	InsertLabels(ctx context.Context, metricID uuid.UUID, keys domain.LabelSchema) error
	GetByName(ctx context.Context, name string) (*domain.Metric, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Metric, error)
	LabelsOf(ctx context.Context, id uuid.UUID) (domain.LabelSchema, error)
	List(ctx context.Context, activeOnly bool) ([]*domain.Metric, error)
	Update(ctx context.Context, id uuid.UUID, retention *int, active *bool) error
	SoftDelete(ctx context.Context, id uuid.UUID) error
}

type sqlMetricStore struct {
	db *sqlx.DB
}

// NewSQLMetricStore builds a MetricStore on top of the metrics and
// metric_labels tables.
func NewSQLMetricStore(db *sqlx.DB) MetricStore {
	return &sqlMetricStore{db: db}
}

type metricRow struct {
	ID           string `db:"id"`
	Name         string `db:"name"`
	Kind         string `db:"kind"`
	Description  string `db:"description"`
	Unit         string `db:"unit"`
	RetentionDay int    `db:"retention_days"`
	IsActive     bool   `db:"is_active"`
	CreatedAt    int64  `db:"created_at"`
	UpdatedAt    int64  `db:"updated_at"`
}

func (r metricRow) toDomain() (*domain.Metric, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, domain.Fatal("stored metric %q has invalid id: %v", r.Name, err)
	}
	return &domain.Metric{
		ID:          id,
		Name:        r.Name,
		Kind:        domain.Kind(r.Kind),
		Description: r.Description,
		Unit:        r.Unit,
		Retention:   r.RetentionDay,
		Active:      r.IsActive,
		CreatedAt:   time.Unix(r.CreatedAt, 0).UTC(),
		UpdatedAt:   time.Unix(r.UpdatedAt, 0).UTC(),
	}, nil
}

func (s *sqlMetricStore) Insert(ctx context.Context, m *domain.Metric) error {
	_, err := squirrel.Insert("metrics").
		Columns("id", "name", "kind", "description", "unit", "retention_days", "is_active", "created_at", "updated_at").
		Values(m.ID.String(), m.Name, string(m.Kind), m.Description, m.Unit, m.Retention, m.Active, m.CreatedAt.Unix(), m.UpdatedAt.Unix()).
		RunWith(s.db).
		ExecContext(ctx)
	if err != nil {
		return classifyWriteErr(err, m.Name)
	}
	return nil
}

func (s *sqlMetricStore) InsertLabels(ctx context.Context, metricID uuid.UUID, keys domain.LabelSchema) error {
	if len(keys) == 0 {
		return nil
	}
	b := squirrel.Insert("metric_labels").Columns("metric_id", "label_key")
	for _, k := range keys {
		b = b.Values(metricID.String(), k)
	}
	_, err := b.RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return domain.Transient(err, "insert labels for metric %s", metricID)
	}
	return nil
}

func (s *sqlMetricStore) GetByName(ctx context.Context, name string) (*domain.Metric, error) {
	var row metricRow
	err := squirrel.Select("id", "name", "kind", "description", "unit", "retention_days", "is_active", "created_at", "updated_at").
		From("metrics").Where(squirrel.Eq{"name": name}).
		RunWith(s.db).QueryRowContext(ctx).
		Scan(&row.ID, &row.Name, &row.Kind, &row.Description, &row.Unit, &row.RetentionDay, &row.IsActive, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("metric %q not found", name)
	}
	if err != nil {
		return nil, domain.Transient(err, "get metric by name %q", name)
	}
	m, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	m.Labels, err = s.LabelsOf(ctx, m.ID)
	return m, err
}

func (s *sqlMetricStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Metric, error) {
	var row metricRow
	err := squirrel.Select("id", "name", "kind", "description", "unit", "retention_days", "is_active", "created_at", "updated_at").
		From("metrics").Where(squirrel.Eq{"id": id.String()}).
		RunWith(s.db).QueryRowContext(ctx).
		Scan(&row.ID, &row.Name, &row.Kind, &row.Description, &row.Unit, &row.RetentionDay, &row.IsActive, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("metric %s not found", id)
	}
	if err != nil {
		return nil, domain.Transient(err, "get metric by id %s", id)
	}
	m, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	m.Labels, err = s.LabelsOf(ctx, m.ID)
	return m, err
}

func (s *sqlMetricStore) LabelsOf(ctx context.Context, id uuid.UUID) (domain.LabelSchema, error) {
	rows, err := squirrel.Select("label_key").From("metric_labels").
		Where(squirrel.Eq{"metric_id": id.String()}).OrderBy("label_key").
		RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, domain.Transient(err, "load labels for metric %s", id)
	}
	defer rows.Close()

	var keys domain.LabelSchema
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, domain.Transient(err, "scan label key")
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *sqlMetricStore) List(ctx context.Context, activeOnly bool) ([]*domain.Metric, error) {
	q := squirrel.Select("id", "name", "kind", "description", "unit", "retention_days", "is_active", "created_at", "updated_at").
		From("metrics").OrderBy("name")
	if activeOnly {
		q = q.Where(squirrel.Eq{"is_active": true})
	}
	rows, err := q.RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, domain.Transient(err, "list metrics")
	}
	defer rows.Close()

	var out []*domain.Metric
	for rows.Next() {
		var row metricRow
		if err := rows.Scan(&row.ID, &row.Name, &row.Kind, &row.Description, &row.Unit, &row.RetentionDay, &row.IsActive, &row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, domain.Transient(err, "scan metric row")
		}
		m, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqlMetricStore) Update(ctx context.Context, id uuid.UUID, retention *int, active *bool) error {
	b := squirrel.Update("metrics").Set("updated_at", time.Now().Unix()).Where(squirrel.Eq{"id": id.String()})
	if retention != nil {
		b = b.Set("retention_days", *retention)
	}
	if active != nil {
		b = b.Set("is_active", *active)
	}
	res, err := b.RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return domain.Transient(err, "update metric %s", id)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.NotFound("metric %s not found", id)
	}
	return nil
}

func (s *sqlMetricStore) SoftDelete(ctx context.Context, id uuid.UUID) error {
	active := false
	return s.Update(ctx, id, nil, &active)
}

func classifyWriteErr(err error, name string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	for _, sub := range []string{"UNIQUE constraint failed", "Duplicate entry", "duplicate key"} {
		if strings.Contains(msg, sub) {
			return domain.Conflict("metric %q already exists", name)
		}
	}
	return domain.Transient(err, "write metric %q", name)
}
