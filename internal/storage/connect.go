// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of metricvault.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/golang-migrate/migrate/v4"
	sqlite3mig "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	sqlite3drv "github.com/mattn/go-sqlite3"
	"github.com/qustavo/sqlhooks/v2"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// queryHooks times every statement run through the "sqlite3WithHooks"
// driver and logs it at debug level.
type queryHooks struct{}

type beginKey struct{}

func (queryHooks) Before(ctx context.Context, query string, args ...any) (context.Context, error) {
	cclog.Debugf("[STORAGE] query %s %v", query, args)
	return context.WithValue(ctx, beginKey{}, time.Now()), nil
}

func (queryHooks) After(ctx context.Context, query string, args ...any) (context.Context, error) {
	if begin, ok := ctx.Value(beginKey{}).(time.Time); ok {
		cclog.Debugf("[STORAGE] took %s", time.Since(begin))
	}
	return ctx, nil
}

var hooksRegistered = false

// Connect opens the hot-tier SQL connection and runs pending
// migrations. dsn is a go-sqlite3 DSN (e.g. "./var/metricvault.db").
// The driver is registered once per process with query-hook
// instrumentation.
func Connect(dsn string) (*sqlx.DB, error) {
	if !hooksRegistered {
		sql.Register("sqlite3WithHooks", sqlhooks.Wrap(&sqlite3drv.SQLiteDriver{}, &queryHooks{}))
		hooksRegistered = true
	}

	db, err := sqlx.Open("sqlite3WithHooks", fmt.Sprintf("%s?_foreign_keys=on", dsn))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite does not multiplex writers; a single connection avoids
	// SQLITE_BUSY retries under concurrent flush/query/archival load.
	db.SetMaxOpenConns(1)

	if err := migrateUp(db.DB); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func migrateUp(db *sql.DB) error {
	driver, err := sqlite3mig.WithInstance(db, &sqlite3mig.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("migration init: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up: %w", err)
	}
	return nil
}
