package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"factorywatch/internal/normalize"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn, table string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:factorywatch.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db, table: table, d: sqliteDialect(table), opts: normalize.Options{DefaultSensorID: "unknown"}}}, nil
}

// Timestamps are unix milliseconds so ordering is numeric.
func sqliteDialect(table string) dialect {
	return dialect{
		schema: []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				sensor_id TEXT NOT NULL,
				ts_ms INTEGER NOT NULL,
				sensor_value REAL NOT NULL,
				target_value INTEGER NOT NULL
			)`, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_ts ON %s(ts_ms)`, table, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_target_ts ON %s(target_value, ts_ms)`, table, table),
		},
		upsert: fmt.Sprintf(`INSERT INTO %s (id, sensor_id, ts_ms, sensor_value, target_value)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET sensor_id = excluded.sensor_id, ts_ms = excluded.ts_ms,
			sensor_value = excluded.sensor_value, target_value = excluded.target_value`, table),
		tsColumn:    "ts_ms",
		orderTie:    "rowid",
		placeholder: questionMark,
		encodeTime:  func(t time.Time) any { return t.UnixMilli() },
	}
}
